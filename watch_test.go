package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

type watchFixture struct {
	w        *Watcher
	root     string
	cache    *ContentCache
	search   *SearchIndex
	reloader *CertReloader
}

func newWatchFixture(t *testing.T) *watchFixture {
	t.Helper()
	index, root := newTestIndex(t, map[string]string{
		"a.md":      "# A\n\nalpha",
		"docs/b.md": "# B\n\nbravo",
		"docs/c.md": "# C\n\ncharlie",
	})
	certFile, keyFile := writeCertPair(t, t.TempDir())
	snap, err := LoadSnapshot(certFile, keyFile)
	if err != nil {
		t.Fatal(err.Error())
	}

	w, err := NewWatcher(root, certFile, keyFile)
	if err != nil {
		t.Fatal(err.Error())
	}
	t.Cleanup(func() { w.Close() })

	f := &watchFixture{
		w:        w,
		root:     root,
		cache:    NewContentCache(0, 0),
		search:   index,
		reloader: NewCertReloader(NewTLSContext(snap), certFile, keyFile, 0),
	}
	w.Cache = f.cache
	w.Search = f.search
	w.Reloader = f.reloader

	for _, name := range []string{"a.md", "docs/b.md", "docs/c.md"} {
		f.cache.GetOrCompute(context.Background(), f.path(name), time.Now(), bodyEntry(name))
	}
	return f
}

func (f *watchFixture) path(name string) string {
	return filepath.Join(f.root, filepath.FromSlash(name))
}

func (f *watchFixture) searchCount(t *testing.T, terms string) int {
	t.Helper()
	hits, err := f.search.Search(terms, 10)
	if err != nil {
		t.Fatal(err.Error())
	}
	return len(hits)
}

func TestWatcherWrite(t *testing.T) {
	f := newWatchFixture(t)
	name := f.path("a.md")
	if err := os.WriteFile(name, []byte("# A\n\nalpha and zulu"), 0644); err != nil {
		t.Fatal(err.Error())
	}

	f.w.handle(fsnotify.Event{Name: name, Op: fsnotify.Write})
	if f.cache.Len() != 2 {
		t.Errorf("%d cache entries, expected 2", f.cache.Len())
	}
	if n := f.searchCount(t, "zulu"); n != 1 {
		t.Errorf("%d hits for new content, expected 1", n)
	}
}

func TestWatcherRemoveDirectory(t *testing.T) {
	f := newWatchFixture(t)
	dir := f.path("docs")
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err.Error())
	}

	f.w.handle(fsnotify.Event{Name: dir, Op: fsnotify.Remove})
	if f.cache.Len() != 1 {
		t.Errorf("%d cache entries, expected only a.md left", f.cache.Len())
	}

	f.w.handle(fsnotify.Event{Name: f.path("docs/b.md"), Op: fsnotify.Remove})
	if n := f.searchCount(t, "bravo"); n != 0 {
		t.Errorf("removed page still found (%d hits)", n)
	}
}

func TestWatcherIgnores(t *testing.T) {
	f := newWatchFixture(t)
	for _, ev := range []fsnotify.Event{
		{Name: filepath.Join(filepath.Dir(f.root), "elsewhere.md"), Op: fsnotify.Write},
		{Name: f.path(".git/index"), Op: fsnotify.Write},
		{Name: f.root, Op: fsnotify.Write},
		{Name: f.path("a.md"), Op: fsnotify.Chmod},
	} {
		f.w.handle(ev)
	}
	if f.cache.Len() != 3 {
		t.Errorf("%d cache entries, expected all 3", f.cache.Len())
	}
}

func TestWatcherCertificateTrigger(t *testing.T) {
	f := newWatchFixture(t)
	old := f.reloader.TLS.Current()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.reloader.Run(ctx)

	certFile, keyFile := writeCertPair(t, t.TempDir())
	copyFile(t, certFile, f.reloader.CertFile)
	copyFile(t, keyFile, f.reloader.KeyFile)

	f.w.handle(fsnotify.Event{Name: f.reloader.CertFile, Op: fsnotify.Write})
	waitForSwap(t, f.reloader.TLS, old)
}

func TestWatcherRun(t *testing.T) {
	f := newWatchFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.w.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// a directory created while running is watched too
	if err := os.Mkdir(f.path("new"), 0755); err != nil {
		t.Fatal(err.Error())
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(f.path("new/d.md"), []byte("# D\n\ndelta"), 0644); err != nil {
		t.Fatal(err.Error())
	}
	if err := os.Remove(f.path("docs/c.md")); err != nil {
		t.Fatal(err.Error())
	}

	deadline := time.Now().Add(5 * time.Second)
	for f.searchCount(t, "delta") != 1 || f.cache.Len() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("changes not picked up: %d delta hits, %d cache entries",
				f.searchCount(t, "delta"), f.cache.Len())
		}
		time.Sleep(20 * time.Millisecond)
	}
}
