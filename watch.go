package main

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

/*
Watcher follows the content root and the
certificate files. Content changes drop the
affected cache entries and update the search
index; certificate changes trigger a reload
ahead of the next tick.
*/
type Watcher struct {
	Cache    *ContentCache
	Search   *SearchIndex  // optional
	Reloader *CertReloader // optional

	watcher   *fsnotify.Watcher
	root      string
	certFiles map[string]bool
}

func NewWatcher(root string, certFile, keyFile string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{watcher: fw, root: root, certFiles: map[string]bool{}}

	if err := w.addRecursive(root); err != nil {
		fw.Close()
		return nil, err
	}

	// watch the directories so renames over the files are seen too
	dirs := map[string]bool{}
	for _, f := range []string{certFile, keyFile} {
		if f == "" {
			continue
		}
		abs, err := filepath.Abs(f)
		if err != nil {
			fw.Close()
			return nil, err
		}
		w.certFiles[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for d := range dirs {
		if err := fw.Add(d); err != nil {
			fw.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if name != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.watcher.Add(name)
	})
}

func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("file watcher", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	name := filepath.Clean(event.Name)
	if w.certFiles[name] {
		if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 && w.Reloader != nil {
			logger.Debug("certificate file changed", zap.String("file", name))
			w.Reloader.Trigger()
		}
		return
	}
	if !w.underRoot(name) {
		return
	}

	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		n := w.invalidate(name)
		if w.Search != nil {
			if err := w.Search.Remove(name); err != nil {
				logger.Warn("search index", zap.String("file", name), zap.Error(err))
			}
		}
		logger.Debug("content removed", zap.String("file", name), zap.Int("dropped", n))

	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		info, err := os.Stat(name)
		if err != nil {
			w.invalidate(name)
			return
		}
		if info.IsDir() {
			if event.Op&fsnotify.Create != 0 {
				if err := w.addRecursive(name); err != nil {
					logger.Warn("watching new directory", zap.String("dir", name), zap.Error(err))
				}
			}
			return
		}
		w.invalidate(name)
		if w.Search != nil {
			if err := w.Search.IndexFile(name); err != nil {
				logger.Warn("search index", zap.String("file", name), zap.Error(err))
			}
		}
		logger.Debug("content changed", zap.String("file", name))
	}
}

// invalidate drops name and, if it was a directory, everything below it.
func (w *Watcher) invalidate(name string) int {
	if w.Cache == nil {
		return 0
	}
	n := w.Cache.InvalidatePrefix(name + string(filepath.Separator))
	if w.Cache.Invalidate(name) {
		n++
	}
	return n
}

func (w *Watcher) underRoot(name string) bool {
	rel, err := filepath.Rel(w.root, name)
	if err != nil || rel == "." {
		return false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !hiddenPath(filepath.ToSlash(rel))
}
