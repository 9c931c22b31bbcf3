package main

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codeberg.org/FiskFan1999/gemini/gemtest"
	"github.com/coinpaprika/ratelimiter"
)

const indexPage = "20 text/gemini\r\n# Title\n\nHello link world\n=> http://x link\n"

func checkAll(t *testing.T, s *Server, cases [][2]string) {
	t.Helper()
	for _, c := range cases {
		if err, diff := gemtest.Check(s.Handler, c[0], []byte(c[1])); err != nil {
			t.Errorf("%s: %s\n%s", c[0], err.Error(), diff)
		}
	}
}

func TestHandler(t *testing.T) {
	s, _ := newTestServer(t, map[string]string{
		"index.md":            "# Title\n\nHello [link](http://x) world",
		"docs/index.md":       "# Docs",
		"docs/guide.markdown": "Guide",
		"page.gmi":            "# already gemtext\r\n",
		"empty/":              "",
	}, nil)
	defer s.Close()

	checkAll(t, s, [][2]string{
		{"gemini://localhost/", indexPage},
		{"gemini://localhost/index.md", indexPage},
		{"gemini://localhost/docs", "31 /docs/\r\n"},
		{"gemini://localhost/docs/", "20 text/gemini\r\n# Docs\n"},
		{"gemini://localhost/docs/guide", "20 text/gemini\r\nGuide\n"},
		{"gemini://localhost/page.gmi", "20 text/gemini\r\n# already gemtext\r\n"},
		{"gemini://localhost/empty/", "51 Not found\r\n"},
		{"gemini://localhost/nope", "51 Not found\r\n"},
		{"gemini://localhost/search", "51 Not found\r\n"}, // search disabled
		{"gemini://localhost/stats/", "51 Not found\r\n"},
	})
}

func TestHandlerFileChange(t *testing.T) {
	s, conf := newTestServer(t, map[string]string{"index.md": "# First"}, nil)
	defer s.Close()
	name := filepath.Join(conf.Root, "index.md")

	checkAll(t, s, [][2]string{{"gemini://localhost/", "20 text/gemini\r\n# First\n"}})
	if s.Cache.Len() != 1 {
		t.Fatalf("%d cache entries, expected 1", s.Cache.Len())
	}

	if err := os.WriteFile(name, []byte("# Second"), 0644); err != nil {
		t.Fatal(err.Error())
	}
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(name, later, later); err != nil {
		t.Fatal(err.Error())
	}
	checkAll(t, s, [][2]string{{"gemini://localhost/", "20 text/gemini\r\n# Second\n"}})

	if err := os.Remove(name); err != nil {
		t.Fatal(err.Error())
	}
	checkAll(t, s, [][2]string{{"gemini://localhost/", "51 Not found\r\n"}})
}

func TestHandlerSearch(t *testing.T) {
	s, _ := newTestServer(t, map[string]string{
		"index.md":       "# Title\n\nHello [link](http://x) world",
		"other.md":       "Nothing to see",
		".drafts/new.md": "# Draft\n\nHello draft",
	}, func(conf *ConfigStr) {
		conf.Search.Enabled = true
	})
	defer s.Close()

	checkAll(t, s, [][2]string{
		{"gemini://localhost/search", "10 Search terms\r\n"},
		{"gemini://localhost/search/?%20", "10 Search terms\r\n"},
		{"gemini://localhost/search?hello", "20 text/gemini\r\n# Search: hello\n\n=> /index.md Title\n\n=> /search New search\n"},
		{"gemini://localhost/search?zebra", "20 text/gemini\r\n# Search: zebra\n\nNo pages found.\n\n=> /search New search\n"},
		// line breaks in the terms stay on the heading line
		{"gemini://localhost/search?zebra%0A%3D%3E%20%2Fevil%20Click", "20 text/gemini\r\n# Search: zebra => /evil Click\n\nNo pages found.\n\n=> /search New search\n"},
		{"gemini://localhost/search?zebra%0D%0A%09stripes", "20 text/gemini\r\n# Search: zebra stripes\n\nNo pages found.\n\n=> /search New search\n"},
		{"gemini://localhost/search?zebra%00", "59 Bad request\r\n"},
		{"gemini://localhost/search?%1B%5B2J", "59 Bad request\r\n"},
	})
}

func TestHandlerRateLimit(t *testing.T) {
	s, _ := newTestServer(t, map[string]string{"index.md": "# Title"}, nil)
	defer s.Close()
	store := ratelimiter.NewMapLimitStore(time.Hour, time.Hour)
	s.Limiter = ratelimiter.New(store, 2, time.Hour)

	alice := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 40000}
	bob := &net.TCPAddr{IP: net.ParseIP("192.0.2.2"), Port: 40000}
	for i := 0; i < 2; i++ {
		if resp := s.rateLimit(alice); resp != nil {
			t.Fatalf("request %d limited: %s", i, resp.Bytes())
		}
	}

	// a different port is the same client
	alice.Port = 40001
	resp := s.rateLimit(alice)
	if resp == nil {
		t.Fatal("third request was not limited")
	}
	if out := string(resp.Bytes()); !strings.HasPrefix(out, "44 ") || !strings.HasSuffix(out, "\r\n") {
		t.Errorf("limited response %q", out)
	}

	if resp := s.rateLimit(bob); resp != nil {
		t.Errorf("other client limited: %s", resp.Bytes())
	}
}
