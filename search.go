package main

import (
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"codeberg.org/FiskFan1999/gemini"
	bleve "github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/query"
	pb "github.com/cheggaaa/pb/v3"
	"go.uber.org/zap"
)

// Results shown on one search page.
const SearchResultSize = 20

type SearchDocument struct {
	Title string
	Body  string
}

type SearchHit struct {
	Path  string // relative to the content root, "/about.md"
	Title string
	Score float64
}

/*
SearchIndex is an in-memory full text index
of the Markdown pages under the content root,
keyed by their root relative path. It is
rebuilt on every start and kept current by
the Watcher.
*/
type SearchIndex struct {
	index     bleve.Index
	resolver  *Resolver
	converter *Converter
}

func NewSearchIndex(resolver *Resolver, converter *Converter) (*SearchIndex, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	return &SearchIndex{index: index, resolver: resolver, converter: converter}, nil
}

func (s *SearchIndex) Close() error {
	return s.index.Close()
}

// Build indexes every Markdown page under the root.
func (s *SearchIndex) Build(progress bool) error {
	var pages []string
	err := filepath.WalkDir(s.resolver.Root, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if name != s.resolver.Root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && isMarkdown(name) {
			pages = append(pages, name)
		}
		return nil
	})
	if err != nil {
		return err
	}

	var bar *pb.ProgressBar
	if progress {
		bar = pb.Full.Start64(int64(len(pages)))
		bar.SetRefreshRate(time.Millisecond * 100)
		defer bar.Finish()
	}
	for _, name := range pages {
		if err := s.IndexFile(name); err != nil {
			logger.Warn("not indexing page", zap.String("file", name), zap.Error(err))
		}
		if bar != nil {
			bar.Increment()
		}
	}
	logger.Info("search index built", zap.Int("pages", len(pages)))
	return nil
}

/*
IndexFile adds or replaces one page. Files
that are not Markdown, or are hidden, are
ignored.
*/
func (s *SearchIndex) IndexFile(name string) error {
	rel := s.resolver.Rel(name)
	if rel == "" || !isMarkdown(name) || hiddenPath(rel) {
		return nil
	}
	src, err := os.ReadFile(name)
	if err != nil {
		return err
	}
	page := s.converter.Render(src)
	return s.index.Index(rel, SearchDocument{Title: page.Title, Body: string(page.Body)})
}

func (s *SearchIndex) Remove(name string) error {
	rel := s.resolver.Rel(name)
	if rel == "" {
		return nil
	}
	return s.index.Delete(rel)
}

func (s *SearchIndex) Count() (uint64, error) {
	return s.index.DocCount()
}

func (s *SearchIndex) Search(terms string, size int) ([]SearchHit, error) {
	qs := bleve.NewQueryStringQuery(terms)
	var q query.Query = qs
	if _, err := qs.Parse(); err != nil {
		// not query syntax, look for the words as typed
		q = bleve.NewMatchQuery(terms)
	}
	req := bleve.NewSearchRequestOptions(q, size, 0, false)
	req.Fields = []string{"Title"}
	result, err := s.index.Search(req)
	if err != nil {
		return nil, err
	}

	var hits []*search.DocumentMatch = result.Hits
	out := make([]SearchHit, 0, len(hits))
	for _, h := range hits {
		hit := SearchHit{Path: h.ID, Score: h.Score}
		if title, ok := h.Fields["Title"].(string); ok {
			hit.Title = title
		}
		out = append(out, hit)
	}
	return out, nil
}

func (s *SearchIndex) Handler(u *url.URL) gemini.Response {
	if u.RawQuery == "" {
		return gemini.Input.Response("Search terms")
	}
	terms, err := url.QueryUnescape(u.RawQuery)
	if err != nil {
		return gemini.BadRequest.Response("Bad request")
	}
	terms = oneLine(terms)
	if terms == "" {
		return gemini.Input.Response("Search terms")
	}
	if strings.IndexFunc(terms, unicode.IsControl) >= 0 {
		return gemini.BadRequest.Response("Bad request")
	}

	hits, err := s.Search(terms, SearchResultSize)
	if err != nil {
		logger.Warn("search failed", zap.String("terms", terms), zap.Error(err))
		return gemini.BadRequest.Response("Bad request")
	}

	var lines gemini.Lines
	lines.Header(1, fmt.Sprintf("Search: %s", terms))
	lines.Line("")
	if len(hits) == 0 {
		lines.Line("No pages found.")
	}
	for _, h := range hits {
		title := oneLine(h.Title)
		if title == "" {
			title = h.Path
		}
		lines.LinkDesc(h.Path, title)
	}
	lines.Line("")
	lines.LinkDesc("/search", "New search")

	return GeminiResponse{
		Status: gemini.Success,
		Meta:   GeminiMime,
		Body:   []byte(strings.Join(lines, "\n") + "\n"),
	}
}

// oneLine collapses every run of whitespace, line breaks included, to one space.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func hiddenPath(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
