package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

type Kind int

const (
	KindNotFound Kind = iota
	KindMarkdown
	KindStaticAsset
	KindDirectory
)

func (k Kind) String() string {
	switch k {
	case KindMarkdown:
		return "markdown"
	case KindStaticAsset:
		return "static"
	case KindDirectory:
		return "directory"
	default:
		return "not found"
	}
}

/*
ResolvedPath is the result of resolving a
request path. AbsolutePath is either empty
or a descendant of the content root.
*/
type ResolvedPath struct {
	AbsolutePath string
	Kind         Kind
	ModTime      time.Time
	Err          error // why the path was not found, for logging only
}

// StatFunc reports metadata for an absolute path (os.Stat by default).
type StatFunc func(name string) (fs.FileInfo, error)

type Resolver struct {
	Root  string // absolute, symlinks resolved
	Index string
	stat  StatFunc
}

var markdownExtensions = []string{".md", ".markdown"}

func NewResolver(root, index string, stat StatFunc) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("content root %q: %w", root, err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("content root %q is not a directory", root)
	}
	if index == "" {
		index = "index.md"
	}
	if stat == nil {
		stat = os.Stat
	}
	return &Resolver{Root: canonical, Index: index, stat: stat}, nil
}

func notFound(err error) ResolvedPath {
	return ResolvedPath{Kind: KindNotFound, Err: err}
}

/*
Resolve maps the escaped path of a request
URL onto a file under the content root.
*/
func (r *Resolver) Resolve(escapedPath string) ResolvedPath {
	decoded, err := url.PathUnescape(escapedPath)
	if err != nil {
		return notFound(fmt.Errorf("%w: %s", ErrNotFound, err))
	}
	if strings.ContainsRune(decoded, 0) {
		return notFound(ErrNotFound)
	}
	trailingSlash := decoded == "" || strings.HasSuffix(decoded, "/")

	clean := path.Clean("/" + decoded)
	for _, part := range strings.Split(clean, "/") {
		if strings.HasPrefix(part, ".") {
			// hidden files and directories are never served
			return notFound(ErrNotFound)
		}
	}

	candidate := filepath.Join(r.Root, filepath.FromSlash(clean))
	if clean == "/" {
		return r.resolveIndex(candidate)
	}

	info, abs, err := r.statContained(candidate)
	if errors.Is(err, ErrNotFound) && path.Ext(clean) == "" && !trailingSlash {
		// "/about" serves "about.md"
		for _, ext := range markdownExtensions {
			info, abs, err = r.statContained(candidate + ext)
			if err == nil {
				break
			}
		}
	}
	if err != nil {
		return notFound(err)
	}

	switch {
	case info.IsDir() && trailingSlash:
		return r.resolveIndex(abs)
	case info.IsDir():
		return ResolvedPath{AbsolutePath: abs, Kind: KindDirectory}
	case trailingSlash:
		return notFound(ErrNotFound)
	case !info.Mode().IsRegular():
		return notFound(ErrNotFound)
	}
	return ResolvedPath{AbsolutePath: abs, Kind: kindOf(abs), ModTime: info.ModTime()}
}

func (r *Resolver) resolveIndex(dir string) ResolvedPath {
	info, abs, err := r.statContained(filepath.Join(dir, r.Index))
	if err != nil {
		return notFound(err)
	}
	if !info.Mode().IsRegular() {
		return notFound(ErrNotFound)
	}
	return ResolvedPath{AbsolutePath: abs, Kind: kindOf(abs), ModTime: info.ModTime()}
}

/*
statContained resolves symlinks in name and
checks the result is still under the root
before returning its metadata.
*/
func (r *Resolver) statContained(name string) (fs.FileInfo, string, error) {
	resolved, err := filepath.EvalSymlinks(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return nil, "", fmt.Errorf("%w: %s", ErrNotFound, err)
		}
		return nil, "", fmt.Errorf("%w: %s", ErrIO, err)
	}
	if !r.contains(resolved) {
		return nil, "", ErrPermissionDenied
	}
	info, err := r.stat(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", fmt.Errorf("%w: %s", ErrNotFound, err)
		}
		return nil, "", fmt.Errorf("%w: %s", ErrIO, err)
	}
	return info, resolved, nil
}

func (r *Resolver) contains(abs string) bool {
	rel, err := filepath.Rel(r.Root, abs)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

/*
Rel returns the slash separated path of a
resolved file relative to the root, used as
the search document id and stats key.
*/
func (r *Resolver) Rel(abs string) string {
	rel, err := filepath.Rel(r.Root, abs)
	if err != nil {
		return ""
	}
	return "/" + filepath.ToSlash(rel)
}

func isMarkdown(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range markdownExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

func kindOf(name string) Kind {
	if isMarkdown(name) {
		return KindMarkdown
	}
	return KindStaticAsset
}
