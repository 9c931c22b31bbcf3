package main

import (
	"bytes"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"codeberg.org/FiskFan1999/gemini"
)

const GeminiMime = "text/gemini"

/*
GeminiResponse carries a body alongside
the status line. Unlike gemini.ResponseFormat
the body is sent byte for byte, which is what
static assets and converted pages need.
*/
type GeminiResponse struct {
	Status gemini.Status
	Meta   string
	Body   []byte
}

// Bytes only writes the body for success statuses.
func (r GeminiResponse) Bytes() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d %s\r\n", r.Status, r.Meta)
	if statusClass(r.Status) == gemini.Success {
		buf.Write(r.Body)
	}
	return buf.Bytes()
}

func (r GeminiResponse) String() string {
	return fmt.Sprintf("(b)%d %s (%d bytes)", r.Status, r.Meta, len(r.Body))
}

func statusClass(s gemini.Status) gemini.Status {
	return s / 10 * 10
}

/*
mimeFor infers the MIME type of a static
asset from its extension.
*/
func mimeFor(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".gmi", ".gemini":
		return GeminiMime
	case ".md", ".markdown":
		return GeminiMime
	case ".txt":
		return "text/plain; charset=utf-8"
	}
	if m := mime.TypeByExtension(ext); m != "" {
		return m
	}
	return "application/octet-stream"
}

var _ = []gemini.Response{
	GeminiResponse{},
}
