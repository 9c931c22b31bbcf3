package main

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"codeberg.org/FiskFan1999/gemini"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
	"go.uber.org/zap"
)

// Deepest heading level text/gemini defines.
const maxHeadingLevel = 3

/*
Converter renders Markdown into text/gemini.
It only uses goldmark's parser; the output is
built line by line from the syntax tree.
*/
type Converter struct {
	md goldmark.Markdown
}

type Page struct {
	Title string // text of the first heading, if any
	Body  []byte
}

func NewConverter() *Converter {
	return &Converter{
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.Strikethrough,
				extension.Linkify,
			),
		),
	}
}

func (c *Converter) Convert(src []byte) []byte {
	return c.Render(src).Body
}

func (c *Converter) Render(src []byte) (page Page) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("serving markdown as literal text",
				zap.Error(fmt.Errorf("%w: %v", ErrConversion, r)))
			page = Page{Body: literal(src)}
		}
	}()

	doc := c.md.Parser().Parse(text.NewReader(src))
	w := &geminiWriter{src: src}
	w.blocks(doc)
	return Page{Title: w.title, Body: w.bytes()}
}

func literal(src []byte) []byte {
	out := bytes.ReplaceAll(src, []byte("\r\n"), []byte("\n"))
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out
}

type link struct {
	url   string
	label string
}

type geminiWriter struct {
	src   []byte
	lines gemini.Lines
	title string
}

func (w *geminiWriter) bytes() []byte {
	// drop trailing blank lines
	lines := w.lines
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return []byte{}
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

// separate starts a new block with a blank line.
func (w *geminiWriter) separate() {
	if len(w.lines) > 0 && w.lines[len(w.lines)-1] != "" {
		w.lines.Line("")
	}
}

func (w *geminiWriter) blocks(parent ast.Node) {
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		w.block(n)
	}
}

func (w *geminiWriter) block(n ast.Node) {
	switch n := n.(type) {
	case *ast.Heading:
		w.separate()
		heading, links := w.inline(n)
		heading = strings.ReplaceAll(heading, "\n", " ")
		if w.title == "" {
			w.title = heading
		}
		level := n.Level
		if level > maxHeadingLevel {
			level = maxHeadingLevel
		}
		w.lines.Header(level, heading)
		w.links(links)

	case *ast.Paragraph, *ast.TextBlock:
		w.separate()
		para, links := w.inline(n)
		if para != "" {
			for _, l := range strings.Split(para, "\n") {
				w.lines.Line(textLine(l))
			}
		}
		w.links(links)

	case *ast.FencedCodeBlock:
		w.separate()
		w.lines.Line(gemini.Pre + string(n.Language(w.src)))
		w.literalLines(n.Lines(), preLine)
		w.lines.Line(gemini.Pre)

	case *ast.CodeBlock:
		w.separate()
		w.lines.Line(gemini.Pre)
		w.literalLines(n.Lines(), preLine)
		w.lines.Line(gemini.Pre)

	case *ast.Blockquote:
		w.separate()
		inner := &geminiWriter{src: w.src, title: w.title}
		inner.blocks(n)
		for _, l := range inner.lines {
			switch {
			case strings.HasPrefix(l, gemini.Link):
				w.lines.Line(l)
			case l == "":
				w.lines.Line(">")
			default:
				w.lines.Line(gemini.Quote + l)
			}
		}
		if w.title == "" {
			w.title = inner.title
		}

	case *ast.List:
		w.separate()
		w.list(n)

	case *ast.ThematicBreak:
		w.separate()
		w.lines.Line("---")

	case *ast.HTMLBlock:
		w.separate()
		w.literalLines(n.Lines(), textLine)
		if n.HasClosure() {
			w.lines.Line(textLine(trimEOL(n.ClosureLine.Value(w.src))))
		}

	default:
		if n.HasChildren() {
			w.blocks(n)
		}
	}
}

/*
list flattens nested lists: every item at any
depth becomes one "* " line, ordered items
keep their number.
*/
func (w *geminiWriter) list(l *ast.List) {
	number := l.Start
	for item := l.FirstChild(); item != nil; item = item.NextSibling() {
		marker := gemini.UL
		if l.IsOrdered() {
			marker = fmt.Sprintf("%s%s. ", gemini.UL, strconv.Itoa(number))
			number++
		}
		first := true
		for child := item.FirstChild(); child != nil; child = child.NextSibling() {
			switch child := child.(type) {
			case *ast.TextBlock, *ast.Paragraph:
				entry, links := w.inline(child)
				entry = strings.ReplaceAll(entry, "\n", " ")
				if first {
					w.lines.Line(marker + entry)
					first = false
				} else if entry != "" {
					w.lines.Line(textLine(entry))
				}
				w.links(links)
			case *ast.List:
				w.list(child)
			default:
				w.block(child)
			}
		}
		if first {
			// empty item
			w.lines.Line(strings.TrimRight(marker, " "))
		}
	}
}

func (w *geminiWriter) links(links []link) {
	for _, l := range links {
		w.lines.LinkDesc(l.url, l.label)
	}
}

func (w *geminiWriter) literalLines(segs *text.Segments, escape func(string) string) {
	for i := 0; i < segs.Len(); i++ {
		seg := segs.At(i)
		w.lines.Line(escape(trimEOL(seg.Value(w.src))))
	}
}

/*
preLine keeps a line inside a preformatted
block from closing it early.
*/
func preLine(l string) string {
	if strings.HasPrefix(l, gemini.Pre) {
		return " " + l
	}
	return l
}

// Line types a text line must not start with.
var lineTypePrefixes = []string{"=>", gemini.Pre, "#", gemini.UL, ">"}

/*
textLine keeps plain text from being read as
a link, heading, list item, quote or toggle
line. The leading space is the only change.
*/
func textLine(l string) string {
	for _, prefix := range lineTypePrefixes {
		if strings.HasPrefix(l, prefix) {
			return " " + l
		}
	}
	return l
}

/*
plainText resolves backslash escapes and
character references the way an HTML renderer
would, leaving the visible characters only.
*/
func plainText(b []byte) []byte {
	return util.ResolveNumericReferences(util.ResolveEntityNames(util.UnescapePunctuations(b)))
}

func trimEOL(b []byte) string {
	return strings.TrimRight(string(b), "\r\n")
}

/*
inline flattens the inline children of n to
plain text and collects the links found in
them, in source order.
*/
func (w *geminiWriter) inline(n ast.Node) (string, []link) {
	var buf strings.Builder
	var links []link
	w.inlineTo(&buf, &links, n)

	lines := strings.Split(buf.String(), "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return strings.Trim(strings.Join(lines, "\n"), "\n"), links
}

func (w *geminiWriter) inlineTo(buf *strings.Builder, links *[]link, n ast.Node) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch c := c.(type) {
		case *ast.Text:
			if c.IsRaw() {
				buf.Write(c.Segment.Value(w.src))
			} else {
				buf.Write(plainText(c.Segment.Value(w.src)))
			}
			if c.HardLineBreak() {
				buf.WriteByte('\n')
			} else if c.SoftLineBreak() {
				buf.WriteByte(' ')
			}

		case *ast.String:
			buf.Write(c.Value)

		case *ast.Link:
			start := buf.Len()
			w.inlineTo(buf, links, c)
			label := strings.TrimSpace(buf.String()[start:])
			w.addLink(links, string(plainText(c.Destination)), label)

		case *ast.Image:
			// alt text belongs to the link line only
			var alt strings.Builder
			w.inlineTo(&alt, links, c)
			w.addLink(links, string(plainText(c.Destination)), strings.TrimSpace(alt.String()))

		case *ast.AutoLink:
			label := string(c.Label(w.src))
			buf.WriteString(label)
			w.addLink(links, string(c.URL(w.src)), label)

		case *ast.RawHTML:
			for i := 0; i < c.Segments.Len(); i++ {
				seg := c.Segments.At(i)
				buf.Write(seg.Value(w.src))
			}

		case *ast.CodeSpan, *ast.Emphasis, *east.Strikethrough:
			w.inlineTo(buf, links, c)

		default:
			if c.HasChildren() {
				w.inlineTo(buf, links, c)
			}
		}
	}
}

func (w *geminiWriter) addLink(links *[]link, url, label string) {
	if url == "" {
		return
	}
	label = strings.Join(strings.Fields(label), " ")
	if label == "" {
		label = url
	}
	*links = append(*links, link{url: url, label: label})
}
