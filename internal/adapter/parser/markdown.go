package parser

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	gmast "github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"github.com/cwygoda/typesetter/internal/domain"
)

// Markdown parses CommonMark with GFM tables and footnotes.
type Markdown struct{}

func (Markdown) Format() Format       { return FormatMarkdown }
func (Markdown) Extensions() []string { return []string{".md", ".markdown"} }
func (Markdown) Sniff([]byte) bool    { return false }

func (Markdown) Parse(ctx context.Context, data []byte) (*domain.ParsedDocument, error) {
	return parseMarkdown(ctx, data)
}

var md = goldmark.New(goldmark.WithExtensions(extension.Table, extension.Footnote))

func parseMarkdown(ctx context.Context, src []byte) (*domain.ParsedDocument, error) {
	root := md.Parser().Parse(text.NewReader(src))
	w := &mdWalker{src: src, notes: collectFootnotes(root, src)}
	for n := root.FirstChild(); n != nil; n = n.NextSibling() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		w.block(n)
	}
	return &domain.ParsedDocument{Units: w.b.units()}, nil
}

// mdWalker feeds top-level markdown blocks into a builder.
type mdWalker struct {
	src   []byte
	notes map[int]string
	refs  []int
	b     builder
}

func (w *mdWalker) block(n gmast.Node) {
	switch n := n.(type) {
	case *gmast.Heading:
		w.b.heading(n.Level, strings.TrimSpace(w.inline(n)))
		w.flushNotes()
	case *gmast.Paragraph, *gmast.TextBlock:
		w.b.paragraph(w.inline(n))
		w.flushNotes()
	case *gmast.List:
		w.list(n)
	case *gmast.Blockquote:
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			w.block(c)
		}
	case *gmast.FencedCodeBlock, *gmast.CodeBlock:
		w.b.paragraph(w.lines(n))
	case *east.Table:
		w.b.table(w.table(n))
	}
}

func (w *mdWalker) list(l *gmast.List) {
	num := l.Start
	for item := l.FirstChild(); item != nil; item = item.NextSibling() {
		var parts []string
		var nested []gmast.Node
		for c := item.FirstChild(); c != nil; c = c.NextSibling() {
			if _, ok := c.(*gmast.List); ok {
				nested = append(nested, c)
				continue
			}
			parts = append(parts, w.inline(c))
		}
		marker := "•"
		if l.IsOrdered() {
			marker = fmt.Sprintf("%d.", num)
			num++
		}
		if body := strings.TrimSpace(strings.Join(parts, " ")); body != "" {
			w.b.paragraph(marker + " " + body)
		}
		w.flushNotes()
		for _, c := range nested {
			w.block(c)
		}
	}
}

func (w *mdWalker) table(t *east.Table) [][]string {
	var rows [][]string
	for r := t.FirstChild(); r != nil; r = r.NextSibling() {
		var row []string
		for c := r.FirstChild(); c != nil; c = c.NextSibling() {
			row = append(row, strings.TrimSpace(w.inline(c)))
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}
	return rows
}

func (w *mdWalker) lines(n gmast.Node) string {
	var b strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(w.src))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (w *mdWalker) inline(n gmast.Node) string {
	var b strings.Builder
	w.writeInline(&b, n)
	return b.String()
}

func (w *mdWalker) writeInline(b *strings.Builder, n gmast.Node) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch c := c.(type) {
		case *gmast.Text:
			b.Write(c.Segment.Value(w.src))
			if c.SoftLineBreak() || c.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *gmast.String:
			b.Write(c.Value)
		case *gmast.AutoLink:
			b.Write(c.URL(w.src))
		case *gmast.Image:
			alt := strings.TrimSpace(w.inline(c))
			if data := decodeDataURI(string(c.Destination)); data != nil {
				b.WriteString(" " + w.b.image(data, alt) + " ")
			} else {
				b.WriteString(alt)
			}
		case *east.FootnoteLink:
			w.refs = append(w.refs, c.Index)
		case *gmast.RawHTML, *east.FootnoteBacklink:
		default:
			w.writeInline(b, c)
		}
	}
}

func (w *mdWalker) flushNotes() {
	for _, idx := range w.refs {
		w.b.footnote(fmt.Sprint(idx), w.notes[idx])
	}
	w.refs = w.refs[:0]
}

// collectFootnotes maps footnote indexes to their text. Images inside
// footnotes are dropped.
func collectFootnotes(root gmast.Node, src []byte) map[int]string {
	notes := make(map[int]string)
	_ = gmast.Walk(root, func(n gmast.Node, entering bool) (gmast.WalkStatus, error) {
		if !entering {
			return gmast.WalkContinue, nil
		}
		fn, ok := n.(*east.Footnote)
		if !ok {
			return gmast.WalkContinue, nil
		}
		scratch := &mdWalker{src: src}
		var parts []string
		for c := fn.FirstChild(); c != nil; c = c.NextSibling() {
			parts = append(parts, scratch.inline(c))
		}
		notes[fn.Index] = collapseSpace(strings.Join(parts, " "))
		return gmast.WalkSkipChildren, nil
	})
	return notes
}

// decodeDataURI returns the payload of a base64 data: URI, or nil.
func decodeDataURI(uri string) []byte {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil || len(data) == 0 {
		return nil
	}
	return data
}
