package parser

import (
	"fmt"
	"strings"

	"github.com/cwygoda/typesetter/internal/compiler"
	"github.com/cwygoda/typesetter/internal/domain"
)

// node is a unit under construction.
type node struct {
	level    int
	unit     domain.StructuralUnit
	children []*node
}

// builder turns a flat stream of headings and blocks into a unit tree. A
// heading closes every open unit of the same or a deeper level.
type builder struct {
	roots    []*node
	stack    []*node
	imageSeq int
}

func (b *builder) heading(level int, title string) {
	for len(b.stack) > 0 && b.stack[len(b.stack)-1].level >= level {
		b.stack = b.stack[:len(b.stack)-1]
	}
	n := &node{level: level, unit: domain.StructuralUnit{Title: title}}
	if len(b.stack) == 0 {
		b.roots = append(b.roots, n)
	} else {
		top := b.stack[len(b.stack)-1]
		top.children = append(top.children, n)
	}
	b.stack = append(b.stack, n)
}

// current returns the innermost open unit, opening an untitled one for
// content that precedes the first heading.
func (b *builder) current() *node {
	if len(b.stack) == 0 {
		b.heading(1, "")
	}
	return b.stack[len(b.stack)-1]
}

func (b *builder) paragraph(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	n := b.current()
	n.unit.Paragraphs = append(n.unit.Paragraphs, text)
}

// image registers an image and returns its placeholder.
func (b *builder) image(data []byte, caption string) string {
	b.imageSeq++
	img := domain.Image{
		ID:      fmt.Sprintf("img%03d", b.imageSeq),
		Data:    data,
		Format:  compiler.DetectFormat(data),
		Caption: strings.TrimSpace(caption),
	}
	n := b.current()
	n.unit.Images = append(n.unit.Images, img)
	return domain.ImagePlaceholder(img.ID)
}

// caption attaches text to the open unit's last image, if it has none yet.
// Returns false when there is no image to caption.
func (b *builder) caption(text string) bool {
	n := b.current()
	if len(n.unit.Images) == 0 {
		return false
	}
	last := &n.unit.Images[len(n.unit.Images)-1]
	if last.Caption != "" {
		return false
	}
	last.Caption = strings.TrimSpace(text)
	return true
}

func (b *builder) table(rows [][]string) {
	if len(rows) == 0 {
		return
	}
	n := b.current()
	n.unit.Tables = append(n.unit.Tables, domain.Table{Rows: rows})
}

func (b *builder) footnote(id, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	n := b.current()
	n.unit.Footnotes = append(n.unit.Footnotes, domain.Footnote{ID: id, Text: text})
}

func (b *builder) units() []domain.StructuralUnit {
	out := make([]domain.StructuralUnit, 0, len(b.roots))
	for _, r := range b.roots {
		out = append(out, r.build())
	}
	return out
}

func (n *node) build() domain.StructuralUnit {
	u := n.unit
	for _, c := range n.children {
		u.SubUnits = append(u.SubUnits, c.build())
	}
	return u
}
