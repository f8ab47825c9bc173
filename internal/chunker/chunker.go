// Package chunker splits oversized structural units into size-bounded parts.
package chunker

import (
	"strings"

	"github.com/cwygoda/typesetter/internal/domain"
)

// PartRatio is the share of the size limit each split part may use.
const PartRatio = 0.8

// Chunk returns units with every unit larger than maxSize replaced by
// sequential parts. Units at or under the limit pass through unchanged.
// Input units are never mutated.
//
// Parts are packed in reading order from paragraphs, footnotes, tables and
// sub-units. A sub-unit that does not fit a part on its own is chunked
// recursively into continuation pieces. A single paragraph or table larger
// than the part budget is kept whole in its own part; neither is ever split.
func Chunk(units []domain.StructuralUnit, maxSize int) []domain.StructuralUnit {
	if maxSize <= 0 {
		return append([]domain.StructuralUnit(nil), units...)
	}
	out := make([]domain.StructuralUnit, 0, len(units))
	for i, u := range units {
		if u.Size() <= maxSize {
			out = append(out, u)
			continue
		}
		out = append(out, split(i, u, int(float64(maxSize)*PartRatio))...)
	}
	return out
}

// packer fills parts of one unit up to a byte budget.
type packer struct {
	title  string
	budget int
	parts  []domain.StructuralUnit
	cur    domain.StructuralUnit
	size   int
	filled bool
}

func (p *packer) place(size int, add func(*domain.StructuralUnit)) {
	if p.filled && p.size+size > p.budget {
		p.flush()
	}
	add(&p.cur)
	p.size += size
	p.filled = true
}

func (p *packer) flush() {
	p.parts = append(p.parts, p.cur)
	p.cur = domain.StructuralUnit{Title: p.title}
	p.size = len(p.title)
	p.filled = false
}

func split(index int, u domain.StructuralUnit, budget int) []domain.StructuralUnit {
	if budget < 1 {
		budget = 1
	}
	pk := &packer{title: u.Title, budget: budget}
	pk.cur = domain.StructuralUnit{Title: u.Title}
	pk.size = len(u.Title)

	for _, para := range u.Paragraphs {
		pk.place(len(para)+2, func(d *domain.StructuralUnit) {
			d.Paragraphs = append(d.Paragraphs, para)
		})
	}
	for _, f := range u.Footnotes {
		pk.place(f.Size(), func(d *domain.StructuralUnit) {
			d.Footnotes = append(d.Footnotes, f)
		})
	}
	for _, t := range u.Tables {
		pk.place(t.Size(), func(d *domain.StructuralUnit) {
			d.Tables = append(d.Tables, t)
		})
	}
	room := budget - len(u.Title)
	for _, s := range u.SubUnits {
		pieces := []domain.StructuralUnit{s}
		if s.Size() > room {
			if sp := split(index, s, room); len(sp) > 1 {
				pieces = sp
			}
		}
		for _, piece := range pieces {
			pk.place(piece.Size(), func(d *domain.StructuralUnit) {
				d.SubUnits = append(d.SubUnits, piece)
			})
		}
	}
	if pk.filled || len(pk.parts) == 0 {
		pk.flush()
	}

	parts := pk.parts
	for k := range parts {
		parts[k].SourceIndex = index
		parts[k].PartIndex = k + 1
		parts[k].PartCount = len(parts)
	}

	// Images follow the part whose text references them; unreferenced ones
	// ride with the final part.
	last := &parts[len(parts)-1]
	for _, img := range u.Images {
		placed := false
		marker := domain.ImagePlaceholder(img.ID)
		for k := range parts {
			if containsAny(parts[k].Paragraphs, marker) {
				parts[k].Images = append(parts[k].Images, img)
				placed = true
				break
			}
		}
		if !placed {
			last.Images = append(last.Images, img)
		}
	}
	return parts
}

func containsAny(paragraphs []string, needle string) bool {
	for _, p := range paragraphs {
		if strings.Contains(p, needle) {
			return true
		}
	}
	return false
}
