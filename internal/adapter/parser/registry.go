// Package parser implements the Structural Parser: it turns uploaded
// documents into chapter-level StructuralUnits with images, tables and
// footnotes.
package parser

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cwygoda/typesetter/internal/domain"
)

// Format identifies a source document format.
type Format string

const (
	FormatDocx     Format = "docx"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatText     Format = "text"
)

// FormatParser parses one source format.
type FormatParser interface {
	Format() Format
	// Sniff reports whether data looks like this format by content alone.
	Sniff(data []byte) bool
	Extensions() []string
	Parse(ctx context.Context, data []byte) (*domain.ParsedDocument, error)
}

// Registry holds registered format parsers.
type Registry struct {
	parsers []FormatParser
}

// NewRegistry creates a new parser registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Default returns a registry with every built-in format.
func Default() *Registry {
	r := NewRegistry()
	r.Register(Docx{})
	r.Register(HTML{})
	r.Register(Markdown{})
	r.Register(Text{})
	return r
}

// Register adds a parser to the registry.
func (r *Registry) Register(p FormatParser) {
	r.parsers = append(r.parsers, p)
}

// Parsers returns all registered parsers.
func (r *Registry) Parsers() []FormatParser {
	return r.parsers
}

// Match picks a parser by content first and by file extension second.
// Returns nil when nothing matches.
func (r *Registry) Match(name string, data []byte) FormatParser {
	for _, p := range r.parsers {
		if p.Sniff(data) {
			return p
		}
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, p := range r.parsers {
		for _, e := range p.Extensions() {
			if e == ext {
				return p
			}
		}
	}
	return nil
}

// Parse implements domain.Parser. Sub-units deeper than domain.MaxUnitDepth
// are flattened and documents without any content are rejected.
func (r *Registry) Parse(ctx context.Context, name string, data []byte) (*domain.ParsedDocument, error) {
	if len(data) == 0 {
		return nil, domain.SourceError("document is empty", nil)
	}
	p := r.Match(name, data)
	if p == nil {
		return nil, domain.SourceError(fmt.Sprintf("cannot read %q", name), domain.ErrUnsupportedFormat)
	}

	doc, err := p.Parse(ctx, data)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if _, ok := domain.AsPipelineError(err); ok {
			return nil, err
		}
		return nil, domain.SourceError(fmt.Sprintf("malformed %s document", p.Format()), err)
	}

	units := make([]domain.StructuralUnit, 0, len(doc.Units))
	for _, u := range doc.Units {
		units = append(units, domain.CapDepth(u, domain.MaxUnitDepth))
	}
	doc.Units = units
	doc.Meta = domain.ComputeMeta(units)
	if doc.Meta.WordCount == 0 && doc.Meta.ImageCount == 0 {
		return nil, domain.SourceError("document has no text", nil)
	}
	return doc, nil
}
