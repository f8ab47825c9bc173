package parser

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/cwygoda/typesetter/internal/domain"
)

// Text parses plain text. Blank lines separate paragraphs; a short line of
// its own starting with "Chapter" (or a translation) opens a new chapter.
type Text struct{}

func (Text) Format() Format       { return FormatText }
func (Text) Extensions() []string { return []string{".txt", ".text"} }
func (Text) Sniff([]byte) bool    { return false }

var (
	chapterLineRe = regexp.MustCompile(`^(?i:chapter|kapitel|chapitre|part)\s+\S+`)
	blankLineRe   = regexp.MustCompile(`\n[ \t]*\n`)
)

func (Text) Parse(ctx context.Context, data []byte) (*domain.ParsedDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !utf8.Valid(data) {
		return nil, errors.New("text is not valid UTF-8")
	}
	s := strings.ReplaceAll(string(data), "\r\n", "\n")
	s = strings.TrimPrefix(s, "\ufeff")

	var b builder
	for _, block := range blankLineRe.Split(s, -1) {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		if !strings.Contains(block, "\n") && len(block) <= 120 && chapterLineRe.MatchString(block) {
			b.heading(1, block)
			continue
		}
		b.paragraph(collapseSpace(block))
	}
	return &domain.ParsedDocument{Units: b.units()}, nil
}
