package parser

import (
	"bytes"
	"context"
	"fmt"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"

	"github.com/cwygoda/typesetter/internal/domain"
)

// HTML converts HTML to markdown and parses the result.
type HTML struct{}

func (HTML) Format() Format       { return FormatHTML }
func (HTML) Extensions() []string { return []string{".html", ".htm", ".xhtml"} }

func (HTML) Sniff(data []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(data[:min(len(data), 512)]))
	head = bytes.TrimPrefix(head, []byte("\xef\xbb\xbf"))
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}

func (HTML) Parse(ctx context.Context, data []byte) (*domain.ParsedDocument, error) {
	conv := converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
	markdown, err := conv.ConvertString(string(data))
	if err != nil {
		return nil, fmt.Errorf("convert html: %w", err)
	}
	return parseMarkdown(ctx, []byte(markdown))
}
