package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/typesetter/internal/domain"
)

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.Black)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func makeZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

const wNS = `xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main" ` +
	`xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships" ` +
	`xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main"`

func para(style, text string) string {
	ppr := ""
	if style != "" {
		ppr = `<w:pPr><w:pStyle w:val="` + style + `"/></w:pPr>`
	}
	return `<w:p>` + ppr + `<w:r><w:t xml:space="preserve">` + text + `</w:t></w:r></w:p>`
}

func sampleDocx(t *testing.T) []byte {
	body := para("Title", "My Book") +
		para("Heading1", "First Chapter") +
		para("", "Opening paragraph.") +
		`<w:p><w:r><w:t>See note</w:t></w:r><w:r><w:footnoteReference w:id="1"/></w:r></w:p>` +
		`<w:p><w:r><w:drawing><a:graphic><a:graphicData><a:blip r:embed="rId7"/></a:graphicData></a:graphic></w:drawing></w:r></w:p>` +
		para("Caption", "Figure 1: A dot") +
		para("Heading2", "A Section") +
		para("", "Section text.") +
		`<w:tbl><w:tr><w:tc>` + para("", "a") + `</w:tc><w:tc>` + para("", "b") + `</w:tc></w:tr>` +
		`<w:tr><w:tc>` + para("", "1") + `</w:tc><w:tc>` + para("", "2") + `</w:tc></w:tr></w:tbl>` +
		para("Heading1", "Second Chapter") +
		para("", "Closing words.")

	doc := `<?xml version="1.0" encoding="UTF-8"?><w:document ` + wNS + `><w:body>` + body + `</w:body></w:document>`
	rels := `<?xml version="1.0"?><Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">` +
		`<Relationship Id="rId7" Type="image" Target="media/image1.png"/>` +
		`<Relationship Id="rId9" Type="hyperlink" Target="https://example.com" TargetMode="External"/>` +
		`</Relationships>`
	notes := `<?xml version="1.0"?><w:footnotes ` + wNS + `>` +
		`<w:footnote w:type="separator" w:id="-1"><w:p><w:r><w:separator/></w:r></w:p></w:footnote>` +
		`<w:footnote w:id="1"><w:p><w:r><w:t>The footnote text.</w:t></w:r></w:p></w:footnote>` +
		`</w:footnotes>`

	return makeZip(t, map[string][]byte{
		"[Content_Types].xml":          []byte(`<Types/>`),
		"word/document.xml":            []byte(doc),
		"word/_rels/document.xml.rels": []byte(rels),
		"word/footnotes.xml":           []byte(notes),
		"word/media/image1.png":        tinyPNG(t),
	})
}

func TestRegistry_Match(t *testing.T) {
	r := Default()
	docx := sampleDocx(t)

	tests := []struct {
		name string
		file string
		data []byte
		want Format
	}{
		{"docx by content", "upload.bin", docx, FormatDocx},
		{"docx content beats extension", "notes.txt", docx, FormatDocx},
		{"html by content", "page", []byte("  <!DOCTYPE html><html></html>"), FormatHTML},
		{"html by extension", "page.htm", []byte("<p>hi</p>"), FormatHTML},
		{"markdown by extension", "README.MD", []byte("# hi"), FormatMarkdown},
		{"text by extension", "a.txt", []byte("hi"), FormatText},
		{"plain zip is not docx", "a.txt", makeZip(t, map[string][]byte{"x": []byte("y")}), FormatText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := r.Match(tt.file, tt.data)
			require.NotNil(t, p)
			assert.Equal(t, tt.want, p.Format())
		})
	}

	assert.Nil(t, r.Match("photo.jpg", []byte{0xFF, 0xD8, 0xFF}))
}

func TestRegistry_Parse_Errors(t *testing.T) {
	r := Default()
	ctx := context.Background()

	tests := []struct {
		name string
		file string
		data []byte
	}{
		{"empty upload", "a.txt", nil},
		{"unsupported", "a.pdf", []byte("%PDF-1.7")},
		{"whitespace only", "a.md", []byte("\n\n   \n")},
		{"invalid utf8", "a.txt", []byte{0xff, 0xfe, 0x00}},
		{"broken docx", "a.docx", []byte("PK\x03\x04garbage")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Parse(ctx, tt.file, tt.data)
			require.Error(t, err)
			assert.Equal(t, domain.KindSource, domain.KindOf(err))
		})
	}

	_, err := r.Parse(ctx, "a.pdf", []byte("%PDF-1.7"))
	assert.ErrorIs(t, err, domain.ErrUnsupportedFormat)
}

func TestDocx_Parse(t *testing.T) {
	doc, err := Default().Parse(context.Background(), "book.docx", sampleDocx(t))
	require.NoError(t, err)

	assert.Equal(t, "My Book", doc.Title)
	require.Len(t, doc.Units, 2)

	first := doc.Units[0]
	assert.Equal(t, "First Chapter", first.Title)
	require.Len(t, first.Paragraphs, 3)
	assert.Equal(t, "Opening paragraph.", first.Paragraphs[0])
	assert.Equal(t, "See note", first.Paragraphs[1])
	assert.Equal(t, domain.ImagePlaceholder("img001"), first.Paragraphs[2])

	require.Len(t, first.Images, 1)
	assert.Equal(t, domain.ImagePNG, first.Images[0].Format)
	assert.Equal(t, "Figure 1: A dot", first.Images[0].Caption)
	assert.Equal(t, []domain.Footnote{{ID: "1", Text: "The footnote text."}}, first.Footnotes)

	require.Len(t, first.SubUnits, 1)
	sec := first.SubUnits[0]
	assert.Equal(t, "A Section", sec.Title)
	assert.Equal(t, []string{"Section text."}, sec.Paragraphs)
	assert.Equal(t, []domain.Table{{Rows: [][]string{{"a", "b"}, {"1", "2"}}}}, sec.Tables)

	assert.Equal(t, "Second Chapter", doc.Units[1].Title)

	assert.Equal(t, 2, doc.Meta.ChapterCount)
	assert.Equal(t, 1, doc.Meta.ImageCount)
	assert.Equal(t, 1, doc.Meta.TableCount)
	assert.Equal(t, 1, doc.Meta.EstimatedPages)
}

func TestHeadingLevel(t *testing.T) {
	tests := []struct {
		style string
		want  int
	}{
		{"Heading1", 1},
		{"heading 3", 3},
		{"Titre2", 2},
		{"Überschrift1", 1},
		{"Heading10", 0},
		{"Normal", 0},
		{"", 0},
	}
	for _, tt := range tests {
		t.Run(tt.style, func(t *testing.T) {
			assert.Equal(t, tt.want, headingLevel(tt.style))
		})
	}
}

func TestMarkdown_Parse(t *testing.T) {
	img := base64.StdEncoding.EncodeToString(tinyPNG(t))
	src := strings.Join([]string{
		"Preface text before any heading.",
		"",
		"# One",
		"",
		"Hello *world*, this wraps",
		"onto two lines.[^n]",
		"",
		"![A dot](data:image/png;base64," + img + ")",
		"",
		"- first",
		"- second",
		"",
		"## Sub",
		"",
		"| h1 | h2 |",
		"|----|----|",
		"| x  | y  |",
		"",
		"### Deeper",
		"",
		"#### Deepest",
		"",
		"##### Too deep",
		"",
		"Flattened text.",
		"",
		"# Two",
		"",
		"```",
		"code here",
		"```",
		"",
		"![remote](https://example.com/a.png)",
		"",
		"[^n]: Note body.",
	}, "\n")

	doc, err := Default().Parse(context.Background(), "book.md", []byte(src))
	require.NoError(t, err)
	require.Len(t, doc.Units, 3)

	assert.Equal(t, "", doc.Units[0].Title)
	assert.Equal(t, []string{"Preface text before any heading."}, doc.Units[0].Paragraphs)

	one := doc.Units[1]
	assert.Equal(t, "One", one.Title)
	assert.Equal(t, "Hello world, this wraps onto two lines.", one.Paragraphs[0])
	assert.Equal(t, domain.ImagePlaceholder("img001"), one.Paragraphs[1])
	assert.Equal(t, "• first", one.Paragraphs[2])
	assert.Equal(t, "• second", one.Paragraphs[3])
	require.Len(t, one.Images, 1)
	assert.Equal(t, "A dot", one.Images[0].Caption)
	assert.Equal(t, []domain.Footnote{{ID: "1", Text: "Note body."}}, one.Footnotes)

	sub := one.SubUnits[0]
	assert.Equal(t, "Sub", sub.Title)
	assert.Equal(t, [][]string{{"h1", "h2"}, {"x", "y"}}, sub.Tables[0].Rows)
	assert.LessOrEqual(t, one.Depth(), domain.MaxUnitDepth)

	deepest := sub.SubUnits[0].SubUnits[0]
	assert.Equal(t, "Deepest", deepest.Title)
	assert.Empty(t, deepest.SubUnits)
	assert.Equal(t, []string{"Too deep", "Flattened text."}, deepest.Paragraphs)

	two := doc.Units[2]
	assert.Equal(t, []string{"code here", "remote"}, two.Paragraphs)
}

func TestHTML_Parse(t *testing.T) {
	src := `<!DOCTYPE html><html><body>
<h1>Intro</h1><p>First <b>bold</b> paragraph.</p>
<h2>Details</h2>
<table><thead><tr><th>k</th><th>v</th></tr></thead><tbody><tr><td>a</td><td>1</td></tr></tbody></table>
</body></html>`

	doc, err := Default().Parse(context.Background(), "page.html", []byte(src))
	require.NoError(t, err)
	require.Len(t, doc.Units, 1)
	assert.Equal(t, "Intro", doc.Units[0].Title)
	assert.Equal(t, []string{"First bold paragraph."}, doc.Units[0].Paragraphs)
	require.Len(t, doc.Units[0].SubUnits, 1)
	assert.Equal(t, "Details", doc.Units[0].SubUnits[0].Title)
	assert.Equal(t, 1, doc.Meta.TableCount)
}

func TestText_Parse(t *testing.T) {
	src := "\ufeffA foreword\nspanning lines.\r\n\r\nChapter 1\n\nIt begins.\n  \nStill going.\n\nCHAPTER TWO\n\nThe end."

	doc, err := Default().Parse(context.Background(), "novel.txt", []byte(src))
	require.NoError(t, err)
	require.Len(t, doc.Units, 3)
	assert.Equal(t, []string{"A foreword spanning lines."}, doc.Units[0].Paragraphs)
	assert.Equal(t, "Chapter 1", doc.Units[1].Title)
	assert.Equal(t, []string{"It begins.", "Still going."}, doc.Units[1].Paragraphs)
	assert.Equal(t, "CHAPTER TWO", doc.Units[2].Title)
	assert.Equal(t, 3, doc.Meta.ChapterCount)
}

func TestBuilder_HeadingNesting(t *testing.T) {
	var b builder
	b.heading(2, "starts at two")
	b.paragraph("x")
	b.heading(3, "child")
	b.heading(1, "root")
	b.heading(3, "skips a level")

	units := b.units()
	require.Len(t, units, 2)
	assert.Equal(t, "starts at two", units[0].Title)
	assert.Equal(t, "child", units[0].SubUnits[0].Title)
	assert.Equal(t, "skips a level", units[1].SubUnits[0].Title)
	assert.False(t, b.caption("no image"))
}
