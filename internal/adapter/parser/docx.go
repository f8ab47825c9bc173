package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/cwygoda/typesetter/internal/domain"
)

const (
	docxDocument  = "word/document.xml"
	docxRels      = "word/_rels/document.xml.rels"
	docxFootnotes = "word/footnotes.xml"
)

// maxPartSize bounds a single decompressed archive member.
const maxPartSize = 64 << 20

// Docx parses Office Open XML word-processing documents.
type Docx struct{}

func (Docx) Format() Format       { return FormatDocx }
func (Docx) Extensions() []string { return []string{".docx"} }

func (Docx) Sniff(data []byte) bool {
	if !bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		return false
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return false
	}
	return findZipFile(zr, docxDocument) != nil
}

func (Docx) Parse(ctx context.Context, data []byte) (*domain.ParsedDocument, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	docFile := findZipFile(zr, docxDocument)
	if docFile == nil {
		return nil, fmt.Errorf("%s not found in archive", docxDocument)
	}

	rels, err := readRelationships(zr)
	if err != nil {
		return nil, err
	}
	notes, err := readFootnotes(zr)
	if err != nil {
		return nil, err
	}

	rc, err := docFile.Open()
	if err != nil {
		return nil, fmt.Errorf("open document.xml: %w", err)
	}
	defer rc.Close()

	w := &docxWalker{zr: zr, rels: rels, notes: notes}
	if err := w.walk(ctx, xml.NewDecoder(io.LimitReader(rc, maxPartSize))); err != nil {
		return nil, err
	}
	return &domain.ParsedDocument{Title: w.title, Units: w.b.units()}, nil
}

// docxWalker streams document.xml into a builder.
type docxWalker struct {
	zr    *zip.Reader
	rels  map[string]string
	notes map[string]string
	b     builder
	title string

	inPara    bool
	inText    bool
	style     string
	text      strings.Builder
	noteRefs  []string
	tableRows [][]string
	row       []string
	cell      strings.Builder
	tblDepth  int
	inCell    bool
}

func (w *docxWalker) walk(ctx context.Context, dec *xml.Decoder) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decode document.xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			w.start(t)
		case xml.CharData:
			if w.inPara && w.inText {
				w.text.Write(t)
			}
		case xml.EndElement:
			w.end(t)
		}
	}
}

func (w *docxWalker) start(t xml.StartElement) {
	switch t.Name.Local {
	case "p":
		w.inPara = true
		w.style = ""
		w.text.Reset()
		w.noteRefs = w.noteRefs[:0]
	case "pStyle":
		w.style = attr(t, "val")
	case "t":
		w.inText = true
	case "tab", "br", "cr":
		if w.inPara {
			w.text.WriteByte(' ')
		}
	case "blip", "imagedata":
		id := attr(t, "embed")
		if id == "" {
			id = attr(t, "id")
		}
		w.embedImage(id)
	case "footnoteReference":
		w.noteRefs = append(w.noteRefs, attr(t, "id"))
	case "tbl":
		w.tblDepth++
		if w.tblDepth == 1 {
			w.tableRows = nil
		}
	case "tr":
		if w.tblDepth == 1 {
			w.row = nil
		}
	case "tc":
		if w.tblDepth == 1 {
			w.inCell = true
			w.cell.Reset()
		}
	}
}

func (w *docxWalker) end(t xml.EndElement) {
	switch t.Name.Local {
	case "t":
		w.inText = false
	case "p":
		if w.inPara {
			w.endParagraph()
		}
		w.inPara = false
	case "tc":
		if w.tblDepth == 1 {
			w.row = append(w.row, strings.TrimSpace(w.cell.String()))
			w.inCell = false
		}
	case "tr":
		if w.tblDepth == 1 && len(w.row) > 0 {
			w.tableRows = append(w.tableRows, w.row)
		}
	case "tbl":
		if w.tblDepth == 1 {
			w.b.table(w.tableRows)
		}
		w.tblDepth--
	}
}

func (w *docxWalker) endParagraph() {
	text := strings.TrimSpace(collapseSpace(w.text.String()))
	if w.tblDepth > 0 {
		if w.inCell && text != "" {
			if w.cell.Len() > 0 {
				w.cell.WriteByte(' ')
			}
			w.cell.WriteString(text)
		}
		return
	}

	switch level := headingLevel(w.style); {
	case strings.EqualFold(w.style, "title"):
		if w.title == "" {
			w.title = text
		} else {
			w.b.paragraph(text)
		}
	case level > 0 && text != "":
		w.b.heading(level, text)
	case strings.EqualFold(w.style, "caption"):
		if !w.b.caption(text) {
			w.b.paragraph(text)
		}
	default:
		w.b.paragraph(text)
	}

	for _, id := range w.noteRefs {
		w.b.footnote(id, w.notes[id])
	}
}

func (w *docxWalker) embedImage(relID string) {
	target, ok := w.rels[relID]
	if !ok {
		return
	}
	f := findZipFile(w.zr, target)
	if f == nil {
		return
	}
	data, err := readZipFile(f)
	if err != nil || len(data) == 0 {
		return
	}
	placeholder := w.b.image(data, "")
	if w.inPara && w.tblDepth == 0 {
		w.text.WriteString(" " + placeholder + " ")
	}
}

// headingLevel extracts the heading level from a paragraph style name,
// e.g. "Heading1" → 1, "heading 2" → 2.
func headingLevel(style string) int {
	lower := strings.ToLower(strings.ReplaceAll(style, " ", ""))
	for _, prefix := range []string{"heading", "titre", "überschrift", "berschrift"} {
		if strings.HasPrefix(lower, prefix) {
			rest := lower[len(prefix):]
			if len(rest) == 1 && rest[0] >= '1' && rest[0] <= '9' {
				return int(rest[0] - '0')
			}
		}
	}
	return 0
}

type relationships struct {
	Items []struct {
		ID         string `xml:"Id,attr"`
		Target     string `xml:"Target,attr"`
		TargetMode string `xml:"TargetMode,attr"`
	} `xml:"Relationship"`
}

// readRelationships maps relationship ids to archive member names.
func readRelationships(zr *zip.Reader) (map[string]string, error) {
	out := make(map[string]string)
	f := findZipFile(zr, docxRels)
	if f == nil {
		return out, nil
	}
	data, err := readZipFile(f)
	if err != nil {
		return nil, err
	}
	var rels relationships
	if err := xml.Unmarshal(data, &rels); err != nil {
		return nil, fmt.Errorf("decode relationships: %w", err)
	}
	for _, r := range rels.Items {
		if strings.EqualFold(r.TargetMode, "External") {
			continue
		}
		target := r.Target
		if strings.HasPrefix(target, "/") {
			target = strings.TrimPrefix(target, "/")
		} else {
			target = path.Join("word", target)
		}
		out[r.ID] = target
	}
	return out, nil
}

// readFootnotes maps footnote ids to their text, skipping separators.
func readFootnotes(zr *zip.Reader) (map[string]string, error) {
	out := make(map[string]string)
	f := findZipFile(zr, docxFootnotes)
	if f == nil {
		return out, nil
	}
	data, err := readZipFile(f)
	if err != nil {
		return nil, err
	}

	dec := xml.NewDecoder(bytes.NewReader(data))
	var (
		id     string
		skip   bool
		inText bool
		text   strings.Builder
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode footnotes: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "footnote":
				id = attr(t, "id")
				typ := attr(t, "type")
				skip = typ == "separator" || typ == "continuationSeparator" || typ == "continuationNotice"
				text.Reset()
			case "t":
				inText = true
			case "p":
				if text.Len() > 0 {
					text.WriteByte(' ')
				}
			}
		case xml.CharData:
			if inText && !skip {
				text.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "footnote":
				if !skip && id != "" {
					out[id] = strings.TrimSpace(collapseSpace(text.String()))
				}
			}
		}
	}
}

func findZipFile(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxPartSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	if len(data) > maxPartSize {
		return nil, fmt.Errorf("%s exceeds %d bytes", f.Name, maxPartSize)
	}
	return data, nil
}

func attr(t xml.StartElement, local string) string {
	for _, a := range t.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
