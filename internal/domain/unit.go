package domain

import (
	"fmt"
	"strings"
)

// MaxUnitDepth caps the nesting of sub-units. Parsers flatten anything deeper.
const MaxUnitDepth = 4

// ImageFormat is a format tag derived from the image payload.
type ImageFormat string

const (
	ImagePNG     ImageFormat = "png"
	ImageJPEG    ImageFormat = "jpeg"
	ImageGIF     ImageFormat = "gif"
	ImageBMP     ImageFormat = "bmp"
	ImageTIFF    ImageFormat = "tiff"
	ImageWEBP    ImageFormat = "webp"
	ImageEMF     ImageFormat = "emf"
	ImageWMF     ImageFormat = "wmf"
	ImagePDF     ImageFormat = "pdf"
	ImageUnknown ImageFormat = "unknown"
)

// Extension returns the file extension used for assets of this format.
func (f ImageFormat) Extension() string {
	switch f {
	case ImageJPEG:
		return ".jpg"
	case ImageUnknown, "":
		return ".bin"
	default:
		return "." + string(f)
	}
}

// Image is an embedded image of a structural unit.
type Image struct {
	ID      string
	Data    []byte
	Format  ImageFormat
	Caption string
}

// AssetName is the flat file name the image is compiled under.
func (i Image) AssetName() string {
	return i.ID + i.Format.Extension()
}

// Table is a row/column grid of cell text.
type Table struct {
	Rows [][]string
}

// Size counts cell text plus one separator byte per cell.
func (t Table) Size() int {
	n := 0
	for _, row := range t.Rows {
		for _, cell := range row {
			n += len(cell) + 1
		}
	}
	return n
}

// Footnote is a numbered note attached to a unit.
type Footnote struct {
	ID   string
	Text string
}

// Size is the footnote text plus a separator byte.
func (f Footnote) Size() int {
	return len(f.Text) + 1
}

// StructuralUnit is a chapter (or, nested, a section) of the parsed document.
type StructuralUnit struct {
	Title      string
	Paragraphs []string
	SubUnits   []StructuralUnit
	Images     []Image
	Tables     []Table
	Footnotes  []Footnote

	// SourceIndex, PartIndex and PartCount are set on units derived by
	// chunking. PartIndex is 1-based; zero means the unit was not split.
	SourceIndex int
	PartIndex   int
	PartCount   int
}

// IsContinuation reports whether the unit is part 2+ of a split unit.
func (u StructuralUnit) IsContinuation() bool {
	return u.PartIndex > 1
}

// ContinuationLabel describes a derived unit, e.g. "continuation of unit 3, part 2".
func (u StructuralUnit) ContinuationLabel() string {
	if !u.IsContinuation() {
		return ""
	}
	return fmt.Sprintf("continuation of unit %d, part %d", u.SourceIndex+1, u.PartIndex)
}

// Body joins paragraphs with blank lines.
func (u StructuralUnit) Body() string {
	return strings.Join(u.Paragraphs, "\n\n")
}

// Size is the serialized content size in bytes: title, body, nested
// sub-units, table cells and footnotes. Image payloads are shipped as assets
// and do not count.
func (u StructuralUnit) Size() int {
	n := len(u.Title)
	for _, p := range u.Paragraphs {
		n += len(p) + 2
	}
	for _, t := range u.Tables {
		n += t.Size()
	}
	for _, f := range u.Footnotes {
		n += f.Size()
	}
	for _, s := range u.SubUnits {
		n += s.Size()
	}
	return n
}

// WordCount counts words in the unit and its descendants.
func (u StructuralUnit) WordCount() int {
	n := len(strings.Fields(u.Title))
	for _, p := range u.Paragraphs {
		n += len(strings.Fields(p))
	}
	for _, s := range u.SubUnits {
		n += s.WordCount()
	}
	return n
}

// AllImages returns images of the unit and its descendants in document order.
func (u StructuralUnit) AllImages() []Image {
	out := append([]Image(nil), u.Images...)
	for _, s := range u.SubUnits {
		out = append(out, s.AllImages()...)
	}
	return out
}

// TableCount counts tables of the unit and its descendants.
func (u StructuralUnit) TableCount() int {
	n := len(u.Tables)
	for _, s := range u.SubUnits {
		n += s.TableCount()
	}
	return n
}

// Depth returns the nesting depth; a unit without sub-units has depth 1.
func (u StructuralUnit) Depth() int {
	d := 0
	for _, s := range u.SubUnits {
		if sd := s.Depth(); sd > d {
			d = sd
		}
	}
	return d + 1
}

// CapDepth flattens sub-units nested deeper than max into their capped
// ancestor. Flattened titles become paragraphs so no text is lost.
func CapDepth(u StructuralUnit, max int) StructuralUnit {
	if max < 1 {
		max = 1
	}
	return capDepth(u, 1, max)
}

func capDepth(u StructuralUnit, depth, max int) StructuralUnit {
	if depth >= max {
		for _, s := range u.SubUnits {
			absorb(&u, s)
		}
		u.SubUnits = nil
		return u
	}
	subs := make([]StructuralUnit, len(u.SubUnits))
	for i, s := range u.SubUnits {
		subs[i] = capDepth(s, depth+1, max)
	}
	if len(subs) > 0 {
		u.SubUnits = subs
	}
	return u
}

func absorb(dst *StructuralUnit, s StructuralUnit) {
	if s.Title != "" {
		dst.Paragraphs = append(dst.Paragraphs, s.Title)
	}
	dst.Paragraphs = append(dst.Paragraphs, s.Paragraphs...)
	dst.Images = append(dst.Images, s.Images...)
	dst.Tables = append(dst.Tables, s.Tables...)
	dst.Footnotes = append(dst.Footnotes, s.Footnotes...)
	for _, c := range s.SubUnits {
		absorb(dst, c)
	}
}

// DocumentMeta is aggregate metadata produced by the Structural Parser.
type DocumentMeta struct {
	WordCount      int
	ChapterCount   int
	ImageCount     int
	TableCount     int
	EstimatedPages int
}

// WordsPerPage is the page-estimate divisor for parsed documents.
const WordsPerPage = 250

// ParsedDocument is the Structural Parser output.
type ParsedDocument struct {
	Title string
	Units []StructuralUnit
	Meta  DocumentMeta
}

// ComputeMeta derives aggregate metadata from units.
func ComputeMeta(units []StructuralUnit) DocumentMeta {
	m := DocumentMeta{ChapterCount: len(units)}
	for _, u := range units {
		m.WordCount += u.WordCount()
		m.ImageCount += len(u.AllImages())
		m.TableCount += u.TableCount()
	}
	m.EstimatedPages = (m.WordCount + WordsPerPage - 1) / WordsPerPage
	if m.EstimatedPages < 1 {
		m.EstimatedPages = 1
	}
	return m
}

// ImagePlaceholder is the marker parsers leave in body text where an image sits.
func ImagePlaceholder(id string) string {
	return "[[image:" + id + "]]"
}
