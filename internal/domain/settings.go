package domain

import (
	"fmt"
	"strings"
)

// TrimSize names a supported page format.
type TrimSize string

const (
	TrimA4     TrimSize = "a4"
	TrimA5     TrimSize = "a5"
	TrimLetter TrimSize = "letter"
	Trim6x9    TrimSize = "6x9"
	Trim5x8    TrimSize = "5x8"
)

// PageSize returns width and height in millimetres.
func (t TrimSize) PageSize() (width, height float64, ok bool) {
	switch t {
	case TrimA4:
		return 210, 297, true
	case TrimA5:
		return 148, 210, true
	case TrimLetter:
		return 215.9, 279.4, true
	case Trim6x9:
		return 152.4, 228.6, true
	case Trim5x8:
		return 127, 203.2, true
	}
	return 0, 0, false
}

// Margins in millimetres.
type Margins struct {
	Inner  float64 `json:"inner"`
	Outer  float64 `json:"outer"`
	Top    float64 `json:"top"`
	Bottom float64 `json:"bottom"`
}

// Settings are the user-chosen typesetting options for a job.
type Settings struct {
	TrimSize        TrimSize `json:"trim_size"`
	FontFamily      string   `json:"font_family"`
	FontSize        int      `json:"font_size"`
	LineSpacing     float64  `json:"line_spacing"`
	Margins         Margins  `json:"margins"`
	Language        string   `json:"language"`
	TitlePage       bool     `json:"title_page"`
	CopyrightPage   bool     `json:"copyright_page"`
	TableOfContents bool     `json:"table_of_contents"`
	Index           bool     `json:"index"`
}

// DefaultSettings returns the settings used when a request supplies none.
func DefaultSettings() Settings {
	return Settings{
		TrimSize:        Trim6x9,
		FontFamily:      "TeX Gyre Pagella",
		FontSize:        11,
		LineSpacing:     1.15,
		Margins:         Margins{Inner: 22, Outer: 16, Top: 18, Bottom: 20},
		Language:        "en",
		TitlePage:       true,
		TableOfContents: true,
	}
}

// Normalize fills zero values from DefaultSettings and clamps ranges.
func (s Settings) Normalize() Settings {
	d := DefaultSettings()
	if s.TrimSize == "" {
		s.TrimSize = d.TrimSize
	}
	s.TrimSize = TrimSize(strings.ToLower(string(s.TrimSize)))
	if strings.TrimSpace(s.FontFamily) == "" {
		s.FontFamily = d.FontFamily
	}
	if s.FontSize == 0 {
		s.FontSize = d.FontSize
	}
	s.FontSize = clampInt(s.FontSize, 9, 14)
	if s.LineSpacing == 0 {
		s.LineSpacing = d.LineSpacing
	}
	s.LineSpacing = clampFloat(s.LineSpacing, 1.0, 2.0)
	if s.Margins == (Margins{}) {
		s.Margins = d.Margins
	}
	if s.Language == "" {
		s.Language = d.Language
	}
	return s
}

// Validate rejects settings that cannot be typeset.
func (s Settings) Validate() error {
	if _, _, ok := s.TrimSize.PageSize(); !ok {
		return fmt.Errorf("%w: unknown trim size %q", ErrInvalidJob, s.TrimSize)
	}
	m := s.Margins
	if m.Inner < 0 || m.Outer < 0 || m.Top < 0 || m.Bottom < 0 {
		return fmt.Errorf("%w: margins must not be negative", ErrInvalidJob)
	}
	w, h, _ := s.TrimSize.PageSize()
	if m.Inner+m.Outer >= w || m.Top+m.Bottom >= h {
		return fmt.Errorf("%w: margins exceed page size", ErrInvalidJob)
	}
	return nil
}

// CoverInfo carries title-page and copyright-page text.
type CoverInfo struct {
	Title     string `json:"title"`
	Subtitle  string `json:"subtitle,omitempty"`
	Author    string `json:"author"`
	Publisher string `json:"publisher,omitempty"`
	Year      int    `json:"year,omitempty"`
	ISBN      string `json:"isbn,omitempty"`
}

// Geometry is the resolved page geometry in millimetres.
type Geometry struct {
	PaperWidth  float64 `json:"paper_width"`
	PaperHeight float64 `json:"paper_height"`
	Inner       float64 `json:"inner"`
	Outer       float64 `json:"outer"`
	Top         float64 `json:"top"`
	Bottom      float64 `json:"bottom"`
}

// PlanSource tells whether a plan came from the planner or the fallback.
type PlanSource string

const (
	PlanFromPlanner  PlanSource = "planner"
	PlanFromFallback PlanSource = "fallback"
)

// BuildPlan holds resolved compilation parameters. Immutable for a run.
type BuildPlan struct {
	DocumentClass  string     `json:"document_class"`
	ClassOptions   []string   `json:"class_options"`
	Packages       []string   `json:"packages"`
	Geometry       Geometry   `json:"geometry"`
	EstimatedPages int        `json:"estimated_pages"`
	Source         PlanSource `json:"source"`
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
