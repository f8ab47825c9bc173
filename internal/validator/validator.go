// Package validator checks a produced PDF for structural soundness and
// plausibility against the BuildPlan.
package validator

import (
	"fmt"

	"github.com/cwygoda/typesetter/internal/domain"
	"github.com/cwygoda/typesetter/internal/pdfinfo"
)

// Thresholds for the plausibility checks.
const (
	MinSize      = 1024
	MinPageRatio = 0.3
	MaxPageRatio = 3.0
	MinBytesPage = 500
	// UnknownPages is passed as the reported count when the compiler could
	// not determine it.
	UnknownPages = -1
)

// Report is the validation verdict.
type Report struct {
	PageCount int            `json:"page_count"`
	Warnings  []string       `json:"warnings"`
	Errors    []string       `json:"errors"`
	Quality   domain.Quality `json:"quality"`
}

// OK reports whether the output may be published.
func (r Report) OK() bool {
	return len(r.Errors) == 0
}

// Validate inspects pdf. reported is the compiler's page count; a negative
// value means unknown and triggers counting from the bytes.
func Validate(pdf []byte, plan domain.BuildPlan, reported int) Report {
	var r Report

	if len(pdf) < MinSize {
		r.Errors = append(r.Errors, fmt.Sprintf("output too small: %d bytes (minimum %d)", len(pdf), MinSize))
	}
	signed := pdfinfo.HasSignature(pdf)
	if !signed {
		r.Errors = append(r.Errors, "invalid format: missing %PDF- signature")
	}

	r.PageCount = reported
	if reported < 0 {
		r.PageCount = countPages(pdf, signed)
	}
	if r.PageCount == 0 {
		r.Errors = append(r.Errors, "output has zero pages")
	}

	if r.PageCount > 0 && plan.EstimatedPages > 0 {
		ratio := float64(r.PageCount) / float64(plan.EstimatedPages)
		if ratio < MinPageRatio || ratio > MaxPageRatio {
			r.Warnings = append(r.Warnings, fmt.Sprintf("page count %d is far from the estimate of %d", r.PageCount, plan.EstimatedPages))
		}
	}

	if signed && !hasFonts(pdf) {
		r.Warnings = append(r.Warnings, "no embedded fonts found")
	}

	if r.PageCount > 0 && len(pdf)/r.PageCount < MinBytesPage {
		r.Warnings = append(r.Warnings, fmt.Sprintf("output looks mostly blank: %d bytes per page", len(pdf)/r.PageCount))
	}

	r.Quality = quality(r)
	return r
}

func countPages(pdf []byte, signed bool) int {
	if n := pdfinfo.CountPageMarkers(pdf); n > 0 {
		return n
	}
	if !signed {
		return 0
	}
	if info, err := pdfinfo.Inspect(pdf); err == nil {
		return info.Pages
	}
	return 0
}

func hasFonts(pdf []byte) bool {
	if pdfinfo.HasFontMarker(pdf) {
		return true
	}
	info, err := pdfinfo.Inspect(pdf)
	return err == nil && info.Fonts > 0
}

func quality(r Report) domain.Quality {
	switch {
	case len(r.Errors) > 0:
		return domain.QualityPoor
	case len(r.Warnings) > 0:
		return domain.QualityGood
	}
	return domain.QualityExcellent
}
