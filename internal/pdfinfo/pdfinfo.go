// Package pdfinfo answers structural questions about PDF bytes: signature,
// page count, embedded fonts and images.
package pdfinfo

import (
	"bytes"
	"fmt"
	"regexp"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Signature is the header every PDF starts with.
var Signature = []byte("%PDF-")

// HasSignature reports whether data starts with the PDF header.
func HasSignature(data []byte) bool {
	return bytes.HasPrefix(data, Signature)
}

var pageMarkerRe = regexp.MustCompile(`/Type\s*/Page\b`)

// CountPageMarkers counts page objects by scanning for /Type /Page markers.
// Compressed object streams hide markers, so zero is not conclusive.
func CountPageMarkers(data []byte) int {
	return len(pageMarkerRe.FindAllIndex(data, -1))
}

var fontMarkers = [][]byte{[]byte("/FontFile"), []byte("/FontFile2"), []byte("/FontFile3")}

// HasFontMarker reports whether an embedded font program is visible in the
// raw bytes.
func HasFontMarker(data []byte) bool {
	for _, m := range fontMarkers {
		if bytes.Contains(data, m) {
			return true
		}
	}
	return false
}

// Info is the result of a full parse.
type Info struct {
	Pages  int
	Fonts  int
	Images int
}

// Inspect parses data with pdfcpu.
func Inspect(data []byte) (Info, error) {
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return Info{}, fmt.Errorf("pdfcpu read: %w", err)
	}
	info := Info{Pages: ctx.PageCount}
	if ctx.Optimize != nil {
		info.Fonts = len(ctx.Optimize.FontObjects)
	}
	for p := 1; p <= ctx.PageCount; p++ {
		info.Images += len(pdfcpu.ImageObjNrs(ctx, p))
	}
	return info, nil
}

// PageCount returns the number of pages in data.
func PageCount(data []byte) (int, error) {
	n, err := api.PageCount(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return 0, fmt.Errorf("pdfcpu page count: %w", err)
	}
	return n, nil
}
