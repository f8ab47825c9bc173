package pdfinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/typesetter/internal/testutil"
)

func TestMarkers(t *testing.T) {
	pdf := testutil.MinimalPDF(3, 0, true)

	assert.True(t, HasSignature(pdf))
	assert.False(t, HasSignature([]byte("<html>")))
	assert.Equal(t, 3, CountPageMarkers(pdf))
	assert.True(t, HasFontMarker(pdf))
	assert.False(t, HasFontMarker(testutil.MinimalPDF(1, 0, false)))
}

func TestPageCount(t *testing.T) {
	n, err := PageCount(testutil.MinimalPDF(4, 0, false))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = PageCount([]byte("not a pdf"))
	assert.Error(t, err)
}

func TestInspect(t *testing.T) {
	info, err := Inspect(testutil.MinimalPDF(2, 100, false))
	require.NoError(t, err)
	assert.Equal(t, 2, info.Pages)
	assert.Zero(t, info.Images)
}
