package compiler

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/cwygoda/typesetter/internal/domain"
)

// DetectFormat identifies an image payload by its magic bytes.
func DetectFormat(data []byte) domain.ImageFormat {
	switch {
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return domain.ImagePNG
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return domain.ImageJPEG
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return domain.ImageGIF
	case bytes.HasPrefix(data, []byte("%PDF-")):
		return domain.ImagePDF
	case bytes.HasPrefix(data, []byte("II*\x00")), bytes.HasPrefix(data, []byte("MM\x00*")):
		return domain.ImageTIFF
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return domain.ImageWEBP
	case len(data) >= 44 && bytes.Equal(data[:4], []byte{0x01, 0x00, 0x00, 0x00}) && bytes.Equal(data[40:44], []byte(" EMF")):
		return domain.ImageEMF
	case bytes.HasPrefix(data, []byte{0xD7, 0xCD, 0xC6, 0x9A}),
		bytes.HasPrefix(data, []byte{0x01, 0x00, 0x09, 0x00}),
		bytes.HasPrefix(data, []byte{0x02, 0x00, 0x09, 0x00}):
		return domain.ImageWMF
	case bytes.HasPrefix(data, []byte("BM")):
		return domain.ImageBMP
	}
	return domain.ImageUnknown
}

// Supported reports whether the engine can include the format directly.
func Supported(f domain.ImageFormat) bool {
	switch f {
	case domain.ImagePNG, domain.ImageJPEG, domain.ImagePDF:
		return true
	}
	return false
}

// SanitizeName reduces an asset name to a safe flat file name.
func SanitizeName(name string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if base == "." || base == ".." || base == "/" || base == "" || strings.HasPrefix(base, ".") {
		return "", fmt.Errorf("invalid asset name %q", name)
	}
	if base == mainFile || strings.HasPrefix(base, mainStem+".") {
		return "", fmt.Errorf("asset name %q collides with the document", name)
	}
	return base, nil
}

// AssetConverter normalizes assets into a format the engine can include.
// Conversion is tried in-process first and then with ImageMagick.
type AssetConverter struct {
	runner Runner
	logger *slog.Logger
}

// NewAssetConverter creates an AssetConverter.
func NewAssetConverter(runner Runner, logger *slog.Logger) *AssetConverter {
	if logger == nil {
		logger = slog.Default()
	}
	return &AssetConverter{runner: runner, logger: logger}
}

// Normalize writes assets into dir, converting unsupported formats to PNG.
// It returns the assets as written and a map of renamed asset names.
// A failed conversion keeps the original asset.
func (c *AssetConverter) Normalize(ctx context.Context, dir string, assets []domain.Asset) ([]domain.Asset, map[string]string, error) {
	out := make([]domain.Asset, 0, len(assets))
	renames := make(map[string]string)

	for _, a := range assets {
		name, err := SanitizeName(a.Name)
		if err != nil {
			c.logger.Warn("skipping asset", "asset", a.Name, "error", err)
			continue
		}

		format := DetectFormat(a.Data)
		if Supported(format) {
			if err := os.WriteFile(filepath.Join(dir, name), a.Data, 0o600); err != nil {
				return nil, nil, fmt.Errorf("write asset %s: %w", name, err)
			}
			out = append(out, domain.Asset{Name: name, Data: a.Data})
			continue
		}

		converted, err := c.convert(ctx, dir, name, a.Data)
		if err != nil {
			c.logger.Warn("asset conversion failed, keeping original",
				"asset", name,
				"format", string(format),
				"error", err,
			)
			if err := os.WriteFile(filepath.Join(dir, name), a.Data, 0o600); err != nil {
				return nil, nil, fmt.Errorf("write asset %s: %w", name, err)
			}
			out = append(out, domain.Asset{Name: name, Data: a.Data})
			continue
		}

		newName := strings.TrimSuffix(name, filepath.Ext(name)) + ".png"
		if err := os.WriteFile(filepath.Join(dir, newName), converted, 0o600); err != nil {
			return nil, nil, fmt.Errorf("write asset %s: %w", newName, err)
		}
		if newName != name {
			renames[name] = newName
		}
		out = append(out, domain.Asset{Name: newName, Data: converted})
	}
	return out, renames, nil
}

func (c *AssetConverter) convert(ctx context.Context, dir, name string, data []byte) ([]byte, error) {
	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return buf.Bytes(), nil
	}
	if c.runner == nil {
		return nil, fmt.Errorf("no converter for %s", name)
	}

	in := "src-" + name
	outName := "conv-" + strings.TrimSuffix(name, filepath.Ext(name)) + ".png"
	if err := os.WriteFile(filepath.Join(dir, in), data, 0o600); err != nil {
		return nil, err
	}
	defer os.Remove(filepath.Join(dir, in))
	defer os.Remove(filepath.Join(dir, outName))

	if _, errb, err := c.runner.Run(ctx, dir, nil, "magick", in, outName); err != nil {
		return nil, fmt.Errorf("magick convert failed: %w: %s", err, truncate(string(errb), 512))
	}
	converted, err := os.ReadFile(filepath.Join(dir, outName))
	if err != nil {
		return nil, fmt.Errorf("read converted asset: %w", err)
	}
	return converted, nil
}

// RewriteReferences points references to renamed assets at their new names.
func RewriteReferences(source string, renames map[string]string) string {
	if len(renames) == 0 {
		return source
	}
	pairs := make([]string, 0, len(renames)*2)
	for from, to := range renames {
		pairs = append(pairs, "{"+from+"}", "{"+to+"}")
	}
	return strings.NewReplacer(pairs...).Replace(source)
}
