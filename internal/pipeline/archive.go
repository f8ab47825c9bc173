package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/cwygoda/typesetter/internal/domain"
)

const (
	mainFile  = "main.tex"
	assetsDir = "assets/"
)

// OutputKey is where the PDF of a completed job is stored.
func OutputKey(jobID int64) string {
	return fmt.Sprintf("jobs/%d/output.pdf", jobID)
}

// ArchiveKey is where the source bundle of a completed job is stored.
func ArchiveKey(jobID int64) string {
	return fmt.Sprintf("jobs/%d/source.zip", jobID)
}

// collectAssets returns the images of all units, first occurrence wins.
func collectAssets(units []domain.StructuralUnit) []domain.Asset {
	seen := make(map[string]bool)
	var out []domain.Asset
	for _, u := range units {
		for _, img := range u.AllImages() {
			name := img.AssetName()
			if seen[name] || len(img.Data) == 0 {
				continue
			}
			seen[name] = true
			out = append(out, domain.Asset{Name: name, Data: img.Data})
		}
	}
	return out
}

// bundle zips the final source and its assets.
func bundle(source string, assets []domain.Asset, modified time.Time) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	write := func(name string, data []byte) error {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: modified,
		})
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}

	if err := write(mainFile, []byte(source)); err != nil {
		return nil, err
	}
	for _, a := range assets {
		if err := write(assetsDir+a.Name, a.Data); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r *run) store(ctx context.Context, pdf []byte, source string, assets []domain.Asset) (string, string, error) {
	blobs := r.o.deps.Blobs

	outputKey, err := blobs.Put(ctx, OutputKey(r.job.ID), pdf, "application/pdf")
	if err != nil {
		return "", "", domain.InfrastructureError("store output", err)
	}

	archive, err := bundle(source, assets, r.o.now())
	if err != nil {
		return "", "", domain.InfrastructureError("bundle source", err)
	}
	archiveKey, err := blobs.Put(ctx, ArchiveKey(r.job.ID), archive, "application/zip")
	if err != nil {
		return "", "", domain.InfrastructureError("store source bundle", err)
	}
	return outputKey, archiveKey, nil
}
