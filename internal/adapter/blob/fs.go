// Package blob provides domain.BlobStore implementations.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cwygoda/typesetter/internal/domain"
)

// CleanKey validates a blob key and returns its canonical form. Keys are
// slash-separated and relative; ".." segments are rejected.
func CleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("invalid blob key %q", key)
		}
	}
	clean := path.Clean(key)
	if clean == "." {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return clean, nil
}

// FSStore keeps blobs as files under a root directory.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Put writes data atomically and returns the canonical key.
func (s *FSStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dst := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return key, nil
}

// Get reads a blob.
func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", domain.ErrBlobNotFound, key)
	}
	return data, err
}
