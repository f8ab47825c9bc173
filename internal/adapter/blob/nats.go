package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/cwygoda/typesetter/internal/domain"
)

// ObjectStore keeps blobs in a NATS JetStream object store bucket.
type ObjectStore struct {
	store jetstream.ObjectStore
}

// NewObjectStore opens bucket, creating it when missing.
func NewObjectStore(ctx context.Context, js jetstream.JetStream, bucket string) (*ObjectStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	store, err := js.ObjectStore(ctx, bucket)
	if err == nil {
		return &ObjectStore{store: store}, nil
	}

	store, err = js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "Typesetter uploads and artifacts",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store: %w", err)
	}
	slog.Info("Created object store bucket", "bucket", bucket)
	return &ObjectStore{store: store}, nil
}

// Put stores data under key.
func (s *ObjectStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	meta := jetstream.ObjectMeta{
		Name:     key,
		Metadata: map[string]string{"content-type": contentType},
	}
	if _, err := s.store.Put(ctx, meta, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return key, nil
}

// Get reads the object stored under key.
func (s *ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	data, err := s.store.GetBytes(ctx, key)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrBlobNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	return data, nil
}
