// Package blob provides object-store backed context storage via
// gocloud.dev, supporting S3, GCS, Azure Blob Storage, and S3-compatible
// stores. Offloaded values land as JSON objects keyed by execution and
// context key, so large payloads stay out of the primary store
package blob

import (
	"context"
	"encoding/json"
	"fmt"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/store"

	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

// ContextStorage implements store.ContextStorage on a blob bucket
type ContextStorage struct {
	bucket *blob.Bucket
	prefix string
}

var _ store.ContextStorage = (*ContextStorage)(nil)

// New opens the bucket at the given URL ("s3://...", "gs://...",
// "azblob://...", or "mem://" and "file://" in tests)
func New(
	ctx context.Context, bucketURL, prefix string,
) (*ContextStorage, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	return &ContextStorage{bucket: bucket, prefix: prefix}, nil
}

func (s *ContextStorage) Put(
	ctx context.Context, id api.ExecutionID, key string, value any,
) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.bucket.WriteAll(ctx, s.keyFor(id, key), data, nil)
}

func (s *ContextStorage) Get(
	ctx context.Context, id api.ExecutionID, key string,
) (any, error) {
	data, err := s.bucket.ReadAll(ctx, s.keyFor(id, key))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf(
				"%w: context value %s/%s", store.ErrNotFound, id, key)
		}
		return nil, err
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}
	return value, nil
}

func (s *ContextStorage) Delete(
	ctx context.Context, id api.ExecutionID, key string,
) error {
	err := s.bucket.Delete(ctx, s.keyFor(id, key))
	if err != nil && gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return err
}

// Close closes the underlying bucket
func (s *ContextStorage) Close() error {
	return s.bucket.Close()
}

func (s *ContextStorage) keyFor(id api.ExecutionID, key string) string {
	return s.prefix + string(id) + "/" + key + ".json"
}
