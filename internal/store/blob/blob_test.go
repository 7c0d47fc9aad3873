package blob_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmonkey/engine/internal/store/blob"
	"github.com/flowmonkey/engine/pkg/store"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

func TestContextStorageRoundTrip(t *testing.T) {
	ctx := t.Context()

	s, err := blob.New(ctx, "mem://", "ctx/")
	require.NoError(t, err)
	defer func() {
		_ = s.Close()
	}()

	_, err = s.Get(ctx, "e1", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	value := map[string]any{"payload": "large", "rows": float64(3)}
	require.NoError(t, s.Put(ctx, "e1", "report", value))

	got, err := s.Get(ctx, "e1", "report")
	require.NoError(t, err)
	assert.Equal(t, value, got)

	// same key under another execution stays independent
	_, err = s.Get(ctx, "e2", "report")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Delete(ctx, "e1", "report"))
	_, err = s.Get(ctx, "e1", "report")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// deleting a missing value succeeds
	assert.NoError(t, s.Delete(ctx, "e1", "report"))
}

func TestContextStorageFileURL(t *testing.T) {
	ctx := t.Context()
	tmpDir := t.TempDir()

	s, err := blob.New(ctx, "file://"+tmpDir, "")
	require.NoError(t, err)
	defer func() {
		_ = s.Close()
	}()

	require.NoError(t, s.Put(ctx, "e1", "blob", "value"))
	got, err := s.Get(ctx, "e1", "blob")
	require.NoError(t, err)
	assert.Equal(t, "value", got)
}
