package objectstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, "a/1", []byte("one"), "text/plain"))
	require.NoError(t, store.Put(ctx, "a/2", []byte("two"), "text/plain"))
	require.NoError(t, store.Put(ctx, "b/1", []byte("three"), "text/plain"))

	body, err := store.Get(ctx, "a/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), body)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	t.Run("put copies the body", func(t *testing.T) {
		buf := []byte("mutable")
		require.NoError(t, store.Put(ctx, "c/1", buf, "text/plain"))
		buf[0] = 'X'
		got, err := store.Get(ctx, "c/1")
		require.NoError(t, err)
		assert.Equal(t, []byte("mutable"), got)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "a/1"))
		_, err := store.Get(ctx, "a/1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete prefix", func(t *testing.T) {
		require.NoError(t, store.DeletePrefix(ctx, "a/"))
		_, err := store.Get(ctx, "a/2")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.Get(ctx, "b/1")
		assert.NoError(t, err)
	})

	t.Run("presign", func(t *testing.T) {
		url, err := store.PresignGet(ctx, "b/1", time.Minute)
		require.NoError(t, err)
		assert.Contains(t, url, "b/1")

		_, err = store.PresignGet(ctx, "missing", time.Minute)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
