package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altapix/image-vault/pkg/imagevault/storage/memory"
)

func TestPersistAndFetch(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	persistedAt, err := store.Persist(ctx, "assets", "originals/ab/cd.png", []byte("bytes"))
	require.NoError(t, err)
	assert.False(t, persistedAt.IsZero())

	data, found, err := store.Fetch(ctx, "assets", "originals/ab/cd.png")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("bytes"), data)

	exists, err := store.Exists(ctx, "assets", "originals/ab/cd.png")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestFetchMissingKey(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	_, found, err := store.Fetch(ctx, "assets", "nope")
	require.NoError(t, err)
	assert.False(t, found)

	exists, err := store.Exists(ctx, "assets", "nope")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPersistCopiesData(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	payload := []byte("original")
	_, err := store.Persist(ctx, "assets", "key", payload)
	require.NoError(t, err)
	payload[0] = 'X'

	data, found, err := store.Fetch(ctx, "assets", "key")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("original"), data, "store must not alias the caller's slice")

	// The returned slice must be independent too.
	data[0] = 'Y'
	again, _, err := store.Fetch(ctx, "assets", "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}

func TestDeleteToleratesMissingKeys(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	require.NoError(t, store.Delete(ctx, "assets", "never-stored"))
	require.NoError(t, store.DeleteAll(ctx, "empty-bucket", []string{"a", "b"}))
}

func TestDeleteAll(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		_, err := store.Persist(ctx, "assets", key, []byte(key))
		require.NoError(t, err)
	}

	require.NoError(t, store.DeleteAll(ctx, "assets", []string{"a", "c", "missing"}))

	for key, want := range map[string]bool{"a": false, "b": true, "c": false} {
		exists, err := store.Exists(ctx, "assets", key)
		require.NoError(t, err)
		assert.Equal(t, want, exists, "key %s", key)
	}
}

func TestBucketsAreIsolated(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	_, err := store.Persist(ctx, "assets", "shared-key", []byte("assets"))
	require.NoError(t, err)
	_, err = store.Persist(ctx, "thumbs", "shared-key", []byte("thumbs"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "assets", "shared-key"))

	data, found, err := store.Fetch(ctx, "thumbs", "shared-key")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("thumbs"), data)
}
