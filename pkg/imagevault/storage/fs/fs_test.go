package fs_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altapix/image-vault/pkg/imagevault/storage/fs"
)

func newTestStore(t *testing.T) *fs.Store {
	t.Helper()
	store, err := fs.New(fs.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	return store
}

func TestNewRequiresBaseDir(t *testing.T) {
	_, err := fs.New(fs.Config{})
	assert.Error(t, err)
}

func TestPersistAndFetch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	persistedAt, err := store.Persist(ctx, "assets", "originals/ab/cd.png", []byte("bytes"))
	require.NoError(t, err)
	assert.False(t, persistedAt.IsZero())

	data, found, err := store.Fetch(ctx, "assets", "originals/ab/cd.png")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("bytes"), data)
}

func TestKeysMapToNestedDirectories(t *testing.T) {
	baseDir := t.TempDir()
	store, err := fs.New(fs.Config{BaseDir: baseDir})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Persist(ctx, "assets", "derived/ab/cdef_w100.png", []byte("x"))
	require.NoError(t, err)

	onDisk := filepath.Join(baseDir, "assets", "derived", "ab", "cdef_w100.png")
	_, err = os.Stat(onDisk)
	assert.NoError(t, err, "object should land under bucket/key path")
}

func TestFetchMissingKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, found, err := store.Fetch(ctx, "assets", "nope")
	require.NoError(t, err)
	assert.False(t, found)

	exists, err := store.Exists(ctx, "assets", "nope")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPersistOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Persist(ctx, "assets", "key", []byte("first"))
	require.NoError(t, err)
	_, err = store.Persist(ctx, "assets", "key", []byte("second"))
	require.NoError(t, err)

	data, found, err := store.Fetch(ctx, "assets", "key")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("second"), data)
}

func TestDeleteToleratesMissingKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Delete(ctx, "assets", "never-stored"))
}

func TestDeleteAll(t *testing.T) {
	store := newTestStore(t)
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
