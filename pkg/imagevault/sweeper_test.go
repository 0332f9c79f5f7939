package imagevault_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altapix/image-vault/pkg/imagevault"
	repomemory "github.com/altapix/image-vault/pkg/imagevault/repo/memory"
	memorystorage "github.com/altapix/image-vault/pkg/imagevault/storage/memory"
)

// seedStalledAsset stores an asset whose upload never completed: metadata
// pending, original bytes already in storage.
func seedStalledAsset(t *testing.T, repo *repomemory.Repository, store *memorystorage.Store, path string) (imagevault.AssetRef, string) {
	t.Helper()
	ctx := context.Background()

	original := imagevault.NewPendingVariant(
		imagevault.OriginalVariant,
		imagevault.Attributes{Width: 10, Height: 10, Format: imagevault.FormatPNG},
		"assets", "originals/"+path)
	persisted, err := repo.StoreNew(ctx, imagevault.PendingAsset{
		ID:       imagevault.NewAssetID(),
		Path:     path,
		Original: original,
	})
	require.NoError(t, err)

	_, err = store.Persist(ctx, original.Bucket, original.StorageKey, []byte("partial"))
	require.NoError(t, err)

	return persisted.Ref(), original.StorageKey
}

func TestSweepOncePurgesStalledUploads(t *testing.T) {
	repo := repomemory.New()
	store := memorystorage.New()
	ctx := context.Background()

	ref, key := seedStalledAsset(t, repo, store, "/stuck.png")

	// Pretend the upload happened more than five minutes ago.
	future := time.Now().Add(10 * time.Minute)
	sweeper := imagevault.NewSweeper(repo, store,
		imagevault.WithSweepClock(func() time.Time { return future }))

	swept, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	exists, err := store.Exists(ctx, "assets", key)
	require.NoError(t, err)
	assert.False(t, exists, "storage object reclaimed")

	_, err = repo.FetchByPath(ctx, ref.Path, ref.EntryID, imagevault.IncludeNotReady())
	assert.ErrorIs(t, err, imagevault.ErrAssetNotFound)

	// No outbox rows: the sweeper reclaimed storage itself.
	records, err := repo.FetchOutbox(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSweepOnceSparesFreshUploads(t *testing.T) {
	repo := repomemory.New()
	store := memorystorage.New()
	ctx := context.Background()

	ref, _ := seedStalledAsset(t, repo, store, "/inflight.png")

	sweeper := imagevault.NewSweeper(repo, store)
	swept, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept, "asset younger than the threshold stays")

	_, err = repo.FetchByPath(ctx, ref.Path, ref.EntryID, imagevault.IncludeNotReady())
	assert.NoError(t, err)
}

func TestSweepOnceSparesReadyAssets(t *testing.T) {
	repo := repomemory.New()
	store := memorystorage.New()
	ctx := context.Background()

	ref, _ := seedStalledAsset(t, repo, store, "/done.png")
	persisted, err := repo.FetchByPath(ctx, ref.Path, ref.EntryID, imagevault.IncludeNotReady())
	require.NoError(t, err)
	pending, ok := persisted.(imagevault.PendingPersistedAsset)
	require.True(t, ok)
	ready, err := pending.MarkReady(time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, repo.MarkReady(ctx, ready))

	future := time.Now().Add(time.Hour)
	sweeper := imagevault.NewSweeper(repo, store,
		imagevault.WithSweepClock(func() time.Time { return future }))

	swept, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept, "ready assets are never swept regardless of age")
}

func TestSweepOnceIsIdempotent(t *testing.T) {
	repo := repomemory.New()
	store := memorystorage.New()
	ctx := context.Background()

	seedStalledAsset(t, repo, store, "/stuck.png")

	future := time.Now().Add(10 * time.Minute)
	sweeper := imagevault.NewSweeper(repo, store,
		imagevault.WithSweepClock(func() time.Time { return future }))

	swept, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	swept, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
}
