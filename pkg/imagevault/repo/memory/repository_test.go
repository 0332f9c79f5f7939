package memory_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altapix/image-vault/pkg/imagevault"
	"github.com/altapix/image-vault/pkg/imagevault/repo/memory"
)

func newPendingAsset(path string) imagevault.PendingAsset {
	original := imagevault.NewPendingVariant(
		imagevault.OriginalVariant,
		imagevault.Attributes{Width: 200, Height: 100, Format: imagevault.FormatJPEG},
		"assets", fmt.Sprintf("originals/%s_orig", path))
	return imagevault.PendingAsset{
		ID:       imagevault.NewAssetID(),
		Path:     path,
		Original: original,
	}
}

func storeReady(t *testing.T, repo *memory.Repository, path string) imagevault.ReadyAsset {
	t.Helper()
	ctx := context.Background()

	persisted, err := repo.StoreNew(ctx, newPendingAsset(path))
	require.NoError(t, err)
	ready, err := persisted.MarkReady(time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, repo.MarkReady(ctx, ready))
	return ready
}

func derivedVariant(width int) imagevault.PendingVariant {
	tr := imagevault.Transformation{
		Width: width, Height: width / 2,
		Fit: imagevault.FitModeFit, Gravity: imagevault.GravityCenter,
		Filter: imagevault.FilterNone, Quality: 85, Format: imagevault.FormatJPEG,
	}
	return imagevault.NewPendingVariant(tr,
		imagevault.Attributes{Width: width, Height: width / 2, Format: imagevault.FormatJPEG},
		"assets", fmt.Sprintf("derived/w%d", width))
}

func TestEntryIDAssignment(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		persisted, err := repo.StoreNew(ctx, newPendingAsset("/a.jpg"))
		require.NoError(t, err)
		assert.Equal(t, int64(i), persisted.EntryID)
	}

	// A different path has its own sequence.
	persisted, err := repo.StoreNew(ctx, newPendingAsset("/b.jpg"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), persisted.EntryID)
}

func TestEntryIDAssignmentConcurrent(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	const n = 50

	var wg sync.WaitGroup
	entryIDs := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			persisted, err := repo.StoreNew(ctx, newPendingAsset("/a.jpg"))
			assert.NoError(t, err)
			entryIDs <- persisted.EntryID
		}()
	}
	wg.Wait()
	close(entryIDs)

	seen := make(map[int64]bool)
	for id := range entryIDs {
		assert.False(t, seen[id], "entry id %d assigned twice", id)
		assert.GreaterOrEqual(t, id, int64(0))
		assert.Less(t, id, int64(n))
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestEntryIDAfterDelete(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()

	first := storeReady(t, repo, "/a.jpg")
	second := storeReady(t, repo, "/a.jpg")
	require.Equal(t, int64(1), second.EntryID)

	// Deleting the newest asset frees its id for the next store.
	require.NoError(t, repo.DeleteByPath(ctx, "/a.jpg", second.EntryID))
	persisted, err := repo.StoreNew(ctx, newPendingAsset("/a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), persisted.EntryID)

	// Deleting everything restarts the sequence at zero.
	require.NoError(t, repo.DeleteByPath(ctx, "/a.jpg", first.EntryID))
	require.NoError(t, repo.DeleteByPath(ctx, "/a.jpg", persisted.EntryID))
	persisted, err = repo.StoreNew(ctx, newPendingAsset("/a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), persisted.EntryID)
}

func TestMarkReadyTransitions(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()

	ready := storeReady(t, repo, "/a.jpg")

	t.Run("repeated promotion fails", func(t *testing.T) {
		err := repo.MarkReady(ctx, ready)
		assert.ErrorIs(t, err, imagevault.ErrInvalidTransition)
	})

	t.Run("unknown asset fails", func(t *testing.T) {
		missing := ready
		missing.EntryID = 42
		err := repo.MarkReady(ctx, missing)
		assert.ErrorIs(t, err, imagevault.ErrAssetNotFound)
	})
}

func TestStoreNewVariantDeduplicates(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()

	ready := storeReady(t, repo, "/a.jpg")
	ref := ready.Ref()

	first := derivedVariant(100)
	_, err := repo.StoreNewVariant(ctx, ref, first)
	require.NoError(t, err)

	// Same transformation key, fresh variant identity.
	second := derivedVariant(100)
	_, err = repo.StoreNewVariant(ctx, ref, second)
	assert.ErrorIs(t, err, imagevault.ErrVariantExists)

	// Different transformation is accepted.
	_, err = repo.StoreNewVariant(ctx, ref, derivedVariant(200))
	require.NoError(t, err)
}

func TestDeleteVariantReleasesKey(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()

	ready := storeReady(t, repo, "/a.jpg")
	ref := ready.Ref()

	v := derivedVariant(100)
	_, err := repo.StoreNewVariant(ctx, ref, v)
	require.NoError(t, err)

	require.NoError(t, repo.DeleteVariant(ctx, ref, v.ID))

	// The transformation key is free again.
	_, err = repo.StoreNewVariant(ctx, ref, derivedVariant(100))
	require.NoError(t, err)

	// Missing variant and missing asset are no-ops.
	require.NoError(t, repo.DeleteVariant(ctx, ref, v.ID))
	require.NoError(t, repo.DeleteVariant(ctx, imagevault.AssetRef{Path: "/missing.jpg"}, v.ID))
}

func TestFetchByPathReadyOnlyDefault(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()

	persisted, err := repo.StoreNew(ctx, newPendingAsset("/a.jpg"))
	require.NoError(t, err)

	_, err = repo.FetchByPath(ctx, "/a.jpg", persisted.EntryID)
	assert.ErrorIs(t, err, imagevault.ErrAssetNotFound)

	asset, err := repo.FetchByPath(ctx, "/a.jpg", persisted.EntryID, imagevault.IncludeNotReady())
	require.NoError(t, err)
	assert.False(t, asset.Ready())
}

func TestFetchAllByPathFiltersAndOrders(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		storeReady(t, repo, "/a.jpg")
		time.Sleep(time.Millisecond)
	}
	_, err := repo.StoreNew(ctx, newPendingAsset("/a.jpg")) // entry 3, never ready
	require.NoError(t, err)

	t.Run("ready only by default", func(t *testing.T) {
		assets, err := repo.FetchAllByPath(ctx, "/a.jpg")
		require.NoError(t, err)
		assert.Len(t, assets, 3)
	})

	t.Run("includes pending on request", func(t *testing.T) {
		assets, err := repo.FetchAllByPath(ctx, "/a.jpg", imagevault.IncludeNotReady())
		require.NoError(t, err)
		assert.Len(t, assets, 4)
	})

	t.Run("newest first with entry id tiebreak", func(t *testing.T) {
		assets, err := repo.FetchAllByPath(ctx, "/a.jpg", imagevault.WithOrder(imagevault.OrderByCreated))
		require.NoError(t, err)
		require.Len(t, assets, 3)
		var prev int64 = 99
		for _, a := range assets {
			assert.Less(t, a.Ref().EntryID, prev)
			prev = a.Ref().EntryID
		}
	})

	t.Run("limit", func(t *testing.T) {
		assets, err := repo.FetchAllByPath(ctx, "/a.jpg", imagevault.WithLimit(2))
		require.NoError(t, err)
		assert.Len(t, assets, 2)
	})
}

func TestFetchAllByPathLabelFilter(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()

	labelled := newPendingAsset("/a.jpg")
	labelled.Labels = map[string]string{"team": "catalog", "env": "prod"}
	persisted, err := repo.StoreNew(ctx, labelled)
	require.NoError(t, err)
	ready, err := persisted.MarkReady(time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, repo.MarkReady(ctx, ready))

	storeReady(t, repo, "/a.jpg")

	assets, err := repo.FetchAllByPath(ctx, "/a.jpg", imagevault.WithLabel("team", "catalog"))
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, persisted.EntryID, assets[0].Ref().EntryID)

	assets, err = repo.FetchAllByPath(ctx, "/a.jpg",
		imagevault.WithLabel("team", "catalog"), imagevault.WithLabel("env", "staging"))
	require.NoError(t, err)
	assert.Empty(t, assets)
}

func TestDeleteWritesOutbox(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()

	ready := storeReady(t, repo, "/a.jpg")
	_, err := repo.StoreNewVariant(ctx, ready.Ref(), derivedVariant(100))
	require.NoError(t, err)

	require.NoError(t, repo.DeleteByPath(ctx, "/a.jpg", ready.EntryID))

	records, err := repo.FetchOutbox(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 2, "one outbox row per stored variant")
	for _, rec := range records {
		assert.Equal(t, imagevault.OutboxEventVariantDeleted, rec.EventType)
		var payload imagevault.VariantDeletedPayload
		require.NoError(t, json.Unmarshal(rec.Payload, &payload))
		assert.Equal(t, "assets", payload.Bucket)
		assert.NotEmpty(t, payload.Key)
	}

	_, err = repo.FetchByPath(ctx, "/a.jpg", ready.EntryID, imagevault.IncludeNotReady())
	assert.ErrorIs(t, err, imagevault.ErrAssetNotFound)
}

func TestDeleteByPathVariants(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()

	storeReady(t, repo, "/products/a.jpg")
	storeReady(t, repo, "/products/a.jpg")
	storeReady(t, repo, "/products/b.jpg")
	storeReady(t, repo, "/other/c.jpg")

	t.Run("exact path", func(t *testing.T) {
		deleted, err := repo.DeleteAllByPath(ctx, "/products/a.jpg")
		require.NoError(t, err)
		assert.Equal(t, 2, deleted)
	})

	t.Run("prefix", func(t *testing.T) {
		deleted, err := repo.DeleteRecursivelyByPath(ctx, "/products/")
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)

		remaining, err := repo.FetchAllByPath(ctx, "/other/c.jpg")
		require.NoError(t, err)
		assert.Len(t, remaining, 1)
	})

	t.Run("missing single asset", func(t *testing.T) {
		err := repo.DeleteByPath(ctx, "/products/a.jpg", 0)
		assert.ErrorIs(t, err, imagevault.ErrAssetNotFound)
	})
}

func TestFetchStalledAndPurge(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()

	stalled, err := repo.StoreNew(ctx, newPendingAsset("/stuck.jpg"))
	require.NoError(t, err)
	storeReady(t, repo, "/fine.jpg")

	t.Run("cutoff excludes fresh uploads", func(t *testing.T) {
		found, err := repo.FetchStalled(ctx, time.Now().Add(-time.Minute), 10)
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("finds old non-ready assets", func(t *testing.T) {
		found, err := repo.FetchStalled(ctx, time.Now().Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, stalled.Ref(), found[0].Ref())
	})

	t.Run("purge removes without outbox rows", func(t *testing.T) {
		require.NoError(t, repo.Purge(ctx, stalled.Ref()))

		records, err := repo.FetchOutbox(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, records)

		// Idempotent.
		require.NoError(t, repo.Purge(ctx, stalled.Ref()))
	})
}

func TestOutboxFIFO(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ready := storeReady(t, repo, "/a.jpg")
		require.NoError(t, repo.DeleteByPath(ctx, "/a.jpg", ready.EntryID))
	}

	all, err := repo.FetchOutbox(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	batch, err := repo.FetchOutbox(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, all[0].ID, batch[0].ID)
	assert.Equal(t, all[1].ID, batch[1].ID)

	require.NoError(t, repo.DeleteOutbox(ctx, batch[0].ID))
	remaining, err := repo.FetchOutbox(ctx, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, all[1].ID, remaining[0].ID)

	// Deleting an already-deleted record is a no-op.
	require.NoError(t, repo.DeleteOutbox(ctx, batch[0].ID))
}
