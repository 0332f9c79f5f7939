package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/altapix/image-vault/pkg/imagevault"
)

// Repository implements imagevault.Repository with in-memory storage. It is
// the reference implementation of the persistence contract, including
// per-path monotonic entry id assignment and outbox-coupled deletion.
type Repository struct {
	mu     sync.Mutex
	assets map[imagevault.AssetRef]*assetRecord
	outbox []imagevault.OutboxRecord
}

type assetRecord struct {
	id        imagevault.AssetID
	path      string
	entryID   int64
	altText   string
	labels    map[string]string
	tags      []string
	ready     bool
	variants  []variantRecord
	createdAt time.Time
	updatedAt time.Time
}

type variantRecord struct {
	pending    imagevault.PendingVariant
	uploadedAt *time.Time
}

// New creates a new in-memory repository.
func New() *Repository {
	return &Repository{
		assets: make(map[imagevault.AssetRef]*assetRecord),
	}
}

var _ imagevault.Repository = (*Repository)(nil)

func (r *Repository) StoreNew(ctx context.Context, asset imagevault.PendingAsset) (imagevault.PendingPersistedAsset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 1 + max existing entry id for the path, 0 for the first. Deleting the
	// newest asset makes its id reusable, matching the SQL implementation.
	entryID := int64(0)
	for ref := range r.assets {
		if ref.Path == asset.Path && ref.EntryID >= entryID {
			entryID = ref.EntryID + 1
		}
	}

	now := time.Now().UTC()
	rec := &assetRecord{
		id:        asset.ID,
		path:      asset.Path,
		entryID:   entryID,
		altText:   asset.AltText,
		labels:    copyLabels(asset.Labels),
		tags:      append([]string(nil), asset.Tags...),
		variants:  []variantRecord{{pending: asset.Original}},
		createdAt: now,
		updatedAt: now,
	}
	r.assets[imagevault.AssetRef{Path: asset.Path, EntryID: entryID}] = rec

	return imagevault.PendingPersistedAsset{
		ID:        asset.ID,
		Path:      asset.Path,
		EntryID:   entryID,
		AltText:   asset.AltText,
		Labels:    copyLabels(asset.Labels),
		Tags:      append([]string(nil), asset.Tags...),
		Original:  asset.Original,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (r *Repository) MarkReady(ctx context.Context, asset imagevault.ReadyAsset) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.assets[asset.Ref()]
	if !exists {
		return imagevault.ErrAssetNotFound
	}
	if rec.ready {
		return imagevault.ErrInvalidTransition
	}

	original, err := asset.OriginalVariant()
	if err != nil {
		return err
	}
	uploadedAt := original.UploadedAt
	for i := range rec.variants {
		if rec.variants[i].pending.IsOriginalVariant {
			rec.variants[i].uploadedAt = &uploadedAt
		}
	}
	rec.ready = true
	rec.updatedAt = uploadedAt
	return nil
}

func (r *Repository) StoreNewVariant(ctx context.Context, ref imagevault.AssetRef, variant imagevault.PendingVariant) (imagevault.PendingVariant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.assets[ref]
	if !exists {
		return imagevault.PendingVariant{}, imagevault.ErrAssetNotFound
	}
	for _, v := range rec.variants {
		if v.pending.TransformationKey == variant.TransformationKey {
			return imagevault.PendingVariant{}, imagevault.ErrVariantExists
		}
	}
	rec.variants = append(rec.variants, variantRecord{pending: variant})
	rec.updatedAt = time.Now().UTC()
	return variant, nil
}

func (r *Repository) MarkVariantUploaded(ctx context.Context, ref imagevault.AssetRef, variant imagevault.ReadyVariant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.assets[ref]
	if !exists {
		return imagevault.ErrAssetNotFound
	}
	for i := range rec.variants {
		if rec.variants[i].pending.ID == variant.ID {
			uploadedAt := variant.UploadedAt
			rec.variants[i].uploadedAt = &uploadedAt
			rec.updatedAt = uploadedAt
			return nil
		}
	}
	return imagevault.ErrVariantNotFound
}

func (r *Repository) DeleteVariant(ctx context.Context, ref imagevault.AssetRef, id imagevault.VariantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.assets[ref]
	if !exists {
		return nil
	}
	for i := range rec.variants {
		if rec.variants[i].pending.ID == id {
			rec.variants = append(rec.variants[:i], rec.variants[i+1:]...)
			rec.updatedAt = time.Now().UTC()
			return nil
		}
	}
	return nil
}

func (r *Repository) FetchByPath(ctx context.Context, path string, entryID int64, opts ...imagevault.FetchOption) (imagevault.PersistedAsset, error) {
	params := imagevault.NewFetchParams(opts...)

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.assets[imagevault.AssetRef{Path: path, EntryID: entryID}]
	if !exists {
		return nil, imagevault.ErrAssetNotFound
	}
	if !rec.ready && !params.IncludeNotReady {
		return nil, imagevault.ErrAssetNotFound
	}
	if !matchLabels(rec.labels, params.Labels) {
		return nil, imagevault.ErrAssetNotFound
	}
	return rec.toDomain(), nil
}

func (r *Repository) FetchAllByPath(ctx context.Context, path string, opts ...imagevault.FetchOption) ([]imagevault.PersistedAsset, error) {
	params := imagevault.NewFetchParams(opts...)

	r.mu.Lock()
	defer r.mu.Unlock()

	var recs []*assetRecord
	for _, rec := range r.assets {
		if rec.path != path {
			continue
		}
		if !rec.ready && !params.IncludeNotReady {
			continue
		}
		if !matchLabels(rec.labels, params.Labels) {
			continue
		}
		recs = append(recs, rec)
	}
	sortRecords(recs, params.Order)

	if params.Limit > 0 && params.Limit < len(recs) {
		recs = recs[:params.Limit]
	}
	result := make([]imagevault.PersistedAsset, 0, len(recs))
	for _, rec := range recs {
		result = append(result, rec.toDomain())
	}
	return result, nil
}

func (r *Repository) DeleteByPath(ctx context.Context, path string, entryID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref := imagevault.AssetRef{Path: path, EntryID: entryID}
	rec, exists := r.assets[ref]
	if !exists {
		return imagevault.ErrAssetNotFound
	}
	r.removeLocked(ref, rec)
	return nil
}

func (r *Repository) DeleteAllByPath(ctx context.Context, path string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteMatchingLocked(func(rec *assetRecord) bool { return rec.path == path }), nil
}

func (r *Repository) DeleteRecursivelyByPath(ctx context.Context, prefix string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteMatchingLocked(func(rec *assetRecord) bool {
		return strings.HasPrefix(rec.path, prefix)
	}), nil
}

func (r *Repository) deleteMatchingLocked(match func(*assetRecord) bool) int {
	deleted := 0
	for ref, rec := range r.assets {
		if match(rec) {
			r.removeLocked(ref, rec)
			deleted++
		}
	}
	return deleted
}

// removeLocked deletes the record and appends one variant-deleted outbox row
// per stored variant, in the same critical section. Storage reclamation is
// the reaper's job.
func (r *Repository) removeLocked(ref imagevault.AssetRef, rec *assetRecord) {
	now := time.Now().UTC()
	for _, v := range rec.variants {
		r.outbox = append(r.outbox, imagevault.NewVariantDeletedRecord(v.pending.Bucket, v.pending.StorageKey, now))
	}
	delete(r.assets, ref)
}

func (r *Repository) FetchStalled(ctx context.Context, cutoff time.Time, limit int) ([]imagevault.PendingPersistedAsset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stalled []imagevault.PendingPersistedAsset
	for _, rec := range r.assets {
		if rec.ready || !rec.createdAt.Before(cutoff) {
			continue
		}
		stalled = append(stalled, rec.toPendingPersisted())
		if limit > 0 && len(stalled) == limit {
			break
		}
	}
	sort.Slice(stalled, func(i, j int) bool { return stalled[i].CreatedAt.Before(stalled[j].CreatedAt) })
	return stalled, nil
}

func (r *Repository) Purge(ctx context.Context, ref imagevault.AssetRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Purging an already-purged asset is a no-op: the sweeper re-runs.
	delete(r.assets, ref)
	return nil
}

func (r *Repository) FetchOutbox(ctx context.Context, limit int) ([]imagevault.OutboxRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.outbox)
	if limit > 0 && limit < n {
		n = limit
	}
	batch := make([]imagevault.OutboxRecord, n)
	copy(batch, r.outbox[:n])
	return batch, nil
}

func (r *Repository) DeleteOutbox(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, rec := range r.outbox {
		if rec.ID == id {
			r.outbox = append(r.outbox[:i], r.outbox[i+1:]...)
			return nil
		}
	}
	return nil
}

// Helpers

func (rec *assetRecord) toDomain() imagevault.PersistedAsset {
	if !rec.ready {
		return rec.toPendingPersisted()
	}
	variants := make([]imagevault.Variant, 0, len(rec.variants))
	for _, v := range rec.variants {
		if v.uploadedAt != nil {
			variants = append(variants, imagevault.ReadyVariant{PendingVariant: v.pending, UploadedAt: *v.uploadedAt})
		} else {
			variants = append(variants, v.pending)
		}
	}
	return imagevault.ReadyAsset{
		ID:        rec.id,
		Path:      rec.path,
		EntryID:   rec.entryID,
		AltText:   rec.altText,
		Labels:    copyLabels(rec.labels),
		Tags:      append([]string(nil), rec.tags...),
		Variants:  variants,
		CreatedAt: rec.createdAt,
		UpdatedAt: rec.updatedAt,
	}
}

func (rec *assetRecord) toPendingPersisted() imagevault.PendingPersistedAsset {
	return imagevault.PendingPersistedAsset{
		ID:        rec.id,
		Path:      rec.path,
		EntryID:   rec.entryID,
		AltText:   rec.altText,
		Labels:    copyLabels(rec.labels),
		Tags:      append([]string(nil), rec.tags...),
		Original:  rec.variants[0].pending,
		CreatedAt: rec.createdAt,
		UpdatedAt: rec.updatedAt,
	}
}

func sortRecords(recs []*assetRecord, order imagevault.FetchOrder) {
	sort.Slice(recs, func(i, j int) bool {
		var ti, tj time.Time
		if order == imagevault.OrderByCreated {
			ti, tj = recs[i].createdAt, recs[j].createdAt
		} else {
			ti, tj = recs[i].updatedAt, recs[j].updatedAt
		}
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		// Last write wins; ties broken by entry id descending.
		return recs[i].entryID > recs[j].entryID
	})
}

func matchLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func copyLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	c := make(map[string]string, len(labels))
	for k, v := range labels {
		c[k] = v
	}
	return c
}
