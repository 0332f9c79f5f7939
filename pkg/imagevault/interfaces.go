package imagevault

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ObjectStore is the storage-backend port. Implementations must tolerate
// deleting keys that do not exist.
type ObjectStore interface {
	// Persist stores the object and returns the storage timestamp.
	Persist(ctx context.Context, bucket, key string, data []byte) (time.Time, error)

	// Fetch retrieves an object. found is false when the key is absent.
	Fetch(ctx context.Context, bucket, key string) (data []byte, found bool, err error)

	// Exists reports whether the key is present.
	Exists(ctx context.Context, bucket, key string) (bool, error)

	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, bucket, key string) error

	// DeleteAll removes a batch of keys. Missing keys are not errors.
	DeleteAll(ctx context.Context, bucket string, keys []string) error
}

// PipelineResult is the outcome of applying one transformation to a source
// image.
type PipelineResult struct {
	Data       []byte
	Attributes Attributes

	// NeedsLQIP reports that a low-quality placeholder should be regenerated
	// from this result. The placeholder algorithm lives elsewhere.
	NeedsLQIP bool
}

// TransformationPipeline performs the pixel work. An instance is NOT safe for
// concurrent use: it wraps a processing context that must be confined to one
// job at a time. Acquire instances through a PipelineSource.
type TransformationPipeline interface {
	// Process decodes source once and applies each transformation to it,
	// returning results in the same order.
	Process(ctx context.Context, source []byte, transformations []Transformation) ([]PipelineResult, error)
}

// PipelineSource hands out exclusive pipeline instances. The release function
// returns the instance to the source and must be called exactly once, at the
// end of the job that acquired it.
type PipelineSource interface {
	Acquire(ctx context.Context) (TransformationPipeline, func(), error)
}

// MimeTypeDetector sniffs a MIME type from raw bytes.
type MimeTypeDetector interface {
	Detect(data []byte) string
}

// FetchOrder selects the sort key for multi-asset reads.
type FetchOrder string

// Fetch ordering constants (typed). Ties are broken by entry id descending.
const (
	OrderByCreated  FetchOrder = "created"
	OrderByModified FetchOrder = "modified"
)

// FetchParams collects read-filtering options. Reads exclude non-ready assets
// unless IncludeNotReady is set.
type FetchParams struct {
	IncludeNotReady bool
	Labels          map[string]string
	Order           FetchOrder
	Limit           int
}

// FetchOption is a functional option for repository reads.
type FetchOption func(*FetchParams)

// IncludeNotReady includes assets still pending upload, for update or repair.
func IncludeNotReady() FetchOption {
	return func(p *FetchParams) { p.IncludeNotReady = true }
}

// WithLabel filters to assets carrying the given label. Repeating the option
// requires all given labels.
func WithLabel(key, value string) FetchOption {
	return func(p *FetchParams) {
		if p.Labels == nil {
			p.Labels = make(map[string]string)
		}
		p.Labels[key] = value
	}
}

// WithOrder sets the sort key.
func WithOrder(order FetchOrder) FetchOption {
	return func(p *FetchParams) { p.Order = order }
}

// WithLimit caps the number of results.
func WithLimit(limit int) FetchOption {
	return func(p *FetchParams) { p.Limit = limit }
}

// NewFetchParams applies options over defaults.
func NewFetchParams(opts ...FetchOption) FetchParams {
	p := FetchParams{Order: OrderByModified}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Repository is the persistence port for assets, variants and the outbox.
// Assets and variants are exclusively owned by the repository once stored.
type Repository interface {
	// StoreNew persists a pending asset, assigning the next entry id for its
	// path (1 + max existing, 0 for the first). Safe under concurrent calls
	// for the same path.
	StoreNew(ctx context.Context, asset PendingAsset) (PendingPersistedAsset, error)

	// MarkReady persists the PendingPersisted->Ready promotion computed by
	// PendingPersistedAsset.MarkReady.
	MarkReady(ctx context.Context, asset ReadyAsset) error

	// StoreNewVariant persists a pending variant for a ready asset. Fails
	// with ErrVariantExists when the transformation key is already taken:
	// the deduplication boundary.
	StoreNewVariant(ctx context.Context, ref AssetRef, variant PendingVariant) (PendingVariant, error)

	// MarkVariantUploaded persists a variant's Pending->Ready promotion.
	MarkVariantUploaded(ctx context.Context, ref AssetRef, variant ReadyVariant) error

	// DeleteVariant removes a single variant row, releasing its
	// transformation key for a later StoreNewVariant. Used to roll back a
	// pending variant whose upload failed. Deleting a missing variant is a
	// no-op.
	DeleteVariant(ctx context.Context, ref AssetRef, id VariantID) error

	// FetchByPath returns the asset at path#entryID.
	FetchByPath(ctx context.Context, path string, entryID int64, opts ...FetchOption) (PersistedAsset, error)

	// FetchAllByPath returns all assets at the exact path.
	FetchAllByPath(ctx context.Context, path string, opts ...FetchOption) ([]PersistedAsset, error)

	// DeleteByPath deletes one asset, appending a variant-deleted outbox
	// record per stored variant in the same transaction.
	DeleteByPath(ctx context.Context, path string, entryID int64) error

	// DeleteAllByPath deletes every asset at the exact path. Returns the
	// number of assets deleted.
	DeleteAllByPath(ctx context.Context, path string) (int, error)

	// DeleteRecursivelyByPath deletes every asset whose path has the given
	// prefix. Returns the number of assets deleted.
	DeleteRecursivelyByPath(ctx context.Context, prefix string) (int, error)

	// FetchStalled returns non-ready assets created before the cutoff, for
	// the sweeper.
	FetchStalled(ctx context.Context, cutoff time.Time, limit int) ([]PendingPersistedAsset, error)

	// Purge hard-deletes an asset without writing outbox records. Used by
	// the sweeper, which reclaims storage itself.
	Purge(ctx context.Context, ref AssetRef) error

	// FetchOutbox returns up to limit outbox records, oldest first.
	FetchOutbox(ctx context.Context, limit int) ([]OutboxRecord, error)

	// DeleteOutbox removes a processed outbox record.
	DeleteOutbox(ctx context.Context, id uuid.UUID) error
}
