package imagevault

import (
	"context"
)

// Service is the variant lifecycle engine's facade: everything a routing
// layer needs to store originals, request variants and delete assets.
type Service interface {
	// StoreOriginal validates and stores a new asset: the source is
	// preprocessed through the pipeline (on-demand priority), persisted as
	// the original variant and promoted to Ready. Eager transformations from
	// the request are dispatched at background priority; their failures do
	// not fail the store.
	StoreOriginal(ctx context.Context, req StoreOriginalRequest) (ReadyAsset, error)

	// RequestVariant resolves the requested transformation against the
	// asset's original and returns the matching variant, generating it at
	// on-demand priority when absent. A concurrent duplicate generation is
	// treated as already satisfied.
	RequestVariant(ctx context.Context, path string, entryID int64, req RequestedTransformation) (ReadyVariant, error)

	// FetchVariantData returns the stored bytes of a variant.
	FetchVariantData(ctx context.Context, path string, entryID int64, key TransformationKey) ([]byte, error)

	// FetchByPath returns the asset at path#entryID.
	FetchByPath(ctx context.Context, path string, entryID int64, opts ...FetchOption) (PersistedAsset, error)

	// FetchAllByPath returns all assets at the exact path.
	FetchAllByPath(ctx context.Context, path string, opts ...FetchOption) ([]PersistedAsset, error)

	// DeleteAsset deletes one asset. Storage reclamation happens
	// asynchronously through the outbox.
	DeleteAsset(ctx context.Context, path string, entryID int64) error

	// DeleteAssetsUnderPath deletes all assets at path, or under the path
	// prefix when recursive. Returns the number of assets deleted.
	DeleteAssetsUnderPath(ctx context.Context, path string, recursive bool) (int, error)
}
