package imagevault

import (
	"errors"
	"fmt"
)

// Error types
var (
	// ErrValidation indicates malformed user input; never retried.
	ErrValidation = errors.New("validation failed")

	// ErrAssetNotFound indicates an asset was not found
	ErrAssetNotFound = errors.New("asset not found")

	// ErrVariantNotFound indicates a variant was not found
	ErrVariantNotFound = errors.New("variant not found")

	// ErrVariantExists indicates a variant with the same transformation key
	// already exists for the asset. Callers may treat this as "already
	// satisfied": the existing variant is the deduplication hit.
	ErrVariantExists = errors.New("variant already exists for transformation key")

	// ErrInvalidTransition indicates the asset or variant is not in the
	// lifecycle state the operation expects.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrInvariantViolation indicates a broken lifecycle invariant. These are
	// programming errors and surface immediately.
	ErrInvariantViolation = errors.New("lifecycle invariant violated")

	// ErrObjectNotFound indicates a storage object was not found
	ErrObjectNotFound = errors.New("storage object not found")
)

// AssetError represents an error related to asset operations
type AssetError struct {
	Path    string
	EntryID int64
	Op      string
	Err     error
}

func (e *AssetError) Error() string {
	return fmt.Sprintf("asset operation %s failed for %s#%d: %v", e.Op, e.Path, e.EntryID, e.Err)
}

func (e *AssetError) Unwrap() error {
	return e.Err
}

// VariantError represents an error related to variant operations
type VariantError struct {
	VariantID VariantID
	Op        string
	Err       error
}

func (e *VariantError) Error() string {
	return fmt.Sprintf("variant operation %s failed for variant %s: %v", e.Op, e.VariantID, e.Err)
}

func (e *VariantError) Unwrap() error {
	return e.Err
}

// StorageError represents an error related to object store operations
type StorageError struct {
	Bucket string
	Key    string
	Op     string
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
