package imagevault

import (
	"fmt"
	"time"
)

// Variant is the sealed union of variant lifecycle states. Exactly two states
// exist: PendingVariant (storage location assigned, upload unconfirmed) and
// ReadyVariant (upload confirmed). Handle both in every switch.
type Variant interface {
	sealedVariant()

	// Ready reports whether the variant has a confirmed upload.
	Ready() bool
}

// PendingVariant is a variant whose bytes have been computed and whose
// storage location is assigned, but whose upload is not yet confirmed.
type PendingVariant struct {
	ID                VariantID         `json:"id"`
	Transformation    Transformation    `json:"transformation"`
	TransformationKey TransformationKey `json:"transformation_key"`
	Attributes        Attributes        `json:"attributes"`
	Bucket            string            `json:"bucket"`
	StorageKey        string            `json:"storage_key"`
	IsOriginalVariant bool              `json:"is_original_variant"`
	CreatedAt         time.Time         `json:"created_at"`
}

func (PendingVariant) sealedVariant() {}

func (PendingVariant) Ready() bool { return false }

// ReadyVariant is a variant with a confirmed upload.
type ReadyVariant struct {
	PendingVariant
	UploadedAt time.Time `json:"uploaded_at"`
}

func (ReadyVariant) Ready() bool { return true }

// NewPendingVariant constructs a pending variant for the given transformation.
// The key is derived from the transformation, never supplied.
func NewPendingVariant(t Transformation, attrs Attributes, bucket, storageKey string) PendingVariant {
	return PendingVariant{
		ID:                NewVariantID(),
		Transformation:    t,
		TransformationKey: t.Key(),
		Attributes:        attrs,
		Bucket:            bucket,
		StorageKey:        storageKey,
		IsOriginalVariant: t.IsOriginal(),
		CreatedAt:         time.Now().UTC(),
	}
}

// MarkUploaded promotes the variant to Ready, stamping the upload time.
func (v PendingVariant) MarkUploaded(at time.Time) (ReadyVariant, error) {
	if at.IsZero() {
		return ReadyVariant{}, fmt.Errorf("%w: uploaded-at timestamp is required", ErrInvariantViolation)
	}
	return ReadyVariant{PendingVariant: v, UploadedAt: at.UTC()}, nil
}
