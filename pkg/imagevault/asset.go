package imagevault

import (
	"fmt"
	"strings"
	"time"
)

// Metadata validation limits.
const (
	maxAltTextLen    = 125
	maxLabels        = 50
	maxLabelKeyLen   = 128
	maxLabelValueLen = 256
	maxTagLen        = 256
)

// AssetInput is raw user input for a new asset, validated by NewAsset.
type AssetInput struct {
	Path    string            `json:"path"`
	AltText string            `json:"alt_text,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
	Tags    []string          `json:"tags,omitempty"`
}

// NewAsset is validated user input without an identity yet: the first asset
// lifecycle state.
type NewAsset struct {
	Path    string
	AltText string
	Labels  map[string]string
	Tags    []string
}

// PendingAsset has an identity and exactly one unpersisted original variant.
type PendingAsset struct {
	ID       AssetID
	Path     string
	AltText  string
	Labels   map[string]string
	Tags     []string
	Original PendingVariant
}

// PendingPersistedAsset has a repository-assigned entry id and exactly one
// pending original variant. Path plus EntryID is the asset's natural key and
// EntryID is immutable once assigned.
type PendingPersistedAsset struct {
	ID        AssetID
	Path      string
	EntryID   int64
	AltText   string
	Labels    map[string]string
	Tags      []string
	Original  PendingVariant
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReadyAsset is fully stored: entry id assigned, at least one variant, the
// original uploaded.
type ReadyAsset struct {
	ID        AssetID
	Path      string
	EntryID   int64
	AltText   string
	Labels    map[string]string
	Tags      []string
	Variants  []Variant
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PersistedAsset is the sealed union of repository-owned asset states:
// PendingPersistedAsset or ReadyAsset. Handle both in every switch.
type PersistedAsset interface {
	sealedPersisted()

	// Ref returns the asset's natural key.
	Ref() AssetRef

	// Ready reports whether the asset reached the Ready state.
	Ready() bool
}

func (PendingPersistedAsset) sealedPersisted() {}
func (ReadyAsset) sealedPersisted()            {}

func (a PendingPersistedAsset) Ref() AssetRef { return AssetRef{Path: a.Path, EntryID: a.EntryID} }
func (a ReadyAsset) Ref() AssetRef            { return AssetRef{Path: a.Path, EntryID: a.EntryID} }

func (PendingPersistedAsset) Ready() bool { return false }
func (ReadyAsset) Ready() bool            { return true }

// ValidateNewAsset checks user input against the metadata limits and returns
// the New lifecycle state.
func ValidateNewAsset(in AssetInput) (NewAsset, error) {
	path := strings.TrimSpace(in.Path)
	if path == "" || !strings.HasPrefix(path, "/") {
		return NewAsset{}, fmt.Errorf("%w: path must be non-empty and absolute", ErrValidation)
	}
	if len(in.AltText) > maxAltTextLen {
		return NewAsset{}, fmt.Errorf("%w: alt text exceeds %d characters", ErrValidation, maxAltTextLen)
	}
	if len(in.Labels) > maxLabels {
		return NewAsset{}, fmt.Errorf("%w: at most %d labels allowed", ErrValidation, maxLabels)
	}
	for k, v := range in.Labels {
		if k == "" || len(k) > maxLabelKeyLen {
			return NewAsset{}, fmt.Errorf("%w: label key must be 1..%d characters", ErrValidation, maxLabelKeyLen)
		}
		if len(v) > maxLabelValueLen {
			return NewAsset{}, fmt.Errorf("%w: label value exceeds %d characters", ErrValidation, maxLabelValueLen)
		}
	}
	for _, tag := range in.Tags {
		if tag == "" || len(tag) > maxTagLen {
			return NewAsset{}, fmt.Errorf("%w: tag must be 1..%d characters", ErrValidation, maxTagLen)
		}
	}

	labels := make(map[string]string, len(in.Labels))
	for k, v := range in.Labels {
		labels[k] = v
	}
	return NewAsset{
		Path:    path,
		AltText: in.AltText,
		Labels:  labels,
		Tags:    append([]string(nil), in.Tags...),
	}, nil
}

// MarkPending assigns an identity and attaches the unpersisted original
// variant. The variant must carry the original flag.
func (a NewAsset) MarkPending(original PendingVariant) (PendingAsset, error) {
	if !original.IsOriginalVariant {
		return PendingAsset{}, fmt.Errorf("%w: pending asset requires the original variant", ErrInvariantViolation)
	}
	return PendingAsset{
		ID:       NewAssetID(),
		Path:     a.Path,
		AltText:  a.AltText,
		Labels:   a.Labels,
		Tags:     a.Tags,
		Original: original,
	}, nil
}

// MarkReady atomically promotes the asset and its single original variant to
// Ready, stamping the variant's upload time. Only this transition may set
// readiness.
func (a PendingPersistedAsset) MarkReady(uploadedAt time.Time) (ReadyAsset, error) {
	if !a.Original.IsOriginalVariant {
		return ReadyAsset{}, fmt.Errorf("%w: pending-persisted asset holds a non-original variant", ErrInvariantViolation)
	}
	ready, err := a.Original.MarkUploaded(uploadedAt)
	if err != nil {
		return ReadyAsset{}, err
	}
	return ReadyAsset{
		ID:        a.ID,
		Path:      a.Path,
		EntryID:   a.EntryID,
		AltText:   a.AltText,
		Labels:    a.Labels,
		Tags:      a.Tags,
		Variants:  []Variant{ready},
		CreatedAt: a.CreatedAt,
		UpdatedAt: uploadedAt.UTC(),
	}, nil
}

// OriginalVariant returns the asset's original variant. A ready asset always
// has exactly one.
func (a ReadyAsset) OriginalVariant() (ReadyVariant, error) {
	for _, v := range a.Variants {
		if rv, ok := v.(ReadyVariant); ok && rv.IsOriginalVariant {
			return rv, nil
		}
	}
	return ReadyVariant{}, fmt.Errorf("%w: ready asset %s#%d has no uploaded original variant",
		ErrInvariantViolation, a.Path, a.EntryID)
}

// VariantByKey returns the variant stored under the given transformation key.
func (a ReadyAsset) VariantByKey(key TransformationKey) (Variant, bool) {
	for _, v := range a.Variants {
		switch vv := v.(type) {
		case PendingVariant:
			if vv.TransformationKey == key {
				return vv, true
			}
		case ReadyVariant:
			if vv.TransformationKey == key {
				return vv, true
			}
		}
	}
	return nil, false
}
