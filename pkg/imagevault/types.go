package imagevault

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AssetID identifies an asset. IDs are UUIDv7: globally unique and sortable
// by creation time.
type AssetID uuid.UUID

// NewAssetID generates a time-ordered asset id.
func NewAssetID() AssetID {
	return AssetID(uuid.Must(uuid.NewV7()))
}

func (id AssetID) String() string { return uuid.UUID(id).String() }

// MarshalJSON renders the id in canonical UUID form.
func (id AssetID) MarshalJSON() ([]byte, error) { return json.Marshal(uuid.UUID(id)) }

// UnmarshalJSON parses the canonical UUID form.
func (id *AssetID) UnmarshalJSON(data []byte) error {
	var u uuid.UUID
	if err := json.Unmarshal(data, &u); err != nil {
		return err
	}
	*id = AssetID(u)
	return nil
}

// VariantID identifies a variant. Same UUIDv7 properties as AssetID.
type VariantID uuid.UUID

// NewVariantID generates a time-ordered variant id.
func NewVariantID() VariantID {
	return VariantID(uuid.Must(uuid.NewV7()))
}

func (id VariantID) String() string { return uuid.UUID(id).String() }

// MarshalJSON renders the id in canonical UUID form.
func (id VariantID) MarshalJSON() ([]byte, error) { return json.Marshal(uuid.UUID(id)) }

// UnmarshalJSON parses the canonical UUID form.
func (id *VariantID) UnmarshalJSON(data []byte) error {
	var u uuid.UUID
	if err := json.Unmarshal(data, &u); err != nil {
		return err
	}
	*id = VariantID(u)
	return nil
}

// AssetRef is the natural key of a persisted asset: path plus per-path entry
// sequence number.
type AssetRef struct {
	Path    string `json:"path"`
	EntryID int64  `json:"entry_id"`
}

// OutboxEvent is the domain type for outbox event kinds.
type OutboxEvent string

// Outbox event constants (typed).
const (
	OutboxEventVariantDeleted OutboxEvent = "variant_deleted"
)

// VariantDeletedPayload locates the storage object a deleted variant left
// behind.
type VariantDeletedPayload struct {
	Bucket string `json:"objectStoreBucket"`
	Key    string `json:"objectStoreKey"`
}

// OutboxRecord is a durable pending side-effect, processed at-least-once by
// the reaper.
type OutboxRecord struct {
	ID        uuid.UUID       `json:"id"`
	EventType OutboxEvent     `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewVariantDeletedRecord builds an outbox record for reclaiming a variant's
// storage object.
func NewVariantDeletedRecord(bucket, key string, at time.Time) OutboxRecord {
	payload, _ := json.Marshal(VariantDeletedPayload{Bucket: bucket, Key: key})
	return OutboxRecord{
		ID:        uuid.New(),
		EventType: OutboxEventVariantDeleted,
		Payload:   payload,
		CreatedAt: at,
	}
}
