package imagevault

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Reaper drains variant-deleted outbox records and reclaims the storage
// objects they point at. Rows are removed only after the delete succeeds, so
// processing is at-least-once; storage deletes tolerate missing keys, so
// re-processing is a no-op.
type Reaper struct {
	repository Repository
	store      ObjectStore
	batchSize  int
	interval   time.Duration
	logger     *slog.Logger
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReapBatchSize bounds how many outbox rows one sweep processes.
func WithReapBatchSize(n int) ReaperOption {
	return func(r *Reaper) { r.batchSize = n }
}

// WithReapInterval sets the polling interval.
func WithReapInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) { r.interval = d }
}

// WithReapLogger sets the reaper logger.
func WithReapLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) { r.logger = logger }
}

// NewReaper creates an outbox reaper.
func NewReaper(repository Repository, store ObjectStore, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		repository: repository,
		store:      store,
		batchSize:  100,
		interval:   30 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls the outbox until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.ReapOnce(ctx); err != nil {
			r.logger.Error("outbox sweep failed", "error", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ReapOnce processes one batch, oldest rows first, and returns how many rows
// it cleared. A failing row is left for the next sweep and never blocks the
// rows behind it.
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	records, err := r.repository.FetchOutbox(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch outbox: %w", err)
	}

	cleared := 0
	for _, record := range records {
		if err := r.reapRecord(ctx, record); err != nil {
			r.logger.Warn("outbox record left for retry",
				"outbox_id", record.ID,
				"event_type", string(record.EventType),
				"error", err)
			continue
		}
		cleared++
	}
	return cleared, nil
}

func (r *Reaper) reapRecord(ctx context.Context, record OutboxRecord) error {
	switch record.EventType {
	case OutboxEventVariantDeleted:
		var payload VariantDeletedPayload
		if err := json.Unmarshal(record.Payload, &payload); err != nil {
			// An unparseable payload never becomes parseable; drop the row
			// rather than retrying it forever.
			r.logger.Error("dropping malformed outbox record", "outbox_id", record.ID, "error", err)
			return r.repository.DeleteOutbox(ctx, record.ID)
		}
		if err := r.store.Delete(ctx, payload.Bucket, payload.Key); err != nil {
			return &StorageError{Bucket: payload.Bucket, Key: payload.Key, Op: "delete", Err: err}
		}
		return r.repository.DeleteOutbox(ctx, record.ID)
	default:
		r.logger.Error("dropping outbox record with unknown event type",
			"outbox_id", record.ID, "event_type", string(record.EventType))
		return r.repository.DeleteOutbox(ctx, record.ID)
	}
}
