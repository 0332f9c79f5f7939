package imagevault

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Sweeper recovers from uploads interrupted mid-flight: assets stuck in a
// non-ready state past the threshold are deleted outright, storage objects
// first, then metadata. Both halves tolerate re-runs, so the sweep is
// idempotent.
type Sweeper struct {
	repository Repository
	store      ObjectStore
	threshold  time.Duration
	interval   time.Duration
	batchSize  int
	logger     *slog.Logger
	now        func() time.Time
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepThreshold sets how long an asset may stay non-ready before it is
// considered abandoned.
func WithSweepThreshold(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.threshold = d }
}

// WithSweepInterval sets the polling interval.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.interval = d }
}

// WithSweepBatchSize bounds how many stalled assets one sweep handles.
func WithSweepBatchSize(n int) SweeperOption {
	return func(s *Sweeper) { s.batchSize = n }
}

// WithSweepLogger sets the sweeper logger.
func WithSweepLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = logger }
}

// WithSweepClock overrides the time source, for tests.
func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper creates a failed-asset sweeper.
func NewSweeper(repository Repository, store ObjectStore, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		repository: repository,
		store:      store,
		threshold:  5 * time.Minute,
		interval:   time.Minute,
		batchSize:  100,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps periodically until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil {
			s.logger.Error("stalled-asset sweep failed", "error", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SweepOnce deletes one batch of stalled assets and returns how many were
// removed. Per-asset failures are isolated: the asset stays for the next
// sweep and the rest of the batch proceeds.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.threshold)
	stalled, err := s.repository.FetchStalled(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch stalled assets: %w", err)
	}

	swept := 0
	for _, asset := range stalled {
		if err := s.sweepAsset(ctx, asset); err != nil {
			s.logger.Warn("stalled asset left for retry",
				"path", asset.Path, "entry_id", asset.EntryID, "error", err)
			continue
		}
		s.logger.Info("swept abandoned upload",
			"path", asset.Path, "entry_id", asset.EntryID, "age", s.now().Sub(asset.CreatedAt))
		swept++
	}
	return swept, nil
}

// sweepAsset reclaims storage before metadata so a failure between the two
// steps leaves the asset discoverable for the next run instead of leaking an
// orphaned object.
func (s *Sweeper) sweepAsset(ctx context.Context, asset PendingPersistedAsset) error {
	original := asset.Original
	if err := s.store.Delete(ctx, original.Bucket, original.StorageKey); err != nil {
		return &StorageError{Bucket: original.Bucket, Key: original.StorageKey, Op: "delete", Err: err}
	}
	return s.repository.Purge(ctx, asset.Ref())
}
