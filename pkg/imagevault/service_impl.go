package imagevault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/altapix/image-vault/pkg/imagevault/objectkey"
	"github.com/altapix/image-vault/pkg/imagevault/scheduler"
)

// service implements the Service interface.
type service struct {
	repository Repository
	store      ObjectStore
	pipelines  PipelineSource
	sched      *scheduler.Scheduler
	detector   MimeTypeDetector
	keygen     objectkey.Generator
	bucket     string
	logger     *slog.Logger

	// variantPollInterval paces the wait for a variant another producer is
	// already generating.
	variantPollInterval time.Duration
}

// Option represents a functional option for configuring the service.
type Option func(*service)

// WithRepository sets the repository for the service.
func WithRepository(repo Repository) Option {
	return func(s *service) { s.repository = repo }
}

// WithObjectStore sets the storage backend for the service.
func WithObjectStore(store ObjectStore) Option {
	return func(s *service) { s.store = store }
}

// WithPipelineSource sets the pipeline pool jobs acquire instances from.
func WithPipelineSource(source PipelineSource) Option {
	return func(s *service) { s.pipelines = source }
}

// WithScheduler sets the job scheduler.
func WithScheduler(sched *scheduler.Scheduler) Option {
	return func(s *service) { s.sched = sched }
}

// WithMimeDetector sets the MIME type detector.
func WithMimeDetector(detector MimeTypeDetector) Option {
	return func(s *service) { s.detector = detector }
}

// WithKeyGenerator sets the storage key generator.
func WithKeyGenerator(gen objectkey.Generator) Option {
	return func(s *service) { s.keygen = gen }
}

// WithBucket sets the storage bucket variants are written to.
func WithBucket(bucket string) Option {
	return func(s *service) { s.bucket = bucket }
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) { s.logger = logger }
}

// NewService creates a service instance with the given options.
func NewService(options ...Option) (Service, error) {
	s := &service{
		bucket:              "assets",
		keygen:              objectkey.NewShardedGenerator(),
		logger:              slog.Default(),
		variantPollInterval: 50 * time.Millisecond,
	}
	for _, option := range options {
		option(s)
	}

	if s.repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if s.store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if s.pipelines == nil {
		return nil, fmt.Errorf("pipeline source is required")
	}
	if s.sched == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if s.detector == nil {
		return nil, fmt.Errorf("mime type detector is required")
	}
	return s, nil
}

func (s *service) StoreOriginal(ctx context.Context, req StoreOriginalRequest) (ReadyAsset, error) {
	newAsset, err := ValidateNewAsset(AssetInput{
		Path:    req.Path,
		AltText: req.AltText,
		Labels:  req.Labels,
		Tags:    req.Tags,
	})
	if err != nil {
		return ReadyAsset{}, err
	}
	if len(req.Source) == 0 {
		return ReadyAsset{}, fmt.Errorf("%w: source image is empty", ErrValidation)
	}
	if _, err := formatFromMime(s.detector.Detect(req.Source)); err != nil {
		return ReadyAsset{}, err
	}

	// Preprocess once per upload, at on-demand priority: the caller is
	// waiting on the stored asset.
	var preprocessed PipelineResult
	completion, err := s.sched.Submit(ctx, scheduler.PriorityOnDemand, scheduler.Job{
		Kind: scheduler.KindPreprocessOriginal,
		Run: func(jobCtx context.Context) error {
			pipeline, release, err := s.pipelines.Acquire(jobCtx)
			if err != nil {
				return err
			}
			defer release()
			results, err := pipeline.Process(jobCtx, req.Source, []Transformation{OriginalVariant})
			if err != nil {
				return err
			}
			preprocessed = results[0]
			return nil
		},
	})
	if err != nil {
		return ReadyAsset{}, &AssetError{Path: newAsset.Path, Op: "store_original", Err: err}
	}
	if err := completion.Wait(ctx); err != nil {
		return ReadyAsset{}, &AssetError{Path: newAsset.Path, Op: "store_original", Err: err}
	}

	original := NewPendingVariant(OriginalVariant, preprocessed.Attributes, s.bucket, "")
	original.StorageKey = s.keygen.GenerateKey(uuid.UUID(original.ID), string(original.TransformationKey), true)

	pending, err := newAsset.MarkPending(original)
	if err != nil {
		return ReadyAsset{}, err
	}
	persisted, err := s.repository.StoreNew(ctx, pending)
	if err != nil {
		return ReadyAsset{}, &AssetError{Path: newAsset.Path, Op: "store_original", Err: err}
	}

	uploadedAt, err := s.store.Persist(ctx, original.Bucket, original.StorageKey, preprocessed.Data)
	if err != nil {
		return ReadyAsset{}, &StorageError{Bucket: original.Bucket, Key: original.StorageKey, Op: "persist", Err: err}
	}
	ready, err := persisted.MarkReady(uploadedAt)
	if err != nil {
		return ReadyAsset{}, err
	}
	if err := s.repository.MarkReady(ctx, ready); err != nil {
		return ReadyAsset{}, &AssetError{Path: ready.Path, EntryID: ready.EntryID, Op: "mark_ready", Err: err}
	}

	if len(req.Eager) > 0 {
		s.dispatchEager(ctx, ready, preprocessed, req.Eager)
	}
	return ready, nil
}

// dispatchEager batches all eager transformations into one background job
// against the already-decoded source. Failures are logged, never surfaced to
// the uploader.
func (s *service) dispatchEager(ctx context.Context, asset ReadyAsset, original PipelineResult, eager []RequestedTransformation) {
	ref := asset.Ref()
	attrs := original.Attributes
	source := original.Data

	_, err := s.sched.Submit(ctx, scheduler.PriorityBackground, scheduler.Job{
		Kind: scheduler.KindGenerateVariants,
		Run: func(jobCtx context.Context) error {
			var transformations []Transformation
			seen := map[TransformationKey]bool{OriginalKey: true}
			for _, rt := range eager {
				t, err := Normalize(jobCtx, rt, func(context.Context) (Attributes, error) { return attrs, nil })
				if err != nil {
					s.logger.Warn("skipping eager transformation", "path", ref.Path, "entry_id", ref.EntryID, "error", err)
					continue
				}
				if seen[t.Key()] {
					continue
				}
				seen[t.Key()] = true
				transformations = append(transformations, t)
			}
			if len(transformations) == 0 {
				return nil
			}
			return s.generateVariants(jobCtx, ref, source, transformations)
		},
	})
	if err != nil {
		s.logger.Error("eager variant dispatch failed", "path", ref.Path, "entry_id", ref.EntryID, "error", err)
	}
}

func (s *service) RequestVariant(ctx context.Context, path string, entryID int64, req RequestedTransformation) (ReadyVariant, error) {
	asset, err := s.fetchReady(ctx, path, entryID)
	if err != nil {
		return ReadyVariant{}, err
	}

	t, err := Normalize(ctx, req, func(context.Context) (Attributes, error) {
		original, err := asset.OriginalVariant()
		if err != nil {
			return Attributes{}, err
		}
		return original.Attributes, nil
	})
	if err != nil {
		return ReadyVariant{}, err
	}
	key := t.Key()

	if v, ok := asset.VariantByKey(key); ok {
		if rv, ok := v.(ReadyVariant); ok {
			return rv, nil
		}
		// Another producer is mid-generation; wait for it.
		return s.awaitVariant(ctx, path, entryID, key)
	}

	original, err := asset.OriginalVariant()
	if err != nil {
		return ReadyVariant{}, err
	}
	ref := asset.Ref()

	completion, err := s.sched.Submit(ctx, scheduler.PriorityOnDemand, scheduler.Job{
		Kind: scheduler.KindGenerateVariants,
		Run: func(jobCtx context.Context) error {
			source, found, err := s.store.Fetch(jobCtx, original.Bucket, original.StorageKey)
			if err != nil {
				return &StorageError{Bucket: original.Bucket, Key: original.StorageKey, Op: "fetch", Err: err}
			}
			if !found {
				return &StorageError{Bucket: original.Bucket, Key: original.StorageKey, Op: "fetch", Err: ErrObjectNotFound}
			}
			return s.generateVariants(jobCtx, ref, source, []Transformation{t})
		},
	})
	if err != nil {
		return ReadyVariant{}, &AssetError{Path: path, EntryID: entryID, Op: "request_variant", Err: err}
	}
	if err := completion.Wait(ctx); err != nil {
		return ReadyVariant{}, &AssetError{Path: path, EntryID: entryID, Op: "request_variant", Err: err}
	}
	return s.awaitVariant(ctx, path, entryID, key)
}

// generateVariants runs the pipeline for a batch of transformations and
// persists each result. A transformation-key conflict means another producer
// already satisfied that variant; it is skipped, not failed.
func (s *service) generateVariants(ctx context.Context, ref AssetRef, source []byte, transformations []Transformation) error {
	pipeline, release, err := s.pipelines.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	results, err := pipeline.Process(ctx, source, transformations)
	if err != nil {
		return err
	}
	for i, t := range transformations {
		if err := s.persistVariant(ctx, ref, t, results[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *service) persistVariant(ctx context.Context, ref AssetRef, t Transformation, result PipelineResult) error {
	variant := NewPendingVariant(t, result.Attributes, s.bucket, "")
	variant.StorageKey = s.keygen.GenerateKey(uuid.UUID(variant.ID), string(variant.TransformationKey), false)

	if _, err := s.repository.StoreNewVariant(ctx, ref, variant); err != nil {
		if errors.Is(err, ErrVariantExists) {
			return nil
		}
		return &VariantError{VariantID: variant.ID, Op: "store", Err: err}
	}
	uploadedAt, err := s.store.Persist(ctx, variant.Bucket, variant.StorageKey, result.Data)
	if err != nil {
		// Release the transformation key so a later request can retry the
		// upload instead of waiting on a row that will never reach Ready.
		if delErr := s.repository.DeleteVariant(ctx, ref, variant.ID); delErr != nil {
			s.logger.Error("rollback pending variant", "variant_id", variant.ID, "error", delErr)
		}
		return &StorageError{Bucket: variant.Bucket, Key: variant.StorageKey, Op: "persist", Err: err}
	}
	ready, err := variant.MarkUploaded(uploadedAt)
	if err != nil {
		return err
	}
	if err := s.repository.MarkVariantUploaded(ctx, ref, ready); err != nil {
		return &VariantError{VariantID: variant.ID, Op: "mark_uploaded", Err: err}
	}
	return nil
}

// awaitVariant polls until the variant under key reaches Ready. Used both
// after a successful generation (re-reading repository-owned state) and when
// a concurrent producer holds the key.
func (s *service) awaitVariant(ctx context.Context, path string, entryID int64, key TransformationKey) (ReadyVariant, error) {
	ticker := time.NewTicker(s.variantPollInterval)
	defer ticker.Stop()
	for {
		asset, err := s.fetchReady(ctx, path, entryID)
		if err != nil {
			return ReadyVariant{}, err
		}
		if v, ok := asset.VariantByKey(key); ok {
			if rv, ok := v.(ReadyVariant); ok {
				return rv, nil
			}
		} else {
			return ReadyVariant{}, &AssetError{Path: path, EntryID: entryID, Op: "await_variant", Err: ErrVariantNotFound}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ReadyVariant{}, ctx.Err()
		}
	}
}

func (s *service) FetchVariantData(ctx context.Context, path string, entryID int64, key TransformationKey) ([]byte, error) {
	asset, err := s.fetchReady(ctx, path, entryID)
	if err != nil {
		return nil, err
	}
	v, ok := asset.VariantByKey(key)
	if !ok {
		return nil, ErrVariantNotFound
	}
	rv, ok := v.(ReadyVariant)
	if !ok {
		return nil, ErrVariantNotFound
	}
	data, found, err := s.store.Fetch(ctx, rv.Bucket, rv.StorageKey)
	if err != nil {
		return nil, &StorageError{Bucket: rv.Bucket, Key: rv.StorageKey, Op: "fetch", Err: err}
	}
	if !found {
		return nil, &StorageError{Bucket: rv.Bucket, Key: rv.StorageKey, Op: "fetch", Err: ErrObjectNotFound}
	}
	return data, nil
}

func (s *service) FetchByPath(ctx context.Context, path string, entryID int64, opts ...FetchOption) (PersistedAsset, error) {
	return s.repository.FetchByPath(ctx, path, entryID, opts...)
}

func (s *service) FetchAllByPath(ctx context.Context, path string, opts ...FetchOption) ([]PersistedAsset, error) {
	return s.repository.FetchAllByPath(ctx, path, opts...)
}

func (s *service) DeleteAsset(ctx context.Context, path string, entryID int64) error {
	if err := s.repository.DeleteByPath(ctx, path, entryID); err != nil {
		return &AssetError{Path: path, EntryID: entryID, Op: "delete", Err: err}
	}
	return nil
}

func (s *service) DeleteAssetsUnderPath(ctx context.Context, path string, recursive bool) (int, error) {
	if recursive {
		return s.repository.DeleteRecursivelyByPath(ctx, path)
	}
	return s.repository.DeleteAllByPath(ctx, path)
}

func (s *service) fetchReady(ctx context.Context, path string, entryID int64) (ReadyAsset, error) {
	asset, err := s.repository.FetchByPath(ctx, path, entryID)
	if err != nil {
		return ReadyAsset{}, &AssetError{Path: path, EntryID: entryID, Op: "fetch", Err: err}
	}
	ready, ok := asset.(ReadyAsset)
	if !ok {
		return ReadyAsset{}, &AssetError{Path: path, EntryID: entryID, Op: "fetch", Err: ErrAssetNotFound}
	}
	return ready, nil
}

// formatFromMime maps a sniffed MIME type to a supported image format.
func formatFromMime(mimeType string) (ImageFormat, error) {
	switch mimeType {
	case "image/jpeg":
		return FormatJPEG, nil
	case "image/png":
		return FormatPNG, nil
	case "image/gif":
		return FormatGIF, nil
	case "image/webp":
		return FormatWebP, nil
	default:
		return "", fmt.Errorf("%w: unsupported content type %q", ErrValidation, mimeType)
	}
}
