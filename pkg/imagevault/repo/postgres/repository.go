package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/altapix/image-vault/pkg/imagevault"
)

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// txBeginner is satisfied by pgxpool.Pool and pgx.Conn. When the underlying
// DBTX cannot begin transactions (the caller handed us one), multi-statement
// operations run on it directly.
type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository implements imagevault.Repository using PostgreSQL
type Repository struct {
	db DBTX
}

// New creates a new PostgreSQL repository
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

var _ imagevault.Repository = (*Repository)(nil)

func (r *Repository) withTx(ctx context.Context, fn func(DBTX) error) error {
	beginner, ok := r.db.(txBeginner)
	if !ok {
		return fn(r.db)
	}
	tx, err := beginner.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *Repository) StoreNew(ctx context.Context, asset imagevault.PendingAsset) (imagevault.PendingPersistedAsset, error) {
	// Entry id assignment races with concurrent stores for the same path;
	// the primary key rejects the loser, which retries with a fresh max.
	for {
		persisted, err := r.storeNewOnce(ctx, asset)
		if err == nil {
			return persisted, nil
		}
		if !isUniqueViolation(err) {
			return imagevault.PendingPersistedAsset{}, err
		}
	}
}

func (r *Repository) storeNewOnce(ctx context.Context, asset imagevault.PendingAsset) (imagevault.PendingPersistedAsset, error) {
	var entryID int64
	var createdAt time.Time

	err := r.withTx(ctx, func(db DBTX) error {
		query := `
			INSERT INTO iv_asset (id, path, entry_id, alt_text, labels, tags, ready, created_at, updated_at)
			SELECT $1, $2, COALESCE(MAX(entry_id) + 1, 0), $3, $4, $5, FALSE, now(), now()
			FROM iv_asset WHERE path = $2
			RETURNING entry_id, created_at`

		err := db.QueryRow(ctx, query,
			asset.ID, asset.Path, asset.AltText, asset.Labels, asset.Tags).
			Scan(&entryID, &createdAt)
		if err != nil {
			return err
		}
		return r.insertVariant(ctx, db, asset.Path, entryID, asset.Original)
	})
	if err != nil {
		return imagevault.PendingPersistedAsset{}, err
	}

	return imagevault.PendingPersistedAsset{
		ID:        asset.ID,
		Path:      asset.Path,
		EntryID:   entryID,
		AltText:   asset.AltText,
		Labels:    asset.Labels,
		Tags:      asset.Tags,
		Original:  asset.Original,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}, nil
}

func (r *Repository) insertVariant(ctx context.Context, db DBTX, path string, entryID int64, v imagevault.PendingVariant) error {
	query := `
		INSERT INTO iv_variant (
			id, asset_path, asset_entry_id, transformation, transformation_key,
			attributes, bucket, storage_key, is_original, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`

	_, err := db.Exec(ctx, query,
		v.ID, path, entryID, v.Transformation, string(v.TransformationKey),
		v.Attributes, v.Bucket, v.StorageKey, v.IsOriginalVariant)
	return err
}

func (r *Repository) MarkReady(ctx context.Context, asset imagevault.ReadyAsset) error {
	original, err := asset.OriginalVariant()
	if err != nil {
		return err
	}

	return r.withTx(ctx, func(db DBTX) error {
		tag, err := db.Exec(ctx,
			`UPDATE iv_asset SET ready = TRUE, updated_at = $3
			 WHERE path = $1 AND entry_id = $2 AND NOT ready`,
			asset.Path, asset.EntryID, original.UploadedAt)
		if err != nil {
			return fmt.Errorf("mark asset ready: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return r.readyTransitionError(ctx, db, asset.Ref())
		}

		_, err = db.Exec(ctx,
			`UPDATE iv_variant SET uploaded_at = $4
			 WHERE asset_path = $1 AND asset_entry_id = $2 AND id = $3`,
			asset.Path, asset.EntryID, original.ID, original.UploadedAt)
		if err != nil {
			return fmt.Errorf("mark original uploaded: %w", err)
		}
		return nil
	})
}

// readyTransitionError distinguishes a missing asset from a repeated
// promotion after an UPDATE matched no rows.
func (r *Repository) readyTransitionError(ctx context.Context, db DBTX, ref imagevault.AssetRef) error {
	var ready bool
	err := db.QueryRow(ctx,
		`SELECT ready FROM iv_asset WHERE path = $1 AND entry_id = $2`,
		ref.Path, ref.EntryID).Scan(&ready)
	if errors.Is(err, pgx.ErrNoRows) {
		return imagevault.ErrAssetNotFound
	}
	if err != nil {
		return err
	}
	if ready {
		return imagevault.ErrInvalidTransition
	}
	return imagevault.ErrAssetNotFound
}

func (r *Repository) StoreNewVariant(ctx context.Context, ref imagevault.AssetRef, variant imagevault.PendingVariant) (imagevault.PendingVariant, error) {
	err := r.withTx(ctx, func(db DBTX) error {
		var exists bool
		err := db.QueryRow(ctx,
			`SELECT TRUE FROM iv_asset WHERE path = $1 AND entry_id = $2`,
			ref.Path, ref.EntryID).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return imagevault.ErrAssetNotFound
		}
		if err != nil {
			return err
		}

		if err := r.insertVariant(ctx, db, ref.Path, ref.EntryID, variant); err != nil {
			if isUniqueViolation(err) {
				return imagevault.ErrVariantExists
			}
			return err
		}

		_, err = db.Exec(ctx,
			`UPDATE iv_asset SET updated_at = now() WHERE path = $1 AND entry_id = $2`,
			ref.Path, ref.EntryID)
		return err
	})
	if err != nil {
		return imagevault.PendingVariant{}, err
	}
	return variant, nil
}

func (r *Repository) MarkVariantUploaded(ctx context.Context, ref imagevault.AssetRef, variant imagevault.ReadyVariant) error {
	return r.withTx(ctx, func(db DBTX) error {
		tag, err := db.Exec(ctx,
			`UPDATE iv_variant SET uploaded_at = $4
			 WHERE asset_path = $1 AND asset_entry_id = $2 AND id = $3`,
			ref.Path, ref.EntryID, variant.ID, variant.UploadedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return imagevault.ErrVariantNotFound
		}
		_, err = db.Exec(ctx,
			`UPDATE iv_asset SET updated_at = $3 WHERE path = $1 AND entry_id = $2`,
			ref.Path, ref.EntryID, variant.UploadedAt)
		return err
	})
}

func (r *Repository) DeleteVariant(ctx context.Context, ref imagevault.AssetRef, id imagevault.VariantID) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM iv_variant
		 WHERE asset_path = $1 AND asset_entry_id = $2 AND id = $3`,
		ref.Path, ref.EntryID, id)
	return err
}

const assetColumns = `id, path, entry_id, alt_text, labels, tags, ready, created_at, updated_at`

type assetRow struct {
	id        imagevault.AssetID
	path      string
	entryID   int64
	altText   string
	labels    map[string]string
	tags      []string
	ready     bool
	createdAt time.Time
	updatedAt time.Time
}

func scanAsset(row pgx.Row) (assetRow, error) {
	var a assetRow
	err := row.Scan(&a.id, &a.path, &a.entryID, &a.altText, &a.labels, &a.tags,
		&a.ready, &a.createdAt, &a.updatedAt)
	return a, err
}

func (r *Repository) FetchByPath(ctx context.Context, path string, entryID int64, opts ...imagevault.FetchOption) (imagevault.PersistedAsset, error) {
	params := imagevault.NewFetchParams(opts...)

	query := `SELECT ` + assetColumns + ` FROM iv_asset WHERE path = $1 AND entry_id = $2`
	args := []interface{}{path, entryID}
	if !params.IncludeNotReady {
		query += ` AND ready`
	}
	if len(params.Labels) > 0 {
		query += fmt.Sprintf(` AND labels @> $%d`, len(args)+1)
		args = append(args, params.Labels)
	}

	a, err := scanAsset(r.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, imagevault.ErrAssetNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.toDomain(ctx, a)
}

func (r *Repository) FetchAllByPath(ctx context.Context, path string, opts ...imagevault.FetchOption) ([]imagevault.PersistedAsset, error) {
	params := imagevault.NewFetchParams(opts...)

	query := `SELECT ` + assetColumns + ` FROM iv_asset WHERE path = $1`
	args := []interface{}{path}
	if !params.IncludeNotReady {
		query += ` AND ready`
	}
	if len(params.Labels) > 0 {
		query += fmt.Sprintf(` AND labels @> $%d`, len(args)+1)
		args = append(args, params.Labels)
	}
	orderCol := "updated_at"
	if params.Order == imagevault.OrderByCreated {
		orderCol = "created_at"
	}
	query += fmt.Sprintf(` ORDER BY %s DESC, entry_id DESC`, orderCol)
	if params.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, params.Limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []imagevault.PersistedAsset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		asset, err := r.toDomain(ctx, a)
		if err != nil {
			return nil, err
		}
		result = append(result, asset)
	}
	return result, rows.Err()
}

func (r *Repository) DeleteByPath(ctx context.Context, path string, entryID int64) error {
	return r.withTx(ctx, func(db DBTX) error {
		n, err := r.deleteWithOutbox(ctx, db,
			`a.path = $1 AND a.entry_id = $2`, path, entryID)
		if err != nil {
			return err
		}
		if n == 0 {
			return imagevault.ErrAssetNotFound
		}
		return nil
	})
}

func (r *Repository) DeleteAllByPath(ctx context.Context, path string) (int, error) {
	var deleted int
	err := r.withTx(ctx, func(db DBTX) error {
		var err error
		deleted, err = r.deleteWithOutbox(ctx, db, `a.path = $1`, path)
		return err
	})
	return deleted, err
}

func (r *Repository) DeleteRecursivelyByPath(ctx context.Context, prefix string) (int, error) {
	var deleted int
	err := r.withTx(ctx, func(db DBTX) error {
		var err error
		deleted, err = r.deleteWithOutbox(ctx, db, `starts_with(a.path, $1)`, prefix)
		return err
	})
	return deleted, err
}

// deleteWithOutbox removes matching assets and their variants, writing one
// variant-deleted outbox row per variant in the same transaction. The where
// fragment must reference the asset table through alias "a".
func (r *Repository) deleteWithOutbox(ctx context.Context, db DBTX, where string, args ...interface{}) (int, error) {
	outboxQuery := `
		INSERT INTO iv_outbox (id, event_type, payload, created_at)
		SELECT gen_random_uuid(), $` + fmt.Sprint(len(args)+1) + `,
		       jsonb_build_object('objectStoreBucket', v.bucket, 'objectStoreKey', v.storage_key),
		       now()
		FROM iv_variant v
		JOIN iv_asset a ON a.path = v.asset_path AND a.entry_id = v.asset_entry_id
		WHERE ` + where
	if _, err := db.Exec(ctx, outboxQuery, append(args, string(imagevault.OutboxEventVariantDeleted))...); err != nil {
		return 0, fmt.Errorf("write outbox: %w", err)
	}

	variantQuery := `
		DELETE FROM iv_variant v
		USING iv_asset a
		WHERE a.path = v.asset_path AND a.entry_id = v.asset_entry_id AND ` + where
	if _, err := db.Exec(ctx, variantQuery, args...); err != nil {
		return 0, fmt.Errorf("delete variants: %w", err)
	}

	tag, err := db.Exec(ctx, `DELETE FROM iv_asset a WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete assets: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *Repository) FetchStalled(ctx context.Context, cutoff time.Time, limit int) ([]imagevault.PendingPersistedAsset, error) {
	query := `SELECT ` + assetColumns + `
		FROM iv_asset WHERE NOT ready AND created_at < $1
		ORDER BY created_at ASC`
	args := []interface{}{cutoff}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stalled []imagevault.PendingPersistedAsset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		original, err := r.originalVariant(ctx, a.path, a.entryID)
		if err != nil {
			return nil, err
		}
		stalled = append(stalled, imagevault.PendingPersistedAsset{
			ID:        a.id,
			Path:      a.path,
			EntryID:   a.entryID,
			AltText:   a.altText,
			Labels:    a.labels,
			Tags:      a.tags,
			Original:  original,
			CreatedAt: a.createdAt,
			UpdatedAt: a.updatedAt,
		})
	}
	return stalled, rows.Err()
}

func (r *Repository) Purge(ctx context.Context, ref imagevault.AssetRef) error {
	// No outbox rows: the sweeper reclaims storage itself. Purging an
	// already-purged asset is a no-op.
	return r.withTx(ctx, func(db DBTX) error {
		_, err := db.Exec(ctx,
			`DELETE FROM iv_variant WHERE asset_path = $1 AND asset_entry_id = $2`,
			ref.Path, ref.EntryID)
		if err != nil {
			return err
		}
		_, err = db.Exec(ctx,
			`DELETE FROM iv_asset WHERE path = $1 AND entry_id = $2`,
			ref.Path, ref.EntryID)
		return err
	})
}

func (r *Repository) FetchOutbox(ctx context.Context, limit int) ([]imagevault.OutboxRecord, error) {
	query := `SELECT id, event_type, payload, created_at FROM iv_outbox ORDER BY created_at ASC, id ASC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []imagevault.OutboxRecord
	for rows.Next() {
		var rec imagevault.OutboxRecord
		var eventType string
		if err := rows.Scan(&rec.ID, &eventType, &rec.Payload, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.EventType = imagevault.OutboxEvent(eventType)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *Repository) DeleteOutbox(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM iv_outbox WHERE id = $1`, id)
	return err
}

// Variant loading

const variantColumns = `id, transformation, transformation_key, attributes, bucket, storage_key, is_original, created_at, uploaded_at`

func scanVariant(rows pgx.Rows) (imagevault.PendingVariant, *time.Time, error) {
	var pending imagevault.PendingVariant
	var key string
	var uploadedAt *time.Time
	err := rows.Scan(&pending.ID, &pending.Transformation, &key, &pending.Attributes,
		&pending.Bucket, &pending.StorageKey, &pending.IsOriginalVariant,
		&pending.CreatedAt, &uploadedAt)
	pending.TransformationKey = imagevault.TransformationKey(key)
	return pending, uploadedAt, err
}

func (r *Repository) toDomain(ctx context.Context, a assetRow) (imagevault.PersistedAsset, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+variantColumns+`
		 FROM iv_variant WHERE asset_path = $1 AND asset_entry_id = $2
		 ORDER BY is_original DESC, created_at ASC`,
		a.path, a.entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var variants []imagevault.Variant
	var original imagevault.PendingVariant
	for rows.Next() {
		pending, uploadedAt, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		if pending.IsOriginalVariant {
			original = pending
		}
		if uploadedAt != nil {
			variants = append(variants, imagevault.ReadyVariant{PendingVariant: pending, UploadedAt: *uploadedAt})
		} else {
			variants = append(variants, pending)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if !a.ready {
		return imagevault.PendingPersistedAsset{
			ID:        a.id,
			Path:      a.path,
			EntryID:   a.entryID,
			AltText:   a.altText,
			Labels:    a.labels,
			Tags:      a.tags,
			Original:  original,
			CreatedAt: a.createdAt,
			UpdatedAt: a.updatedAt,
		}, nil
	}
	return imagevault.ReadyAsset{
		ID:        a.id,
		Path:      a.path,
		EntryID:   a.entryID,
		AltText:   a.altText,
		Labels:    a.labels,
		Tags:      a.tags,
		Variants:  variants,
		CreatedAt: a.createdAt,
		UpdatedAt: a.updatedAt,
	}, nil
}

func (r *Repository) originalVariant(ctx context.Context, path string, entryID int64) (imagevault.PendingVariant, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+variantColumns+`
		 FROM iv_variant WHERE asset_path = $1 AND asset_entry_id = $2 AND is_original`,
		path, entryID)
	if err != nil {
		return imagevault.PendingVariant{}, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return imagevault.PendingVariant{}, err
		}
		return imagevault.PendingVariant{}, imagevault.ErrVariantNotFound
	}
	pending, _, err := scanVariant(rows)
	return pending, err
}
