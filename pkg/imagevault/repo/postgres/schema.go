package postgres

import (
	"context"
	"fmt"
)

// schemaStatements create the metadata tables. Entry ids are plain columns,
// not sequences: assignment is per path, enforced by the primary key.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS iv_asset (
		path VARCHAR(1024) NOT NULL,
		entry_id BIGINT NOT NULL,
		id UUID NOT NULL UNIQUE,
		alt_text VARCHAR(255) NOT NULL DEFAULT '',
		labels JSONB,
		tags TEXT[],
		ready BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (path, entry_id)
	)`,
	`CREATE INDEX IF NOT EXISTS iv_asset_stalled_idx ON iv_asset (created_at) WHERE NOT ready`,
	`CREATE TABLE IF NOT EXISTS iv_variant (
		id UUID NOT NULL UNIQUE,
		asset_path VARCHAR(1024) NOT NULL,
		asset_entry_id BIGINT NOT NULL,
		transformation JSONB NOT NULL,
		transformation_key VARCHAR(64) NOT NULL,
		attributes JSONB NOT NULL,
		bucket VARCHAR(255) NOT NULL,
		storage_key VARCHAR(1024) NOT NULL,
		is_original BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		uploaded_at TIMESTAMPTZ,
		PRIMARY KEY (asset_path, asset_entry_id, transformation_key),
		FOREIGN KEY (asset_path, asset_entry_id) REFERENCES iv_asset (path, entry_id)
	)`,
	`CREATE TABLE IF NOT EXISTS iv_outbox (
		id UUID PRIMARY KEY,
		event_type VARCHAR(50) NOT NULL,
		payload JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS iv_outbox_created_idx ON iv_outbox (created_at)`,
}

// Migrate creates the repository tables if they do not exist.
func Migrate(ctx context.Context, db DBTX) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
