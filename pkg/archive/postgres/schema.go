// Package postgres provides a PostgreSQL-backed [archive.Store].
//
// All recaps live in one table with a GIN full-text index over the GM recap
// and the player story. [Migrate] creates it and is run by [NewStore].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Save(ctx, rec)
//	recaps, _ := store.List(ctx, archive.ListOpts{Query: "crypt"})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlRecaps = `
CREATE TABLE IF NOT EXISTS recaps (
    id           TEXT         PRIMARY KEY,
    source       TEXT         NOT NULL DEFAULT '',
    chunk_count  INTEGER      NOT NULL DEFAULT 0,
    gm_recap     TEXT         NOT NULL DEFAULT '',
    player_story TEXT         NOT NULL DEFAULT '',
    result       JSONB        NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_recaps_source
    ON recaps (source);

CREATE INDEX IF NOT EXISTS idx_recaps_created_at
    ON recaps (created_at DESC);

CREATE INDEX IF NOT EXISTS idx_recaps_fts
    ON recaps USING GIN (to_tsvector('english', gm_recap || ' ' || player_story));
`

// Migrate creates the recaps table and its indexes. It is idempotent and
// safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlRecaps); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
