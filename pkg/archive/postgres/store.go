package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/taleweaver/pkg/archive"
)

// DefaultListLimit applies when [archive.ListOpts.Limit] is zero.
const DefaultListLimit = 50

var _ archive.Store = (*Store)(nil)

// Store is the PostgreSQL recap archive. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, pings it and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping implements [archive.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Save implements [archive.Store].
func (s *Store) Save(ctx context.Context, rec archive.Recap) error {
	const q = `
		INSERT INTO recaps
		    (id, source, chunk_count, gm_recap, player_story, result, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
		    source       = EXCLUDED.source,
		    chunk_count  = EXCLUDED.chunk_count,
		    gm_recap     = EXCLUDED.gm_recap,
		    player_story = EXCLUDED.player_story,
		    result       = EXCLUDED.result,
		    created_at   = EXCLUDED.created_at`

	result := rec.Result
	if len(result) == 0 {
		result = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, q,
		rec.ID,
		rec.Source,
		rec.ChunkCount,
		rec.GMRecap,
		rec.PlayerStory,
		string(result),
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save %q: %w", rec.ID, err)
	}
	return nil
}

// Get implements [archive.Store].
func (s *Store) Get(ctx context.Context, id string) (archive.Recap, error) {
	const q = `
		SELECT id, source, chunk_count, gm_recap, player_story, result::text, created_at
		FROM   recaps
		WHERE  id = $1`

	var (
		rec    archive.Recap
		result string
	)
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&rec.ID,
		&rec.Source,
		&rec.ChunkCount,
		&rec.GMRecap,
		&rec.PlayerStory,
		&result,
		&rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.Recap{}, fmt.Errorf("%w: %q", archive.ErrNotFound, id)
	}
	if err != nil {
		return archive.Recap{}, fmt.Errorf("postgres store: get %q: %w", id, err)
	}
	rec.Result = []byte(result)
	return rec, nil
}

// List implements [archive.Store]. The query is passed to plainto_tsquery so
// no operator syntax is required.
func (s *Store) List(ctx context.Context, opts archive.ListOpts) ([]archive.Recap, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if opts.Query != "" {
		conditions = append(conditions,
			"to_tsvector('english', gm_recap || ' ' || player_story) @@ plainto_tsquery('english', "+next(opts.Query)+")")
	}
	if opts.Source != "" {
		conditions = append(conditions, "source = "+next(opts.Source))
	}

	q := "SELECT id, source, chunk_count, gm_recap, player_story, created_at\n" +
		"FROM   recaps\n"
	if len(conditions) > 0 {
		q += "WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n"
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	q += "ORDER  BY created_at DESC\nLIMIT  " + next(limit)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list: %w", err)
	}
	recaps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (archive.Recap, error) {
		var r archive.Recap
		err := row.Scan(&r.ID, &r.Source, &r.ChunkCount, &r.GMRecap, &r.PlayerStory, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if recaps == nil {
		recaps = []archive.Recap{}
	}
	return recaps, nil
}
