// Package postgres stores outcomes in a PostgreSQL "outcomes" table.
//
// Scalar fields get their own columns for querying; defect names, counts and
// the full artifact bundle are kept as JSONB. Saving a sample ID again
// replaces the earlier row.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/colloquy/internal/pool"
	"github.com/MrWong99/colloquy/internal/resultstore"
)

const ddlOutcomes = `
CREATE TABLE IF NOT EXISTS outcomes (
    sample_id    TEXT              PRIMARY KEY,
    model        TEXT              NOT NULL DEFAULT '',
    status       TEXT              NOT NULL,
    error        TEXT              NOT NULL DEFAULT '',
    final_score  DOUBLE PRECISION,
    latency_ns   BIGINT            NOT NULL DEFAULT 0,
    started_at   TIMESTAMPTZ,
    defects      JSONB             NOT NULL DEFAULT '{}',
    counts       JSONB             NOT NULL DEFAULT '{}',
    artifacts    JSONB,
    saved_at     TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_outcomes_model_status
    ON outcomes (model, status);
`

const upsertOutcome = `
INSERT INTO outcomes
    (sample_id, model, status, error, final_score, latency_ns, started_at, defects, counts, artifacts)
VALUES
    ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (sample_id) DO UPDATE SET
    model       = EXCLUDED.model,
    status      = EXCLUDED.status,
    error       = EXCLUDED.error,
    final_score = EXCLUDED.final_score,
    latency_ns  = EXCLUDED.latency_ns,
    started_at  = EXCLUDED.started_at,
    defects     = EXCLUDED.defects,
    counts      = EXCLUDED.counts,
    artifacts   = EXCLUDED.artifacts,
    saved_at    = now()
`

// Store is the PostgreSQL outcome sink. It is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Compile-time interface assertions.
var (
	_ resultstore.Store   = (*Store)(nil)
	_ resultstore.Checker = (*Store)(nil)
)

// NewStore connects to dsn, pings the server and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, p); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: p}, nil
}

// Migrate creates the outcomes table and its index. It is idempotent and
// safe to call on every start.
func Migrate(ctx context.Context, p *pgxpool.Pool) error {
	if _, err := p.Exec(ctx, ddlOutcomes); err != nil {
		return fmt.Errorf("postgres store: create outcomes: %w", err)
	}
	return nil
}

// Save implements [resultstore.Store].
func (s *Store) Save(ctx context.Context, o pool.Outcome) error {
	var startedAt any
	if !o.StartedAt.IsZero() {
		startedAt = o.StartedAt
	}
	var artifacts any
	if o.Artifacts != nil {
		artifacts = o.Artifacts
	}
	_, err := s.pool.Exec(ctx, upsertOutcome,
		o.SampleID,
		o.Model,
		string(o.Status),
		o.Error,
		o.FinalScore,
		o.Latency.Nanoseconds(),
		startedAt,
		o.Defects,
		o.Counts,
		artifacts,
	)
	if err != nil {
		return fmt.Errorf("postgres store: upsert %s: %w", o.SampleID, err)
	}
	return nil
}

// Check pings the database.
func (s *Store) Check(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
