// Package postgres persists completed job results into a Postgres table.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/insightops/fleetharvest/internal/fleet"
)

// Config controls the Postgres connection pool used for result rows.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type resultDB interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Ping(context.Context) error
	Close()
}

// Sink writes result rows into the job_results table.
type Sink struct {
	pool resultDB
}

// New creates a Postgres-backed result sink using the provided config.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Sink{pool: pool}, nil
}

// NewWithPool wraps an existing pool, mainly for tests.
func NewWithPool(pool resultDB) *Sink {
	return &Sink{pool: pool}
}

// Name implements fleet.ResultSink.
func (s *Sink) Name() string { return "postgres" }

// Write upserts one result row keyed by job id. Replays after a partial
// persistence pass are idempotent.
func (s *Sink) Write(ctx context.Context, job *fleet.Job) error {
	fields, err := json.Marshal(job.Result.Fields)
	if err != nil {
		return fmt.Errorf("marshal result fields: %w", err)
	}
	query := `
		INSERT INTO job_results (job_id, run_id, client_key, completed_at, fields, artifacts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id) DO UPDATE
		SET completed_at = EXCLUDED.completed_at,
		    fields = EXCLUDED.fields,
		    artifacts = EXCLUDED.artifacts;
	`
	completedAt := job.Timing.FinishedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, query,
		job.ID, job.RunID, job.ClientKey, completedAt, fields, job.Result.Artifacts)
	if err != nil {
		return fmt.Errorf("insert job result: %w", err)
	}
	return nil
}

// Healthcheck pings the database.
func (s *Sink) Healthcheck(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Sink) Close(context.Context) error {
	s.pool.Close()
	return nil
}
