// Package postgres provides Postgres-backed persistence implementations.
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

	"github.com/insightops/fleetharvest/internal/store"
)

// AuditStoreConfig controls the Postgres connection pool used for job history.
type AuditStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type auditDB interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// AuditStore implements the store.AuditRepository interface using Postgres.
type AuditStore struct {
	pool auditDB
}

// NewAuditStore creates a Postgres-backed AuditStore using the provided config.
func NewAuditStore(ctx context.Context, cfg AuditStoreConfig) (*AuditStore, error) {
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
	return &AuditStore{pool: pool}, nil
}

// NewAuditStoreWithPool wraps an existing pool, mainly for tests.
func NewAuditStoreWithPool(pool auditDB) *AuditStore {
	return &AuditStore{pool: pool}
}

// Close closes the underlying connection pool.
func (s *AuditStore) Close() {
	s.pool.Close()
}

// Ping verifies connectivity; used by readiness checks.
func (s *AuditStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("audit store ping: %w", err)
	}
	return nil
}

// UpsertJobStart inserts or refreshes a job's running row. Retried attempts
// re-upsert the same job id with the newer attempt count.
func (s *AuditStore) UpsertJobStart(ctx context.Context, rec store.JobRecord) error {
	query := `
		INSERT INTO job_history (job_id, run_id, client_key, started_at, outcome, attempts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id) DO UPDATE
		SET outcome = EXCLUDED.outcome, attempts = EXCLUDED.attempts;
	`
	_, err := s.pool.Exec(ctx, query,
		rec.JobID, rec.RunID, rec.ClientKey, rec.StartedAt, store.OutcomeRunning, rec.Attempts)
	if err != nil {
		return fmt.Errorf("failed to upsert job start: %w", err)
	}
	return nil
}

// CompleteJob marks a job terminal with its outcome and attempts.
func (s *AuditStore) CompleteJob(
	ctx context.Context,
	jobID uuid.UUID,
	finishedAt time.Time,
	outcome store.JobOutcome,
	attempts int,
	errMsg *string,
) error {
	query := `
		UPDATE job_history
		SET finished_at = $1, outcome = $2, attempts = $3, error_message = $4
		WHERE job_id = $5;
	`
	_, err := s.pool.Exec(ctx, query, finishedAt, outcome, attempts, errMsg, jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// GetJob retrieves a single job record by its ID.
func (s *AuditStore) GetJob(ctx context.Context, jobID uuid.UUID) (store.JobRecord, error) {
	query := `
		SELECT job_id, run_id, client_key, started_at, finished_at, outcome, attempts, error_message
		FROM job_history
		WHERE job_id = $1;
	`
	var rec store.JobRecord
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&rec.JobID,
		&rec.RunID,
		&rec.ClientKey,
		&rec.StartedAt,
		&rec.FinishedAt,
		&rec.Outcome,
		&rec.Attempts,
		&rec.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.JobRecord{}, store.ErrNotFound
		}
		return store.JobRecord{}, fmt.Errorf("failed to get job: %w", err)
	}
	return rec, nil
}

// ListRunJobs retrieves job records for one run, newest first.
func (s *AuditStore) ListRunJobs(ctx context.Context, runID string, limit, offset int) ([]store.JobRecord, error) {
	query := `
		SELECT job_id, run_id, client_key, started_at, finished_at, outcome, attempts, error_message
		FROM job_history
		WHERE run_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list run jobs: %w", err)
	}
	defer rows.Close()

	var recs []store.JobRecord
	for rows.Next() {
		var rec store.JobRecord
		if err := rows.Scan(
			&rec.JobID,
			&rec.RunID,
			&rec.ClientKey,
			&rec.StartedAt,
			&rec.FinishedAt,
			&rec.Outcome,
			&rec.Attempts,
			&rec.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job rows: %w", err)
	}
	return recs, nil
}
