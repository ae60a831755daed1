package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"
)

// Run and stage statuses written to the ledger.
const (
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusFailure   = "failure"
	StatusCancelled = "cancelled"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Run is one row of the sync_runs table.
type Run struct {
	ID         string
	UpdateTag  int64
	StartedAt  time.Time
	FinishedAt time.Time // zero while the run is in progress
	Status     string
	Error      string
}

// Store records sync runs and their stages in PostgreSQL.
type Store struct {
	pool  DBPool
	log   *zap.Logger
	newID func() string
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool:  pool,
		log:   logger.Named("store"),
		newID: uuid.NewString,
	}, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sync_runs (
        id          UUID PRIMARY KEY,
        update_tag  BIGINT NOT NULL,
        started_at  TIMESTAMPTZ NOT NULL,
        finished_at TIMESTAMPTZ,
        status      TEXT NOT NULL,
        error       TEXT
    );`,
	`CREATE TABLE IF NOT EXISTS sync_stages (
        run_id      UUID NOT NULL REFERENCES sync_runs(id) ON DELETE CASCADE,
        stage       TEXT NOT NULL,
        started_at  TIMESTAMPTZ NOT NULL,
        duration_ms BIGINT NOT NULL,
        status      TEXT NOT NULL,
        error       TEXT,
        PRIMARY KEY (run_id, stage)
    );`,
}

// EnsureSchema creates the ledger tables in a single transaction.
func (s *Store) EnsureSchema(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	for _, stmt := range schemaStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create ledger schema: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// StartRun inserts a running sync and returns its id.
func (s *Store) StartRun(ctx context.Context, updateTag int64, startedAt time.Time) (string, error) {
	sql := `
        INSERT INTO sync_runs (id, update_tag, started_at, status)
        VALUES ($1, $2, $3, $4);
    `
	id := s.newID()
	if _, err := s.pool.Exec(ctx, sql, id, updateTag, startedAt.UTC(), StatusRunning); err != nil {
		return "", fmt.Errorf("failed to insert sync run: %w", err)
	}
	return id, nil
}

// RecordStage stores the outcome of one stage.
func (s *Store) RecordStage(ctx context.Context, runID, stage string, startedAt time.Time, duration time.Duration, stageErr error) error {
	sql := `
        INSERT INTO sync_stages (run_id, stage, started_at, duration_ms, status, error)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (run_id, stage) DO UPDATE SET
            started_at = EXCLUDED.started_at,
            duration_ms = EXCLUDED.duration_ms,
            status = EXCLUDED.status,
            error = EXCLUDED.error;
    `
	if _, err := s.pool.Exec(ctx, sql, runID, stage, startedAt.UTC(), duration.Milliseconds(), status(stageErr), errText(stageErr)); err != nil {
		return fmt.Errorf("failed to record stage %s: %w", stage, err)
	}
	return nil
}

// FinishRun marks a run finished with the status derived from runErr.
func (s *Store) FinishRun(ctx context.Context, runID string, finishedAt time.Time, runErr error) error {
	sql := `
        UPDATE sync_runs
        SET finished_at = $2, status = $3, error = $4
        WHERE id = $1;
    `
	tag, err := s.pool.Exec(ctx, sql, runID, finishedAt.UTC(), status(runErr), errText(runErr))
	if err != nil {
		return fmt.Errorf("failed to finish sync run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sync run %s not found", runID)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `
        SELECT id, update_tag, started_at, finished_at, status, COALESCE(error, '')
        FROM sync_runs
        ORDER BY started_at DESC
        LIMIT $1;
    `
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var finished pgtype.Timestamptz
		if err := rows.Scan(&r.ID, &r.UpdateTag, &r.StartedAt, &finished, &r.Status, &r.Error); err != nil {
			return nil, fmt.Errorf("failed to scan sync run row: %w", err)
		}
		if finished.Valid {
			r.FinishedAt = finished.Time
		}
		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return runs, nil
}

func status(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, context.Canceled):
		return StatusCancelled
	default:
		return StatusFailure
	}
}

// errText maps a nil error to SQL NULL.
func errText(err error) any {
	if err == nil {
		return nil
	}
	return err.Error()
}
