// Package store persists pipeline runs and their stage records to Postgres
// (pipeline_run, pipeline_run_stage) so runs can be monitored and diagnosed
// after the fact. Attach a Store as an Observer for live progress, or call
// SaveReport with a sealed report at the end of a run.
package store

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avaskys/reportpipe/pipeline"
)

//go:embed migration.sql
var migrationSQL string

// Store writes run state to Postgres. Its Observer hooks never fail the run:
// database errors are logged and dropped.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// New returns a store backed by the given pool, logging through logger
// (slog.Default when nil).
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, log: logger}
}

// Migrate creates the run tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, migrationSQL); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// PipelineStarted implements pipeline.Observer. Inserts the run row with
// status 'running'.
func (s *Store) PipelineStarted(ctx context.Context, runID, name string) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_run (run_id, pipeline, status)
		VALUES ($1, $2, 'running')
		ON CONFLICT (run_id) DO NOTHING`,
		runID, name)
	if err != nil {
		s.log.Warn("store: insert run", "run_id", runID, "error", err)
	}
}

// PipelineFinished implements pipeline.Observer. Updates the run row with
// the final status and terminal error.
func (s *Store) PipelineFinished(ctx context.Context, runID string, report *pipeline.Report) {
	_, err := s.pool.Exec(ctx, `
		UPDATE pipeline_run
		SET status = $2, error = $3, finished_at = now()
		WHERE run_id = $1`,
		runID, string(report.Outcome()), errText(report.Err()))
	if err != nil {
		s.log.Warn("store: finish run", "run_id", runID, "error", err)
	}
}

// StageStarted implements pipeline.Observer. Attempt starts are not
// persisted; the per-stage attempt count lands in StageFinished.
func (s *Store) StageStarted(ctx context.Context, runID, stage string, attempt int) {}

// StageFinished implements pipeline.Observer. Inserts the stage record.
func (s *Store) StageFinished(ctx context.Context, runID string, rec pipeline.StageRecord) {
	if err := s.insertStage(ctx, s.pool, runID, rec); err != nil {
		s.log.Warn("store: insert stage", "run_id", runID, "stage", rec.Stage, "error", err)
	}
}

// SaveReport persists a sealed report wholesale: the run row plus one row per
// stage record, in a single transaction. Use it when the run was executed
// without a live Store observer.
func (s *Store) SaveReport(ctx context.Context, report *pipeline.Report) error {
	if !report.Sealed() {
		return fmt.Errorf("store: report for run %s is not sealed", report.RunID())
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO pipeline_run (run_id, pipeline, status, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id) DO UPDATE
		SET status = EXCLUDED.status, error = EXCLUDED.error, finished_at = EXCLUDED.finished_at`,
		report.RunID(), report.Pipeline(), string(report.Outcome()),
		errText(report.Err()), report.StartedAt(), report.FinishedAt())
	if err != nil {
		return fmt.Errorf("store: save run %s: %w", report.RunID(), err)
	}
	for _, rec := range report.Records() {
		if err := s.insertStage(ctx, tx, report.RunID(), rec); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *Store) insertStage(ctx context.Context, db execer, runID string, rec pipeline.StageRecord) error {
	_, err := db.Exec(ctx, `
		INSERT INTO pipeline_run_stage (run_id, stage, attempts, duration_ms, outcome, error)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, stage) DO UPDATE
		SET attempts = EXCLUDED.attempts, duration_ms = EXCLUDED.duration_ms,
		    outcome = EXCLUDED.outcome, error = EXCLUDED.error`,
		runID, rec.Stage, rec.Attempts, rec.Duration.Milliseconds(),
		string(rec.Outcome), errText(rec.Err))
	if err != nil {
		return fmt.Errorf("store: save stage %s/%s: %w", runID, rec.Stage, err)
	}
	return nil
}

// RunRow is one persisted pipeline run.
type RunRow struct {
	RunID      string
	Pipeline   string
	Status     string
	Error      pgtype.Text
	StartedAt  time.Time
	FinishedAt pgtype.Timestamptz
}

// StageRow is one persisted stage record.
type StageRow struct {
	RunID      string
	Stage      string
	Attempts   int
	DurationMs int64
	Outcome    string
	Error      pgtype.Text
}

// GetRun returns the run row and its stage records in execution order.
func (s *Store) GetRun(ctx context.Context, runID string) (RunRow, []StageRow, error) {
	var run RunRow
	err := s.pool.QueryRow(ctx, `
		SELECT run_id, pipeline, status, error, started_at, finished_at
		FROM pipeline_run WHERE run_id = $1`, runID).
		Scan(&run.RunID, &run.Pipeline, &run.Status, &run.Error, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		return RunRow{}, nil, fmt.Errorf("store: get run %s: %w", runID, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT run_id, stage, attempts, duration_ms, outcome, error
		FROM pipeline_run_stage WHERE run_id = $1 ORDER BY recorded_at`, runID)
	if err != nil {
		return RunRow{}, nil, fmt.Errorf("store: get run stages %s: %w", runID, err)
	}
	stages, err := pgx.CollectRows(rows, pgx.RowToStructByPos[StageRow])
	if err != nil {
		return RunRow{}, nil, fmt.Errorf("store: scan run stages %s: %w", runID, err)
	}
	return run, stages, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, pipeline, status, error, started_at, finished_at
		FROM pipeline_run ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, pgx.RowToStructByPos[RunRow])
	if err != nil {
		return nil, fmt.Errorf("store: scan runs: %w", err)
	}
	return runs, nil
}

func errText(err error) pgtype.Text {
	if err == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: err.Error(), Valid: true}
}

// Ensure Store implements pipeline.Observer.
var _ pipeline.Observer = (*Store)(nil)
