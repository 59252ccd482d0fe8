package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/imageflow/internal/domain"
)

// JobRepository is the audit trail of every job the service accepted.
type JobRepository interface {
	Create(ctx context.Context, snap domain.Snapshot, params domain.Params) error
	Finish(ctx context.Context, snap domain.Snapshot) error
	RecordExecution(ctx context.Context, exec *domain.Execution) error
	GetByID(ctx context.Context, id string) (*domain.Snapshot, error)
	ListByStatus(ctx context.Context, status domain.Status, limit int) ([]domain.Snapshot, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the JobRepository interface.
func NewRepository(pool *pgxpool.Pool) JobRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (r *repository) Create(ctx context.Context, snap domain.Snapshot, params domain.Params) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params for job %s: %w", snap.ID, err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO jobs
			(id, kind, prompt, image_number, params, status, created_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7)
	`,
		snap.ID, string(snap.Kind), params.Prompt, params.ImageNumber,
		raw, string(snap.Status), snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create job %s: %w", snap.ID, err)
	}
	return nil
}

// Finish stores the terminal state of a job.
func (r *repository) Finish(ctx context.Context, snap domain.Snapshot) error {
	results, err := json.Marshal(snap.Results)
	if err != nil {
		return fmt.Errorf("marshal results for job %s: %w", snap.ID, err)
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $1, results = $2, error = $3, started_at = $4, finished_at = $5
		WHERE id = $6
	`, string(snap.Status), results, snap.Error, snap.StartedAt, snap.FinishedAt, snap.ID)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", snap.ID, err)
	}
	return nil
}

func (r *repository) RecordExecution(ctx context.Context, exec *domain.Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.ExecutedAt.IsZero() {
		exec.ExecutedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO job_executions
			(id, job_id, status, duration_ms, result_count, error, executed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7)
	`,
		exec.ID, exec.TaskID, string(exec.Status), exec.DurationMs,
		exec.ResultCount, exec.Error, exec.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("record execution for job %s: %w", exec.TaskID, err)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id string) (*domain.Snapshot, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	row := r.pool.QueryRow(ctx, `
		SELECT id::text, kind, status, results, error, created_at, started_at, finished_at
		FROM jobs
		WHERE id = $1
	`, id)

	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return snap, err
}

func (r *repository) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]domain.Snapshot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, kind, status, results, error, created_at, started_at, finished_at
		FROM jobs
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status %s: %w", status, err)
	}
	defer rows.Close()

	snaps := []domain.Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *snap)
	}
	return snaps, rows.Err()
}

// scanSnapshot reads a job row from any pgx row type. Scan errors are
// wrapped, so errors.Is(err, pgx.ErrNoRows) still holds.
func scanSnapshot(row interface {
	Scan(...any) error
}) (*domain.Snapshot, error) {
	var (
		snap      domain.Snapshot
		kind      string
		status    string
		resultsJS []byte
	)
	err := row.Scan(
		&snap.ID, &kind, &status, &resultsJS, &snap.Error,
		&snap.CreatedAt, &snap.StartedAt, &snap.FinishedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	snap.Kind = domain.Kind(kind)
	snap.Status = domain.Status(status)
	if err := json.Unmarshal(resultsJS, &snap.Results); err != nil {
		return nil, fmt.Errorf("unmarshal results for job %s: %w", snap.ID, err)
	}
	return &snap, nil
}
