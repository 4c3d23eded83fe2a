package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrNotFound is returned when a requested row cannot be located.
var ErrNotFound = errors.New("ledger: not found")

// Store persists CIS bulk jobs in Postgres.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// OpenPostgres opens a pgx-backed database handle and verifies connectivity.
func OpenPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// RecordBulkJob inserts a newly submitted job in SUBMITTED state unless explicitly provided.
func (s *Store) RecordBulkJob(ctx context.Context, job BulkJob) (BulkJob, error) {
	if job.JobID == "" {
		return BulkJob{}, errors.New("job id required")
	}
	if job.Quantity <= 0 {
		return BulkJob{}, errors.New("quantity must be > 0")
	}
	if job.State == "" {
		job.State = JobStateSubmitted
	}
	if job.Operation == "" {
		job.Operation = "reserve"
	}

	err := s.db.QueryRowContext(ctx, `
INSERT INTO bulk_jobs (job_id, request_id, operation, namespace, partition_id, quantity, state)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING submitted_at, updated_at
`, job.JobID, nullableString(job.RequestID), job.Operation, job.Namespace, job.PartitionID, job.Quantity, job.State).Scan(&job.SubmittedAt, &job.UpdatedAt)
	if err != nil {
		return BulkJob{}, fmt.Errorf("record bulk job %s: %w", job.JobID, err)
	}
	return job, nil
}

// TransitionBulkJob enforces the bulk job state machine using row-level locking.
func (s *Store) TransitionBulkJob(ctx context.Context, jobID string, next JobState, detail string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current JobState
		if err := tx.QueryRowContext(ctx, `SELECT state FROM bulk_jobs WHERE job_id = $1 FOR UPDATE`, jobID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: bulk job %s", ErrNotFound, jobID)
			}
			return err
		}

		if err := validateJobTransition(jobID, current, next); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `UPDATE bulk_jobs SET state = $2, detail = $3, updated_at = NOW() WHERE job_id = $1`, jobID, next, nullableString(detail))
		return err
	})
}

// GetBulkJob returns a single job by CIS job ID.
func (s *Store) GetBulkJob(ctx context.Context, jobID string) (BulkJob, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT job_id, request_id, operation, namespace, partition_id, quantity, state, detail, submitted_at, updated_at
FROM bulk_jobs
WHERE job_id = $1
`, jobID)
	job, err := scanBulkJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BulkJob{}, fmt.Errorf("%w: bulk job %s", ErrNotFound, jobID)
		}
		return BulkJob{}, err
	}
	return job, nil
}

// ListBulkJobsByState returns jobs in the given state submitted at or after since, newest first.
func (s *Store) ListBulkJobsByState(ctx context.Context, state JobState, since time.Time, limit int) ([]BulkJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT job_id, request_id, operation, namespace, partition_id, quantity, state, detail, submitted_at, updated_at
FROM bulk_jobs
WHERE state = $1
  AND submitted_at >= $2
ORDER BY submitted_at DESC
LIMIT $3
`, state, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []BulkJob
	for rows.Next() {
		job, err := scanBulkJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBulkJob(row rowScanner) (BulkJob, error) {
	var job BulkJob
	var requestID sql.NullString
	var detail sql.NullString
	if err := row.Scan(&job.JobID, &requestID, &job.Operation, &job.Namespace, &job.PartitionID, &job.Quantity, &job.State, &detail, &job.SubmittedAt, &job.UpdatedAt); err != nil {
		return BulkJob{}, err
	}
	if requestID.Valid {
		job.RequestID = requestID.String
	}
	if detail.Valid {
		job.Detail = detail.String
	}
	return job, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
