package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"runplane/internal/store"

	"github.com/google/uuid"
)

const jobColumns = "id, owner, display_name, created_at, status, description, output_dir"

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, tx store.DBTransaction, job *store.Job) error {
	query := `
		INSERT INTO jobs (id, owner, display_name, created_at, status, description, output_dir)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.getExecutor(tx).ExecContext(ctx, query,
		job.ID,
		job.Owner,
		job.DisplayName,
		job.CreatedAt,
		job.Status,
		job.Description,
		job.OutputDir,
	)
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob returns a job by its ID.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE id = $1"

	var job store.Job
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&job.ID, &job.Owner, &job.DisplayName, &job.CreatedAt,
		&job.Status, &job.Description, &job.OutputDir,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &job, nil
}

// ListJobs returns the owner's jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, owner string) ([]store.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE owner = $1 ORDER BY created_at DESC"
	return s.queryJobs(ctx, query, owner)
}

// ListJobsByStatus returns every job in the given status.
func (s *Store) ListJobsByStatus(ctx context.Context, status store.JobStatus) ([]store.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE status = $1 ORDER BY created_at ASC"
	return s.queryJobs(ctx, query, status)
}

func (s *Store) queryJobs(ctx context.Context, query string, arg interface{}) ([]store.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []store.Job
	for rows.Next() {
		var job store.Job
		if err := rows.Scan(
			&job.ID, &job.Owner, &job.DisplayName, &job.CreatedAt,
			&job.Status, &job.Description, &job.OutputDir,
		); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// UpdateStatus persists a status transition.
func (s *Store) UpdateStatus(ctx context.Context, tx store.DBTransaction, id uuid.UUID, status store.JobStatus) error {
	res, err := s.getExecutor(tx).ExecContext(ctx, "UPDATE jobs SET status = $1 WHERE id = $2", status, id)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteJob removes a job row.
func (s *Store) DeleteJob(ctx context.Context, tx store.DBTransaction, id uuid.UUID) error {
	_, err := s.getExecutor(tx).ExecContext(ctx, "DELETE FROM jobs WHERE id = $1", id)
	return err
}
