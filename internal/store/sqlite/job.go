package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"runplane/internal/store"

	"github.com/google/uuid"
)

const jobColumns = "id, owner, display_name, created_at, status, description, output_dir"

// CreateJob inserts a new job row. Timestamps are stored in UTC so the
// textual column sorts chronologically.
func (s *Store) CreateJob(ctx context.Context, tx store.DBTransaction, job *store.Job) error {
	query := `
		INSERT INTO jobs (id, owner, display_name, created_at, status, description, output_dir)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.getExecutor(tx).ExecContext(ctx, query,
		job.ID.String(),
		job.Owner,
		job.DisplayName,
		job.CreatedAt.UTC(),
		string(job.Status),
		job.Description,
		job.OutputDir,
	)
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE id = ?"

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, owner string) ([]store.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE owner = ? ORDER BY created_at DESC, rowid DESC"
	return s.queryJobs(ctx, query, owner)
}

func (s *Store) ListJobsByStatus(ctx context.Context, status store.JobStatus) ([]store.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE status = ? ORDER BY created_at ASC, rowid ASC"
	return s.queryJobs(ctx, query, string(status))
}

func (s *Store) queryJobs(ctx context.Context, query string, arg interface{}) ([]store.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []store.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}

	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*store.Job, error) {
	var job store.Job
	var id, status string
	if err := row.Scan(&id, &job.Owner, &job.DisplayName, &job.CreatedAt, &status, &job.Description, &job.OutputDir); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid job id %q: %w", id, err)
	}
	job.ID = parsed
	job.Status = store.JobStatus(status)
	return &job, nil
}

func (s *Store) UpdateStatus(ctx context.Context, tx store.DBTransaction, id uuid.UUID, status store.JobStatus) error {
	res, err := s.getExecutor(tx).ExecContext(ctx, "UPDATE jobs SET status = ? WHERE id = ?", string(status), id.String())
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

func (s *Store) DeleteJob(ctx context.Context, tx store.DBTransaction, id uuid.UUID) error {
	_, err := s.getExecutor(tx).ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id.String())
	return err
}
