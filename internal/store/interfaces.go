package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
}

// TxBeginner opens scoped transactional units.
type TxBeginner interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// JobStore handles the persistence of job records.
type JobStore interface {
	// CreateJob inserts a new job record.
	CreateJob(ctx context.Context, tx DBTransaction, job *Job) error

	// GetJob returns a job by its ID, or ErrNotFound.
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)

	// ListJobs returns the owner's jobs, newest first.
	ListJobs(ctx context.Context, owner string) ([]Job, error)

	// ListJobsByStatus returns every job in the given status regardless of owner.
	ListJobsByStatus(ctx context.Context, status JobStatus) ([]Job, error)

	// UpdateStatus persists a status transition.
	UpdateStatus(ctx context.Context, tx DBTransaction, id uuid.UUID, status JobStatus) error

	// DeleteJob removes a job record. Deleting a missing job is not an error.
	DeleteJob(ctx context.Context, tx DBTransaction, id uuid.UUID) error
}

// QueueStore persists not-yet-started jobs so the in-memory queue can be
// rebuilt after a restart.
type QueueStore interface {
	// Enqueue persists an entry. It must run in the same transaction as CreateJob.
	Enqueue(ctx context.Context, tx DBTransaction, entry *QueueEntry) error

	// LoadQueue returns every persisted entry in insertion order.
	LoadQueue(ctx context.Context) ([]QueueEntry, error)

	// RemoveEntry deletes an entry. Removing a missing entry is not an error.
	RemoveEntry(ctx context.Context, tx DBTransaction, id uuid.UUID) error

	// CountQueue tracks count of items in queue
	CountQueue(ctx context.Context) (int64, error)
}

// Store combines everything the service layer needs from a backend.
type Store interface {
	TxBeginner
	Ping(ctx context.Context) error
	Close() error
	JobStore
	QueueStore
}

// WithTx runs fn inside a transaction: begin, operate, commit, and roll back
// when fn returns an error or panics.
func WithTx(ctx context.Context, b TxBeginner, fn func(tx DBTransaction) error) (err error) {
	tx, err := b.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
