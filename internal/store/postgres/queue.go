package postgres

import (
	"context"
	"fmt"

	"runplane/internal/store"

	"github.com/google/uuid"
)

// Enqueue adds a not-yet-started job to the queue table.
func (s *Store) Enqueue(ctx context.Context, tx store.DBTransaction, entry *store.QueueEntry) error {
	query := `
		INSERT INTO queue (id, owner, payload)
		VALUES ($1, $2, $3)
		RETURNING seq
	`

	err := s.getExecutor(tx).QueryRowContext(ctx, query, entry.ID, entry.Owner, []byte(entry.Payload)).Scan(&entry.Seq)
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", entry.ID, err)
	}

	return nil
}

// LoadQueue returns every persisted entry in insertion order.
func (s *Store) LoadQueue(ctx context.Context) ([]store.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT seq, id, owner, payload FROM queue ORDER BY seq ASC")
	if err != nil {
		return nil, fmt.Errorf("load queue query failed: %w", err)
	}
	defer rows.Close()

	var entries []store.QueueEntry
	for rows.Next() {
		var entry store.QueueEntry
		var payload []byte
		if err := rows.Scan(&entry.Seq, &entry.ID, &entry.Owner, &payload); err != nil {
			return nil, fmt.Errorf("load queue scan failed: %w", err)
		}
		entry.Payload = payload
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load queue rows error: %w", err)
	}

	return entries, nil
}

// RemoveEntry deletes a queue entry.
func (s *Store) RemoveEntry(ctx context.Context, tx store.DBTransaction, id uuid.UUID) error {
	_, err := s.getExecutor(tx).ExecContext(ctx, "DELETE FROM queue WHERE id = $1", id)
	return err
}

// CountQueue returns the number of persisted entries.
func (s *Store) CountQueue(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM queue").Scan(&count)
	return count, err
}
