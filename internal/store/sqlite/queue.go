package sqlite

import (
	"context"
	"fmt"

	"runplane/internal/store"

	"github.com/google/uuid"
)

func (s *Store) Enqueue(ctx context.Context, tx store.DBTransaction, entry *store.QueueEntry) error {
	query := "INSERT INTO queue (id, owner, payload) VALUES (?, ?, ?) RETURNING seq"

	err := s.getExecutor(tx).QueryRowContext(ctx, query, entry.ID.String(), entry.Owner, string(entry.Payload)).Scan(&entry.Seq)
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", entry.ID, err)
	}
	return nil
}

func (s *Store) LoadQueue(ctx context.Context) ([]store.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT seq, id, owner, payload FROM queue ORDER BY seq ASC")
	if err != nil {
		return nil, fmt.Errorf("load queue query failed: %w", err)
	}
	defer rows.Close()

	var entries []store.QueueEntry
	for rows.Next() {
		var entry store.QueueEntry
		var id, payload string
		if err := rows.Scan(&entry.Seq, &id, &entry.Owner, &payload); err != nil {
			return nil, fmt.Errorf("load queue scan failed: %w", err)
		}
		if entry.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("load queue: invalid id %q: %w", id, err)
		}
		entry.Payload = []byte(payload)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load queue rows error: %w", err)
	}
	return entries, nil
}

func (s *Store) RemoveEntry(ctx context.Context, tx store.DBTransaction, id uuid.UUID) error {
	_, err := s.getExecutor(tx).ExecContext(ctx, "DELETE FROM queue WHERE id = ?", id.String())
	return err
}

func (s *Store) CountQueue(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM queue").Scan(&count)
	return count, err
}
