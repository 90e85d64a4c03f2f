package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"runplane/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return &Store{db: db}, mock
}

func TestEnqueue_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	ctx := context.Background()
	entry := &store.QueueEntry{
		ID:      uuid.New(),
		Owner:   "u1",
		Payload: json.RawMessage(`{"name": "baseline"}`),
	}

	mock.ExpectQuery(`INSERT INTO queue`).
		WithArgs(entry.ID, "u1", []byte(entry.Payload)).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(42)))

	if err := s.Enqueue(ctx, nil, entry); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if entry.Seq != 42 {
		t.Errorf("got seq %d, want 42", entry.Seq)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestEnqueue_UsesTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	ctx := context.Background()
	entry := &store.QueueEntry{ID: uuid.New(), Owner: "u1", Payload: json.RawMessage(`{}`)}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO queue`).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(1)))
	mock.ExpectCommit()

	err := store.WithTx(ctx, s, func(tx store.DBTransaction) error {
		return s.Enqueue(ctx, tx, entry)
	})
	if err != nil {
		t.Fatalf("Enqueue in tx failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestEnqueue_Error(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	entry := &store.QueueEntry{ID: uuid.New(), Owner: "u1", Payload: json.RawMessage(`{}`)}

	mock.ExpectQuery(`INSERT INTO queue`).
		WillReturnError(errors.New("unique violation"))

	if err := s.Enqueue(context.Background(), nil, entry); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestLoadQueue_OrderedBySeq(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	id1, id2 := uuid.New(), uuid.New()

	mock.ExpectQuery(`SELECT seq, id, owner, payload FROM queue ORDER BY seq ASC`).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "id", "owner", "payload"}).
			AddRow(int64(1), id1.String(), "u1", []byte(`{"name":"a"}`)).
			AddRow(int64(2), id2.String(), "u2", []byte(`{"name":"b"}`)))

	entries, err := s.LoadQueue(context.Background())
	if err != nil {
		t.Fatalf("LoadQueue failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID != id1 || entries[1].ID != id2 {
		t.Errorf("entries out of order: %v, %v", entries[0].ID, entries[1].ID)
	}
	if string(entries[1].Payload) != `{"name":"b"}` {
		t.Errorf("unexpected payload %s", entries[1].Payload)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestLoadQueue_Empty(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT seq, id, owner, payload FROM queue`).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "id", "owner", "payload"}))

	entries, err := s.LoadQueue(context.Background())
	if err != nil {
		t.Fatalf("LoadQueue failed: %v", err)
	}
	if entries != nil {
		t.Errorf("expected nil slice, got %v", entries)
	}
}

func TestLoadQueue_QueryError(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT seq, id, owner, payload FROM queue`).
		WillReturnError(sql.ErrConnDone)

	if _, err := s.LoadQueue(context.Background()); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestRemoveEntry(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	id := uuid.New()
	mock.ExpectExec(`DELETE FROM queue WHERE id = \$1`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.RemoveEntry(context.Background(), nil, id); err != nil {
		t.Fatalf("RemoveEntry failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCountQueue(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM queue`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))

	count, err := s.CountQueue(context.Background())
	if err != nil {
		t.Fatalf("CountQueue failed: %v", err)
	}
	if count != 3 {
		t.Errorf("got %d, want 3", count)
	}
}
