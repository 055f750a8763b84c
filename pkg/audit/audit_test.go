package audit

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dominikletica/aaviondb/pkg/command"
)

type captureStore struct {
	entries []Entry
	err     error
}

func (c *captureStore) Record(_ context.Context, e Entry) error {
	if c.err != nil {
		return c.err
	}
	c.entries = append(c.entries, e)
	return nil
}

func (c *captureStore) Recent(context.Context, int) ([]Entry, error) { return c.entries, nil }
func (c *captureStore) Close() error                                 { return nil }

func TestSinkRecordsDispatchMetadata(t *testing.T) {
	store := &captureStore{}
	sink := NewSink(store)
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sink.clock = func() time.Time { return fixed }

	ctx := command.WithRequestMeta(context.Background(), command.RequestMeta{
		RequestID: "req-1",
		Client:    "10.0.0.9",
		Source:    "http",
	})
	sink.RecordCommand(ctx, "save", "ok", 1500*time.Millisecond, nil)

	require.Len(t, store.entries, 1)
	e := store.entries[0]
	assert.Equal(t, "save", e.Action)
	assert.Equal(t, "ok", e.Status)
	assert.Equal(t, int64(1500), e.DurationMS)
	assert.Equal(t, "10.0.0.9", e.Client)
	assert.Equal(t, "req-1", e.RequestID)
	assert.Equal(t, "2025-06-01T12:00:00Z", e.CreatedAt)
}

func TestSinkSwallowsStoreErrors(t *testing.T) {
	sink := NewSink(&captureStore{err: errors.New("disk full")})
	// Must not panic or propagate.
	sink.RecordCommand(context.Background(), "save", "error", time.Millisecond, nil)
}

func TestNullStore(t *testing.T) {
	var s Store = NullStore{}
	require.NoError(t, s.Record(context.Background(), Entry{Action: "save"}))
	entries, err := s.Recent(context.Background(), 5)
	require.NoError(t, err)
	assert.Nil(t, entries)
	require.NoError(t, s.Close())
}

func TestSQLiteStoreRecordAndRecent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS audit_entries")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewSQLiteStore(db)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_entries")).
		WithArgs("save", "ok", int64(42), "cli", "req-9", "2025-06-01T12:00:00Z").
		WillReturnResult(sqlmock.NewResult(1, 1))
	err = store.Record(context.Background(), Entry{
		Action:     "save",
		Status:     "ok",
		DurationMS: 42,
		Client:     "cli",
		RequestID:  "req-9",
		CreatedAt:  "2025-06-01T12:00:00Z",
	})
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"id", "action", "status", "duration_ms", "client", "request_id", "created_at"}).
		AddRow(2, "show", "ok", 7, "cli", "req-10", "2025-06-01T12:00:01Z").
		AddRow(1, "save", "ok", 42, "cli", "req-9", "2025-06-01T12:00:00Z")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, action, status, duration_ms, client, request_id, created_at")).
		WithArgs(20).
		WillReturnRows(rows)

	entries, err := store.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[0].ID)
	assert.Equal(t, "show", entries[0].Action)
	assert.Equal(t, int64(42), entries[1].DurationMS)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreRecordAndRecent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS audit_entries")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewPostgresStore(db)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_entries")).
		WithArgs("export", "ok", int64(120), "", "req-1", "2025-06-01T12:00:00Z").
		WillReturnResult(sqlmock.NewResult(1, 1))
	err = store.Record(context.Background(), Entry{
		Action:     "export",
		Status:     "ok",
		DurationMS: 120,
		RequestID:  "req-1",
		CreatedAt:  "2025-06-01T12:00:00Z",
	})
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"id", "action", "status", "duration_ms", "client", "request_id", "created_at"}).
		AddRow(1, "export", "ok", 120, nil, "req-1", "2025-06-01T12:00:00Z")
	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_entries ORDER BY id DESC LIMIT $1")).
		WithArgs(5).
		WillReturnRows(rows)

	entries, err := store.Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "export", entries[0].Action)
	assert.Equal(t, "", entries[0].Client)
	assert.NoError(t, mock.ExpectationsWereMet())
}