// Package audit persists a trail of executed commands. Recording is
// fire-and-forget: a failing sink is logged and never fails the command
// that triggered it.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/dominikletica/aaviondb/pkg/command"
)

// Entry is one recorded dispatch.
type Entry struct {
	ID         int64  `json:"id"`
	Action     string `json:"action"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Client     string `json:"client,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// Store persists audit entries. Implementations: SQLiteStore,
// PostgresStore, NullStore.
type Store interface {
	Record(ctx context.Context, e Entry) error
	Recent(ctx context.Context, n int) ([]Entry, error)
	Close() error
}

// NullStore drops everything. Used when the audit sink is disabled.
type NullStore struct{}

func (NullStore) Record(context.Context, Entry) error          { return nil }
func (NullStore) Recent(context.Context, int) ([]Entry, error) { return nil, nil }
func (NullStore) Close() error                                 { return nil }

// Sink adapts a Store to the command registry's outcome observer. Origin
// metadata (client, request id) is read from the dispatch context.
type Sink struct {
	store  Store
	logger *slog.Logger
	clock  func() time.Time
}

// NewSink wraps a store for attachment via Registry.AttachSink.
func NewSink(store Store) *Sink {
	return &Sink{
		store:  store,
		logger: slog.Default().With("component", "audit"),
		clock:  time.Now,
	}
}

// RecordCommand implements command.Sink.
func (s *Sink) RecordCommand(ctx context.Context, action, status string, duration time.Duration, _ map[string]any) {
	meta := command.RequestMetaFrom(ctx)
	entry := Entry{
		Action:     action,
		Status:     status,
		DurationMS: duration.Milliseconds(),
		Client:     meta.Client,
		RequestID:  meta.RequestID,
		CreatedAt:  s.clock().UTC().Format(time.RFC3339Nano),
	}
	if err := s.store.Record(ctx, entry); err != nil {
		s.logger.Warn("audit record failed", "action", action, "error", err)
	}
}