package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// installLogging wires the process logger: a text handler on stderr,
// plus a JSON handler appending to path when one is configured. Returns
// the open log file so Close can release it, nil when none.
func installLogging(path string) io.Closer {
	text := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	if path == "" {
		slog.SetDefault(slog.New(text))
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		slog.SetDefault(slog.New(text))
		slog.Warn("log file unavailable, stderr only", "path", path, "error", err)
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.SetDefault(slog.New(text))
		slog.Warn("log file unavailable, stderr only", "path", path, "error", err)
		return nil
	}
	file := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(teeHandler{text, file}))
	return f
}

// teeHandler fans records out to two handlers. Enabled when either side
// is; attribute and group state is forwarded to both.
type teeHandler struct {
	a, b slog.Handler
}

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return t.a.Enabled(ctx, level) || t.b.Enabled(ctx, level)
}

func (t teeHandler) Handle(ctx context.Context, rec slog.Record) error {
	var errs []error
	if t.a.Enabled(ctx, rec.Level) {
		if err := t.a.Handle(ctx, rec.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	if t.b.Enabled(ctx, rec.Level) {
		if err := t.b.Handle(ctx, rec.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return teeHandler{t.a.WithAttrs(attrs), t.b.WithAttrs(attrs)}
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	return teeHandler{t.a.WithGroup(name), t.b.WithGroup(name)}
}
