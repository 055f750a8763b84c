// Package paths resolves the on-disk layout of an AavionDB data directory
// and ensures it exists. All components obtain file locations through the
// Locator so the layout is defined in exactly one place.
package paths

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dominikletica/aaviondb/pkg/fault"
)

// Locator maps a configured root directory to every storage location the
// engine uses. The zero value is not usable; construct with New.
type Locator struct {
	root string

	backups string
	exports string
	logs    string
}

// Option overrides a derived location with an absolute path.
type Option func(*Locator)

// WithBackupsDir overrides the backups directory.
func WithBackupsDir(dir string) Option {
	return func(l *Locator) {
		if dir != "" {
			l.backups = dir
		}
	}
}

// WithExportsDir overrides the exports directory.
func WithExportsDir(dir string) Option {
	return func(l *Locator) {
		if dir != "" {
			l.exports = dir
		}
	}
}

// WithLogsDir overrides the logs directory.
func WithLogsDir(dir string) Option {
	return func(l *Locator) {
		if dir != "" {
			l.logs = dir
		}
	}
}

// New builds a Locator rooted at dir.
func New(root string, opts ...Option) *Locator {
	l := &Locator{
		root:    root,
		backups: filepath.Join(root, "backups"),
		exports: filepath.Join(root, "exports"),
		logs:    filepath.Join(root, "logs"),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Root returns the configured data root.
func (l *Locator) Root() string { return l.root }

// SystemDir holds the system brain.
func (l *Locator) SystemDir() string { return filepath.Join(l.root, "system") }

// SystemBrainFile is the single process-wide system brain document.
func (l *Locator) SystemBrainFile() string {
	return filepath.Join(l.SystemDir(), "system.brain")
}

// UserBrainsDir holds one .brain file per user brain.
func (l *Locator) UserBrainsDir() string { return filepath.Join(l.root, "brains") }

// UserBrainFile locates a user brain by slug.
func (l *Locator) UserBrainFile(slug string) string {
	return filepath.Join(l.UserBrainsDir(), slug+".brain")
}

// BackupsDir holds timestamped or labeled brain snapshots.
func (l *Locator) BackupsDir() string { return l.backups }

// ExportsDir receives rendered export bundles.
func (l *Locator) ExportsDir() string { return l.exports }

// LogsDir receives the optional JSON log file.
func (l *Locator) LogsDir() string { return l.logs }

// CacheDir backs the TTL cache store.
func (l *Locator) CacheDir() string { return filepath.Join(l.root, "cache") }

// SystemModulesDir holds system-scope module manifests.
func (l *Locator) SystemModulesDir() string {
	return filepath.Join(l.root, "modules", "system")
}

// UserModulesDir holds user-scope module manifests.
func (l *Locator) UserModulesDir() string {
	return filepath.Join(l.root, "modules", "user")
}

// EnsureLayout creates every directory idempotently. Partial layouts are
// completed; existing directories are left untouched.
func (l *Locator) EnsureLayout() error {
	dirs := []string{
		l.root,
		l.SystemDir(),
		l.UserBrainsDir(),
		l.BackupsDir(),
		l.ExportsDir(),
		l.LogsDir(),
		l.CacheDir(),
		l.SystemModulesDir(),
		l.UserModulesDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fault.Storage("ensure layout: %s", dir).WithCause(err)
		}
	}
	return nil
}

// Verify reports whether the layout exists and is writable, without
// creating anything. Used by diagnostics.
func (l *Locator) Verify() error {
	info, err := os.Stat(l.root)
	if err != nil {
		return fault.Storage("data root missing: %s", l.root).WithCause(err)
	}
	if !info.IsDir() {
		return fault.Storage("data root is not a directory: %s", l.root)
	}
	probe := filepath.Join(l.root, ".aaviondb-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fault.Storage("data root not writable: %s", l.root).WithCause(err)
	}
	if err := os.Remove(probe); err != nil {
		return fault.Storage(fmt.Sprintf("probe cleanup failed: %s", probe)).WithCause(err)
	}
	return nil
}
