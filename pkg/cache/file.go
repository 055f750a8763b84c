package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dominikletica/aaviondb/pkg/fault"
)

// entry is the on-disk form of one cached value. ExpiresAt is a unix
// timestamp; zero means no expiry.
type entry struct {
	Key       string   `json:"key"`
	Value     any      `json:"value"`
	ExpiresAt int64    `json:"expires_at"`
	Tags      []string `json:"tags,omitempty"`
}

// FileStore keeps one <sha256(key)>.json per entry under a directory.
// Writes go through tmp+rename; expiry is enforced lazily on read.
type FileStore struct {
	dir    string
	clock  func() time.Time
	logger *slog.Logger
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithFileClock overrides the time source for tests.
func WithFileClock(clock func() time.Time) FileOption {
	return func(s *FileStore) { s.clock = clock }
}

// NewFileStore builds a store over dir, creating it if needed.
func NewFileStore(dir string, opts ...FileOption) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fault.Storage("create cache dir %s", dir).WithCause(err)
	}
	s := &FileStore{
		dir:    dir,
		clock:  time.Now,
		logger: slog.Default().With("component", "cache"),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *FileStore) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+".json")
}

// Get reads an entry, deleting it on the spot when expired.
func (s *FileStore) Get(key string, def any) (any, bool) {
	raw, err := os.ReadFile(s.path(key))
	if err != nil {
		return def, false
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// A torn or foreign file: drop it and miss.
		_ = os.Remove(s.path(key))
		return def, false
	}
	if e.ExpiresAt > 0 && e.ExpiresAt <= s.clock().Unix() {
		_ = os.Remove(s.path(key))
		return def, false
	}
	return e.Value, true
}

// Put writes an entry atomically (tmp then rename).
func (s *FileStore) Put(key string, value any, ttl time.Duration, tags ...string) error {
	e := entry{Key: key, Value: value, Tags: tags}
	if ttl > 0 {
		e.ExpiresAt = s.clock().Add(ttl).Unix()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fault.Internal("cache value for %q is not serializable", key).WithCause(err)
	}
	target := s.path(key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fault.Storage("write cache entry").WithCause(err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fault.Storage("rename cache entry").WithCause(err)
	}
	return nil
}

// Forget removes one entry.
func (s *FileStore) Forget(key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fault.Storage("remove cache entry").WithCause(err)
	}
	return nil
}

// Flush removes entries intersecting the tags, or every entry when no
// tags are given. Unreadable files are removed rather than skipped.
func (s *FileStore) Flush(tags ...string) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fault.Storage("scan cache dir").WithCause(err)
	}
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(s.dir, name)
		if len(tags) == 0 {
			_ = os.Remove(path)
			continue
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			_ = os.Remove(path)
			continue
		}
		if intersects(e.Tags, tags) {
			_ = os.Remove(path)
		}
	}
	return nil
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
