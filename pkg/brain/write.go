package brain

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/dominikletica/aaviondb/pkg/canonical"
	"github.com/dominikletica/aaviondb/pkg/fault"
)

// mutate runs fn against a clone of the brain at path and commits the
// result through the atomic write protocol. On an integrity failure the
// whole sequence (reload, re-apply, rewrite) runs once more; a second
// failure surfaces as a storage error. Callers hold r.mu.
func (r *Repository) mutate(path string, fn func(doc *Document) error) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		current, err := r.load(path)
		if err != nil {
			return err
		}
		working, err := clone(current)
		if err != nil {
			return err
		}
		if err := fn(working); err != nil {
			if errors.Is(err, errUnchanged) {
				return nil
			}
			return err
		}
		if err := r.writeDocument(path, working); err != nil {
			if fault.KindOf(err) == fault.KindStorage && attempt == 0 {
				lastErr = err
				delete(r.docs, path) // force a reload before the retry
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}

// writeDocument serializes doc canonically and commits it:
//
//  1. serialize via canonical JSON and hash the bytes;
//  2. take the per-brain advisory lock;
//  3. write <target>.tmp and fsync it;
//  4. re-read the tmp file and verify its SHA-256 against the pre-write
//     hash; a mismatch emits storage.integrity_failed and fails;
//  5. rename the tmp file over the target and emit
//     storage.write_completed.
//
// The target is never partially updated: rename-or-nothing. A stale .tmp
// left by an interrupted writer is simply overwritten by the next write.
func (r *Repository) writeDocument(path string, doc *Document) error {
	raw, err := canonical.Marshal(doc)
	if err != nil {
		return fault.Storage("serialize brain %s", filepath.Base(path)).WithCause(err)
	}
	expected := canonical.HashBytes(raw)

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fault.Storage("lock brain %s", filepath.Base(path)).WithCause(err)
	}
	defer func() {
		_ = lock.Unlock()
	}()

	tmp := path + ".tmp"
	if err := writeAndSync(tmp, raw); err != nil {
		return err
	}

	verify, err := os.ReadFile(tmp)
	if err != nil {
		return fault.Storage("verify read %s", tmp).WithCause(err)
	}
	if got := canonical.HashBytes(verify); got != expected {
		r.emit("storage.integrity_failed", map[string]any{
			"file":     path,
			"expected": expected,
			"actual":   got,
		})
		_ = os.Remove(tmp)
		return fault.Storage("integrity check failed for %s", filepath.Base(path)).
			WithMeta("reason", "integrity_failed")
	}

	if err := os.Rename(tmp, path); err != nil {
		return fault.Storage("rename %s", tmp).WithCause(err)
	}

	r.docs[path] = &cachedDoc{doc: doc, hash: expected}
	r.emit("storage.write_completed", map[string]any{
		"file":      path,
		"hash":      expected,
		"timestamp": r.now(),
	})
	return nil
}

func writeAndSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fault.Storage("open %s", path).WithCause(err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fault.Storage("write %s", path).WithCause(err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fault.Storage("fsync %s", path).WithCause(err)
	}
	if err := f.Close(); err != nil {
		return fault.Storage("close %s", path).WithCause(err)
	}
	return nil
}
