package brain

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dominikletica/aaviondb/pkg/canonical"
	"github.com/dominikletica/aaviondb/pkg/fault"
)

// Backup snapshots a brain file into the backups directory. The filename
// carries the slug, a timestamp and an optional label; compress adds gzip
// and the .gz suffix. The returned hash is the canonical hash of the
// snapshotted document, which a later RestoreBackup reproduces exactly.
func (r *Repository) Backup(slug, label string, compress bool) (*BackupInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slug == "" {
		if r.active == "" {
			return nil, fault.Invalid("no active brain selected")
		}
		slug = r.active
	}
	source := r.brainFile(slug)
	raw, err := os.ReadFile(source)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.NotFound("brain %q not found", slug)
		}
		return nil, fault.Storage("read brain %q", slug).WithCause(err)
	}

	stamp := r.clock().UTC().Format("20060102-150405")
	name := slug + "-" + stamp
	if label != "" {
		cleaned := Slugify(label)
		if cleaned == "" {
			return nil, fault.Invalid("backup label %q reduces to an empty slug", label)
		}
		name += "-" + cleaned
	}
	name += ".brain"
	if compress {
		name += ".gz"
	}
	target := filepath.Join(r.locator.BackupsDir(), name)

	data := raw
	if compress {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(raw); err != nil {
			return nil, fault.Storage("compress backup").WithCause(err)
		}
		if err := gz.Close(); err != nil {
			return nil, fault.Storage("compress backup").WithCause(err)
		}
		data = buf.Bytes()
	}
	if err := writeAndSync(target+".tmp", data); err != nil {
		return nil, err
	}
	if err := os.Rename(target+".tmp", target); err != nil {
		return nil, fault.Storage("rename backup %s", target).WithCause(err)
	}

	info := &BackupInfo{
		Brain:      slug,
		File:       target,
		Hash:       canonical.HashBytes(raw),
		Size:       int64(len(data)),
		Compressed: compress,
		CreatedAt:  r.now(),
	}
	r.logger.Info("backup written", "brain", slug, "file", target, "compressed", compress)
	return info, nil
}

// ListBackups enumerates the backup files for a slug (or all slugs when
// empty), newest first by filename.
func (r *Repository) ListBackups(slug string) ([]map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := os.ReadDir(r.locator.BackupsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []map[string]any{}, nil
		}
		return nil, fault.Storage("list backups").WithCause(err)
	}
	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.Contains(name, ".brain") {
			continue
		}
		if slug != "" && !strings.HasPrefix(name, slug+"-") {
			continue
		}
		info, _ := entry.Info()
		var size int64
		if info != nil {
			size = info.Size()
		}
		out = append(out, map[string]any{
			"file":       filepath.Join(r.locator.BackupsDir(), name),
			"name":       name,
			"size":       size,
			"compressed": strings.HasSuffix(name, ".gz"),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i]["name"].(string) > out[j]["name"].(string)
	})
	return out, nil
}

// RestoreBackup replaces a brain with the contents of a backup file. The
// file is parsed and integrity-checked before the document goes through
// the normal write protocol, so a truncated or tampered backup never
// reaches the target.
func (r *Repository) RestoreBackup(slug, file string) (*BrainSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ValidateSlug("brain", slug); err != nil {
		return nil, err
	}
	if !filepath.IsAbs(file) {
		file = filepath.Join(r.locator.BackupsDir(), file)
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.NotFound("backup file %q not found", filepath.Base(file))
		}
		return nil, fault.Storage("read backup %q", file).WithCause(err)
	}
	if strings.HasSuffix(file, ".gz") {
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fault.Invalid("backup %q is not valid gzip", filepath.Base(file)).WithCause(err)
		}
		raw, err = io.ReadAll(gz)
		if err != nil {
			return nil, fault.Invalid("backup %q is truncated", filepath.Base(file)).WithCause(err)
		}
		if err := gz.Close(); err != nil {
			return nil, fault.Invalid("backup %q is truncated", filepath.Base(file)).WithCause(err)
		}
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fault.Invalid("backup %q is not a brain document", filepath.Base(file)).WithCause(err)
	}
	normalizeDocument(&doc)
	if slug == SystemBrain && doc.Auth == nil {
		return nil, fault.Invalid("backup %q is not a system brain", filepath.Base(file))
	}
	doc.Meta.Slug = slug

	target := r.brainFile(slug)
	if err := r.writeDocument(target, &doc); err != nil {
		return nil, err
	}
	r.logger.Info("backup restored", "brain", slug, "file", file)
	return r.brainSummary(slug)
}

func fileHashAndSize(path string) (string, int64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", 0, err
	}
	return canonical.HashBytes(raw), int64(len(raw)), nil
}
