package brain

import (
	"fmt"

	"github.com/dominikletica/aaviondb/pkg/canonical"
	"github.com/dominikletica/aaviondb/pkg/fault"
)

// IntegrityReport verifies a brain bottom-up: every version's stored hash
// must equal the canonical hash of its payload (and its commit), at most
// one version per entity may be active, active_version must agree with
// the active version, and every commit index entry must resolve to a
// stored version with a matching hash. An empty slug checks the active
// brain; SystemBrain checks the system brain.
func (r *Repository) IntegrityReport(slug string) (*IntegrityResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slug == "" {
		if r.active == "" {
			slug = SystemBrain
		} else {
			slug = r.active
		}
	}
	path := r.brainFile(slug)
	doc, err := r.load(path)
	if err != nil {
		return nil, err
	}
	fileHash, _, err := fileHashAndSize(path)
	if err != nil {
		fileHash = ""
	}

	result := &IntegrityResult{Brain: slug, OK: true, Issues: []IntegrityIssue{}, FileHash: fileHash}
	flag := func(kind, subject, format string, args ...any) {
		result.OK = false
		result.Issues = append(result.Issues, IntegrityIssue{
			Kind:    kind,
			Subject: subject,
			Detail:  fmt.Sprintf(format, args...),
		})
	}

	for _, p := range doc.Projects {
		for _, e := range p.Entities {
			activeCount := 0
			var activeNumber string
			for _, v := range e.Versions {
				result.Checked++
				subject := fmt.Sprintf("%s.%s@%s", p.Slug, e.Slug, v.Version)
				computed, err := canonical.HashRaw(v.Payload)
				if err != nil {
					flag("payload_unreadable", subject, "payload does not canonicalize: %v", err)
					continue
				}
				if computed != v.Hash {
					flag("hash_mismatch", subject, "stored hash %s, payload hashes to %s", v.Hash, computed)
				}
				if v.Hash != v.Commit {
					flag("commit_mismatch", subject, "hash %s and commit %s diverge", v.Hash, v.Commit)
				}
				if v.Status == VersionActive {
					activeCount++
					activeNumber = v.Version
				}
			}
			subject := fmt.Sprintf("%s.%s", p.Slug, e.Slug)
			if activeCount > 1 {
				flag("multiple_active", subject, "%d versions are active", activeCount)
			}
			if activeCount == 1 && e.ActiveVersion != activeNumber {
				flag("active_pointer", subject, "active_version is %q, active version is @%s", e.ActiveVersion, activeNumber)
			}
			if activeCount == 0 && e.ActiveVersion != "" {
				flag("active_pointer", subject, "active_version is %q but no version is active", e.ActiveVersion)
			}
		}
	}

	for hash, idx := range doc.CommitIndex {
		subject := fmt.Sprintf("#%s", hash)
		p, ok := doc.Projects[idx.Project]
		if !ok {
			flag("dangling_commit", subject, "project %q missing", idx.Project)
			continue
		}
		e, ok := p.Entities[idx.Entity]
		if !ok {
			flag("dangling_commit", subject, "entity %q missing in %q", idx.Entity, idx.Project)
			continue
		}
		v := e.version(idx.Version)
		if v == nil {
			flag("dangling_commit", subject, "version @%s missing on %s.%s", idx.Version, idx.Project, idx.Entity)
			continue
		}
		if v.Hash != hash {
			flag("commit_index_mismatch", subject, "index points at @%s with hash %s", idx.Version, v.Hash)
		}
	}

	return result, nil
}

// BrainReport summarizes a brain: identity, counts and the current file
// hash. An empty slug reports the active brain.
func (r *Repository) BrainReport(slug string) (*BrainSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slug == "" {
		if r.active == "" {
			return nil, fault.Invalid("no active brain selected")
		}
		slug = r.active
	}
	return r.brainSummary(slug)
}

func (r *Repository) brainSummary(slug string) (*BrainSummary, error) {
	path := r.brainFile(slug)
	doc, err := r.load(path)
	if err != nil {
		return nil, err
	}
	hash, size, err := fileHashAndSize(path)
	if err != nil {
		hash, size = "", 0
	}
	summary := &BrainSummary{
		Slug:        doc.Meta.Slug,
		UUID:        doc.Meta.UUID,
		CreatedAt:   doc.Meta.CreatedAt,
		Schema:      doc.Meta.SchemaVersion,
		System:      slug == SystemBrain,
		Active:      slug == r.active,
		File:        path,
		FileSize:    size,
		FileHash:    hash,
		CommitCount: len(doc.CommitIndex),
		ConfigKeys:  len(doc.Config),
	}
	for _, p := range doc.Projects {
		summary.ProjectCount++
		summary.EntityCount += len(p.Entities)
		for _, e := range p.Entities {
			summary.VersionCount += len(e.Versions)
		}
	}
	return summary, nil
}
