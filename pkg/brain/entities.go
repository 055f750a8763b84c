package brain

import (
	"sort"
	"strings"

	"github.com/dominikletica/aaviondb/pkg/fault"
)

// A version reference is "@N", "#commithash", a bare version number, or
// empty for the active version.
type refKind int

const (
	refActive refKind = iota
	refVersion
	refCommit
)

type reference struct {
	kind  refKind
	value string
}

func parseReference(ref string) (reference, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return reference{kind: refActive}, nil
	case strings.HasPrefix(ref, "@"):
		num := ref[1:]
		if parseVersionNumber(num) == 0 {
			return reference{}, fault.Invalid("invalid version reference %q", ref)
		}
		return reference{kind: refVersion, value: num}, nil
	case strings.HasPrefix(ref, "#"):
		hash := strings.ToLower(ref[1:])
		if hash == "" {
			return reference{}, fault.Invalid("invalid commit reference %q", ref)
		}
		return reference{kind: refCommit, value: hash}, nil
	case parseVersionNumber(ref) > 0:
		return reference{kind: refVersion, value: ref}, nil
	default:
		return reference{}, fault.Invalid("invalid reference %q: expected @version, #commit or a version number", ref)
	}
}

// findEntity resolves project and entity inside a loaded document.
func findEntity(doc *Document, project, entity string) (*Project, *Entity, error) {
	p, ok := doc.Projects[project]
	if !ok || p.Status == ProjectDeleted {
		return nil, nil, fault.NotFound("project %q not found", project)
	}
	e, ok := p.Entities[entity]
	if !ok {
		return nil, nil, fault.NotFound("entity %q not found in project %q", entity, project)
	}
	return p, e, nil
}

// resolveVersion picks the version a reference names. Commit references
// consult the commit index first and fall back to a linear scan of the
// entity's history, so hashes that were re-pointed by a later restore
// still resolve against the entity that holds them.
func resolveVersion(doc *Document, project string, e *Entity, ref reference) (*Version, error) {
	switch ref.kind {
	case refActive:
		v := e.activeVersion()
		if v == nil {
			return nil, fault.NotFound("entity %q has no active version", e.Slug)
		}
		return v, nil
	case refVersion:
		v := e.version(ref.value)
		if v == nil {
			return nil, fault.NotFound("entity %q has no version @%s", e.Slug, ref.value)
		}
		return v, nil
	case refCommit:
		if idx, ok := doc.CommitIndex[ref.value]; ok && idx.Project == project && idx.Entity == e.Slug {
			if v := e.version(idx.Version); v != nil && v.Hash == ref.value {
				return v, nil
			}
		}
		if v := e.versionByHash(ref.value); v != nil {
			return v, nil
		}
		return nil, fault.NotFound("entity %q has no version with commit #%s", e.Slug, ref.value)
	}
	return nil, fault.Internal("unhandled reference kind")
}

func entityInfo(e *Entity) EntityInfo {
	return EntityInfo{
		Slug:          e.Slug,
		Parent:        e.Parent,
		PathSegments:  append([]string(nil), e.PathSegments...),
		ActiveVersion: e.ActiveVersion,
		Status:        e.Status,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
		VersionCount:  len(e.Versions),
	}
}

func versionInfo(v *Version) VersionInfo {
	return VersionInfo{
		Version:     v.Version,
		Status:      v.Status,
		Hash:        v.Hash,
		Commit:      v.Commit,
		CommittedAt: v.CommittedAt,
	}
}

func record(project string, e *Entity, v *Version) *Record {
	return &Record{
		Project:      project,
		Entity:       e.Slug,
		Parent:       e.Parent,
		PathSegments: append([]string(nil), e.PathSegments...),
		Version:      v.Version,
		Status:       v.Status,
		Hash:         v.Hash,
		Commit:       v.Commit,
		CommittedAt:  v.CommittedAt,
		Payload:      append([]byte(nil), v.Payload...),
		Meta:         v.Meta,
	}
}

// ListEntities lists a project's entities sorted by slug.
func (r *Repository) ListEntities(project string) ([]EntityInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, err := r.pathForProject(project)
	if err != nil {
		return nil, err
	}
	doc, err := r.load(path)
	if err != nil {
		return nil, err
	}
	p, ok := doc.Projects[project]
	if !ok || p.Status == ProjectDeleted {
		return nil, fault.NotFound("project %q not found", project)
	}
	out := make([]EntityInfo, 0, len(p.Entities))
	for _, e := range p.Entities {
		out = append(out, entityInfo(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// EntityReport summarizes one entity, optionally with its version list.
func (r *Repository) EntityReport(project, entity string, withVersions bool) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, err := r.pathForProject(project)
	if err != nil {
		return nil, err
	}
	doc, err := r.load(path)
	if err != nil {
		return nil, err
	}
	_, e, err := findEntity(doc, project, entity)
	if err != nil {
		return nil, err
	}
	report := map[string]any{
		"entity": entityInfo(e),
	}
	if withVersions {
		versions := make([]VersionInfo, 0, len(e.Versions))
		for _, v := range e.Versions {
			versions = append(versions, versionInfo(v))
		}
		report["versions"] = versions
	}
	return report, nil
}

// ListEntityVersions returns the version summaries in storage order
// (append order, oldest first).
func (r *Repository) ListEntityVersions(project, entity string) ([]VersionInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, err := r.pathForProject(project)
	if err != nil {
		return nil, err
	}
	doc, err := r.load(path)
	if err != nil {
		return nil, err
	}
	_, e, err := findEntity(doc, project, entity)
	if err != nil {
		return nil, err
	}
	out := make([]VersionInfo, 0, len(e.Versions))
	for _, v := range e.Versions {
		out = append(out, versionInfo(v))
	}
	return out, nil
}

// GetEntityVersion resolves a reference against an entity and returns the
// full record including the canonical payload.
func (r *Repository) GetEntityVersion(project, entity, ref string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	parsed, err := parseReference(ref)
	if err != nil {
		return nil, err
	}
	path, err := r.pathForProject(project)
	if err != nil {
		return nil, err
	}
	doc, err := r.load(path)
	if err != nil {
		return nil, err
	}
	_, e, err := findEntity(doc, project, entity)
	if err != nil {
		return nil, err
	}
	v, err := resolveVersion(doc, project, e, parsed)
	if err != nil {
		return nil, err
	}
	return record(project, e, v), nil
}

// LookupCommit resolves a bare commit hash through the commit index.
func (r *Repository) LookupCommit(hash string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hash = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(hash), "#"))
	path, err := r.activePath()
	if err != nil {
		return nil, err
	}
	doc, err := r.load(path)
	if err != nil {
		return nil, err
	}
	idx, ok := doc.CommitIndex[hash]
	if !ok {
		return nil, fault.NotFound("commit #%s not found", hash)
	}
	_, e, err := findEntity(doc, idx.Project, idx.Entity)
	if err != nil {
		return nil, err
	}
	v := e.version(idx.Version)
	if v == nil {
		return nil, fault.NotFound("commit #%s points at a missing version", hash)
	}
	return record(idx.Project, e, v), nil
}

// DeactivateEntity archives an entity: the active version is marked
// archived, and the entity holds no active version until a restore or a
// fresh save.
func (r *Repository) DeactivateEntity(project, entity string) (*EntityInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, err := r.pathForProject(project)
	if err != nil {
		return nil, err
	}
	var info EntityInfo
	err = r.mutate(path, func(doc *Document) error {
		_, e, err := findEntity(doc, project, entity)
		if err != nil {
			return err
		}
		if e.Status == EntityArchived {
			return fault.Conflict("entity %q is already archived", entity)
		}
		if v := e.activeVersion(); v != nil {
			v.Status = VersionArchived
		}
		e.Status = EntityArchived
		e.ActiveVersion = ""
		e.UpdatedAt = r.now()
		info = entityInfo(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// DeleteEntity hard-erases an entity and the commit index entries that
// point at it. purge additionally sweeps the whole index for dangling
// entries.
func (r *Repository) DeleteEntity(project, entity string, purge bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, err := r.pathForProject(project)
	if err != nil {
		return err
	}
	return r.mutate(path, func(doc *Document) error {
		p, _, err := findEntity(doc, project, entity)
		if err != nil {
			return err
		}
		delete(p.Entities, entity)
		for hash, ref := range doc.CommitIndex {
			if ref.Project == project && ref.Entity == entity {
				delete(doc.CommitIndex, hash)
			}
		}
		if purge {
			sweepCommitIndex(doc)
		}
		p.UpdatedAt = r.now()
		return nil
	})
}

// DeleteEntityVersion removes one version from an entity's history. When
// the active version is removed, the highest remaining version number is
// promoted; when nothing remains the entity becomes archived. Index
// entries are re-pointed to the newest remaining version holding the same
// payload, or dropped.
func (r *Repository) DeleteEntityVersion(project, entity, ref string) (*EntityInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	parsed, err := parseReference(ref)
	if err != nil {
		return nil, err
	}
	if parsed.kind == refActive {
		return nil, fault.Invalid("a version reference is required to delete a version")
	}
	path, err := r.pathForProject(project)
	if err != nil {
		return nil, err
	}
	var info EntityInfo
	err = r.mutate(path, func(doc *Document) error {
		_, e, err := findEntity(doc, project, entity)
		if err != nil {
			return err
		}
		victim, err := resolveVersion(doc, project, e, parsed)
		if err != nil {
			return err
		}
		wasActive := victim.Status == VersionActive

		kept := make([]*Version, 0, len(e.Versions)-1)
		for _, v := range e.Versions {
			if v.Version != victim.Version {
				kept = append(kept, v)
			}
		}
		e.Versions = kept

		if idx, ok := doc.CommitIndex[victim.Hash]; ok &&
			idx.Project == project && idx.Entity == entity && idx.Version == victim.Version {
			if survivor := e.versionByHash(victim.Hash); survivor != nil {
				doc.CommitIndex[victim.Hash] = CommitRef{Project: project, Entity: entity, Version: survivor.Version}
			} else {
				delete(doc.CommitIndex, victim.Hash)
			}
		}

		if wasActive {
			if next := newestVersion(e); next != nil {
				next.Status = VersionActive
				e.ActiveVersion = next.Version
				e.Status = EntityActive
			} else {
				e.ActiveVersion = ""
				e.Status = EntityArchived
			}
		}
		e.UpdatedAt = r.now()
		info = entityInfo(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// newestVersion returns the version with the highest number, or nil.
func newestVersion(e *Entity) *Version {
	var best *Version
	bestNum := 0
	for _, v := range e.Versions {
		if n := parseVersionNumber(v.Version); n > bestNum {
			best, bestNum = v, n
		}
	}
	return best
}
