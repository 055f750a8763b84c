package brain

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/dominikletica/aaviondb/pkg/canonical"
	"github.com/dominikletica/aaviondb/pkg/fault"
)

// errUnchanged signals that a mutation turned out to be a no-op; mutate
// skips the write and reports success.
var errUnchanged = errors.New("unchanged")

// SaveOptions tunes SaveEntity.
type SaveOptions struct {
	// Merge deep-merges the incoming payload into the current active
	// payload; keys whose incoming value is the empty string are deleted.
	// False replaces the payload outright.
	Merge bool
	// Parent links the entity under another entity of the same project;
	// path segments derive from the parent chain.
	Parent string
	// Fieldset names a JSON Schema entity in the system fieldsets project.
	// The post-merge payload must validate against it; the schema
	// reference is recorded in the version meta.
	Fieldset string
}

// SaveEntity writes a new version of project/entity. Projects and
// entities are created on first save; the project may also pre-exist via
// CreateProject. A payload whose canonical form equals the current active
// payload does not create a version: the result carries the existing
// version with Changed=false, deterministically.
func (r *Repository) SaveEntity(project, entity string, payload json.RawMessage, meta map[string]any, opts SaveOptions) (*SaveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ValidateSlug("project", project); err != nil {
		return nil, err
	}
	if err := ValidateSlug("entity", entity); err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, fault.Invalid("payload is required").WithMeta("reason", "invalid_payload")
	}
	canon, err := canonical.Canonicalize(payload)
	if err != nil {
		return nil, fault.Invalid("payload is not valid JSON").WithMeta("reason", "invalid_payload").WithCause(err)
	}

	path, err := r.pathForProject(project)
	if err != nil {
		return nil, err
	}

	var result SaveResult
	err = r.mutate(path, func(doc *Document) error {
		now := r.now()
		p := doc.Projects[project]
		switch {
		case p == nil:
			p = &Project{
				Slug:      project,
				Status:    ProjectActive,
				CreatedAt: now,
				UpdatedAt: now,
				Entities:  map[string]*Entity{},
			}
			doc.Projects[project] = p
		case p.Status == ProjectDeleted:
			// Saving into a tombstone recreates the project.
			p.Status = ProjectActive
			p.ArchivedAt = ""
			p.Entities = map[string]*Entity{}
			p.UpdatedAt = now
		case p.Status == ProjectArchived:
			return fault.Conflict("project %q is archived", project)
		}

		e := p.Entities[entity]
		if e == nil {
			e = &Entity{
				Slug:      entity,
				Status:    EntityActive,
				CreatedAt: now,
				UpdatedAt: now,
			}
			p.Entities[entity] = e
		}
		if opts.Parent != "" && opts.Parent != e.Parent {
			if opts.Parent == entity {
				return fault.Invalid("entity %q cannot be its own parent", entity)
			}
			e.Parent = opts.Parent
		}
		e.PathSegments = pathSegments(p, e)

		final := canon
		if opts.Merge {
			merged, err := r.mergePayload(e, canon)
			if err != nil {
				return err
			}
			final = merged
		}

		versionMeta := copyMeta(meta)
		if opts.Fieldset != "" {
			schemaHash, err := r.validateFieldset(opts.Fieldset, final)
			if err != nil {
				return err
			}
			if versionMeta == nil {
				versionMeta = map[string]any{}
			}
			versionMeta["fieldset"] = opts.Fieldset
			versionMeta["fieldset_hash"] = schemaHash
		}

		hash := canonical.HashBytes(final)
		if active := e.activeVersion(); active != nil && bytes.Equal(active.Payload, final) {
			result = SaveResult{
				Project: project,
				Entity:  entity,
				Version: active.Version,
				Commit:  active.Commit,
				Changed: false,
				Payload: append([]byte(nil), active.Payload...),
			}
			return errUnchanged
		}

		number := strconv.Itoa(e.LastVersion + 1)
		e.LastVersion++
		for _, v := range e.Versions {
			v.Status = VersionInactive
		}
		v := &Version{
			Version:     number,
			Status:      VersionActive,
			Hash:        hash,
			Commit:      hash,
			CommittedAt: now,
			Payload:     final,
			Meta:        versionMeta,
		}
		e.Versions = append(e.Versions, v)
		e.ActiveVersion = number
		e.Status = EntityActive
		e.UpdatedAt = now
		p.UpdatedAt = now
		doc.CommitIndex[hash] = CommitRef{Project: project, Entity: entity, Version: number}

		result = SaveResult{
			Project: project,
			Entity:  entity,
			Version: number,
			Commit:  hash,
			Changed: true,
			Payload: append([]byte(nil), final...),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// mergePayload deep-merges incoming canonical bytes over the entity's
// active payload and re-canonicalizes. Without an active payload the
// merge base is empty, so the empty-string-deletes idiom still applies.
func (r *Repository) mergePayload(e *Entity, incoming []byte) ([]byte, error) {
	base := any(map[string]any{})
	if active := e.activeVersion(); active != nil {
		decoded, err := canonical.Decode(active.Payload)
		if err != nil {
			return nil, fault.Storage("stored payload of %q is unreadable", e.Slug).WithCause(err)
		}
		base = decoded
	}
	in, err := canonical.Decode(incoming)
	if err != nil {
		return nil, fault.Invalid("payload is not valid JSON").WithMeta("reason", "invalid_payload").WithCause(err)
	}
	merged := DeepMerge(base, in)
	out, err := canonical.Marshal(merged)
	if err != nil {
		return nil, fault.Internal("merge produced unserializable payload").WithCause(err)
	}
	return out, nil
}

// pathSegments resolves the parent chain into URL segments. A missing
// parent contributes its slug literally so links stay stable while the
// parent is absent.
func pathSegments(p *Project, e *Entity) []string {
	if e.Parent == "" {
		return []string{e.Slug}
	}
	if parent, ok := p.Entities[e.Parent]; ok && parent.Slug != e.Slug {
		segs := append([]string(nil), parent.PathSegments...)
		return append(segs, e.Slug)
	}
	return []string{e.Parent, e.Slug}
}

func copyMeta(meta map[string]any) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

// RestoreEntityVersion promotes an older version by appending a new one
// that duplicates its payload; history stays append-only. Every other
// version becomes inactive.
func (r *Repository) RestoreEntityVersion(project, entity, ref string) (*SaveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	parsed, err := parseReference(ref)
	if err != nil {
		return nil, err
	}
	if parsed.kind == refActive {
		return nil, fault.Invalid("a version reference is required to restore")
	}
	path, err := r.pathForProject(project)
	if err != nil {
		return nil, err
	}
	var result SaveResult
	err = r.mutate(path, func(doc *Document) error {
		p, e, err := findEntity(doc, project, entity)
		if err != nil {
			return err
		}
		source, err := resolveVersion(doc, project, e, parsed)
		if err != nil {
			return err
		}
		if active := e.activeVersion(); active != nil && active.Version == source.Version {
			result = SaveResult{
				Project: project,
				Entity:  entity,
				Version: active.Version,
				Commit:  active.Commit,
				Changed: false,
				Payload: append([]byte(nil), active.Payload...),
			}
			return errUnchanged
		}

		now := r.now()
		number := strconv.Itoa(e.LastVersion + 1)
		e.LastVersion++
		for _, v := range e.Versions {
			v.Status = VersionInactive
		}
		restored := &Version{
			Version:     number,
			Status:      VersionActive,
			Hash:        source.Hash,
			Commit:      source.Commit,
			CommittedAt: now,
			Payload:     append([]byte(nil), source.Payload...),
			Meta:        map[string]any{"restored_from": source.Version},
		}
		e.Versions = append(e.Versions, restored)
		e.ActiveVersion = number
		e.Status = EntityActive
		e.UpdatedAt = now
		p.UpdatedAt = now
		doc.CommitIndex[source.Hash] = CommitRef{Project: project, Entity: entity, Version: number}

		result = SaveResult{
			Project: project,
			Entity:  entity,
			Version: number,
			Commit:  source.Commit,
			Changed: true,
			Payload: append([]byte(nil), source.Payload...),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}
