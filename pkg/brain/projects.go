package brain

import (
	"sort"

	"github.com/dominikletica/aaviondb/pkg/fault"
)

// ListProjects lists the active brain's projects sorted by slug. Reserved
// system projects are not included; they are addressed by name.
func (r *Repository) ListProjects() ([]ProjectInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, err := r.activePath()
	if err != nil {
		return nil, err
	}
	doc, err := r.load(path)
	if err != nil {
		return nil, err
	}
	out := make([]ProjectInfo, 0, len(doc.Projects))
	for _, p := range doc.Projects {
		out = append(out, projectInfo(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func projectInfo(p *Project) ProjectInfo {
	return ProjectInfo{
		Slug:        p.Slug,
		Title:       p.Title,
		Description: p.Description,
		Status:      p.Status,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
		ArchivedAt:  p.ArchivedAt,
		EntityCount: len(p.Entities),
	}
}

// CreateProject adds a project to the active brain. Creating over a
// deleted tombstone replaces it; creating over a live project conflicts.
func (r *Repository) CreateProject(slug, title, description string) (*ProjectInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ValidateSlug("project", slug); err != nil {
		return nil, err
	}
	if IsReservedProject(slug) {
		return nil, fault.Conflict("project %q is reserved for the system brain", slug)
	}
	path, err := r.activePath()
	if err != nil {
		return nil, err
	}
	var created ProjectInfo
	err = r.mutate(path, func(doc *Document) error {
		if existing, ok := doc.Projects[slug]; ok && existing.Status != ProjectDeleted {
			return fault.Conflict("project %q already exists", slug)
		}
		now := r.now()
		p := &Project{
			Slug:        slug,
			Title:       title,
			Description: description,
			Status:      ProjectActive,
			CreatedAt:   now,
			UpdatedAt:   now,
			Entities:    map[string]*Entity{},
		}
		doc.Projects[slug] = p
		created = projectInfo(p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// ArchiveProject soft-disables a project. Archived projects keep their
// entities and stay listed.
func (r *Repository) ArchiveProject(slug string) (*ProjectInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if IsReservedProject(slug) {
		return nil, fault.Invalid("project %q is reserved and cannot be archived", slug)
	}
	path, err := r.activePath()
	if err != nil {
		return nil, err
	}
	var info ProjectInfo
	err = r.mutate(path, func(doc *Document) error {
		p, ok := doc.Projects[slug]
		if !ok || p.Status == ProjectDeleted {
			return fault.NotFound("project %q not found", slug)
		}
		if p.Status == ProjectArchived {
			return fault.Conflict("project %q is already archived", slug)
		}
		now := r.now()
		p.Status = ProjectArchived
		p.ArchivedAt = now
		p.UpdatedAt = now
		info = projectInfo(p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// DeleteProject erases a project's content. The slug stays behind as a
// tombstone with status "deleted" so reports can tell "never existed"
// from "deleted"; purge removes the tombstone and sweeps the whole commit
// index for entries left dangling by earlier partial failures. Commit
// index entries pointing into the project are always removed.
func (r *Repository) DeleteProject(slug string, purge bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if IsReservedProject(slug) {
		return fault.Invalid("project %q is reserved and cannot be deleted", slug)
	}
	path, err := r.activePath()
	if err != nil {
		return err
	}
	return r.mutate(path, func(doc *Document) error {
		p, ok := doc.Projects[slug]
		if !ok {
			return fault.NotFound("project %q not found", slug)
		}
		for hash, ref := range doc.CommitIndex {
			if ref.Project == slug {
				delete(doc.CommitIndex, hash)
			}
		}
		if purge {
			delete(doc.Projects, slug)
			sweepCommitIndex(doc)
			return nil
		}
		now := r.now()
		p.Status = ProjectDeleted
		p.Entities = map[string]*Entity{}
		p.UpdatedAt = now
		return nil
	})
}

// sweepCommitIndex drops every commit index entry that no longer resolves
// to a stored version.
func sweepCommitIndex(doc *Document) {
	for hash, ref := range doc.CommitIndex {
		p, ok := doc.Projects[ref.Project]
		if !ok {
			delete(doc.CommitIndex, hash)
			continue
		}
		e, ok := p.Entities[ref.Entity]
		if !ok {
			delete(doc.CommitIndex, hash)
			continue
		}
		v := e.version(ref.Version)
		if v == nil || v.Hash != hash {
			delete(doc.CommitIndex, hash)
		}
	}
}

// ProjectReport returns the project summary plus its entity listing.
func (r *Repository) ProjectReport(slug string) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, err := r.pathForProject(slug)
	if err != nil {
		return nil, err
	}
	doc, err := r.load(path)
	if err != nil {
		return nil, err
	}
	p, ok := doc.Projects[slug]
	if !ok {
		return nil, fault.NotFound("project %q not found", slug)
	}
	entities := make([]EntityInfo, 0, len(p.Entities))
	for _, e := range p.Entities {
		entities = append(entities, entityInfo(e))
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].Slug < entities[j].Slug })
	return map[string]any{
		"project":  projectInfo(p),
		"entities": entities,
	}, nil
}
