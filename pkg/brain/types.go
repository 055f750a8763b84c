// Package brain implements the persistence core of AavionDB: versioned
// JSON containers ("brains") holding projects, entities and their
// append-only version history. Every payload is content-addressed by the
// SHA-256 of its canonical form, and every write goes through an atomic
// lock/tmp/fsync/verify/rename protocol.
package brain

import (
	"encoding/json"
)

// SchemaVersion is stamped into meta.schema_version of every new brain.
const SchemaVersion = "1"

// Project status values.
const (
	ProjectActive   = "active"
	ProjectArchived = "archived"
	ProjectDeleted  = "deleted"
)

// Entity status values.
const (
	EntityActive   = "active"
	EntityArchived = "archived"
)

// Version status values.
const (
	VersionActive   = "active"
	VersionInactive = "inactive"
	VersionArchived = "archived"
)

// Reserved system projects. They are created by EnsureSystemBrain, live
// only in the system brain, and cannot be archived or deleted.
const (
	ProjectPresets   = "presets"
	ProjectLayouts   = "export_layouts"
	ProjectTasks     = "scheduler_tasks"
	ProjectFieldsets = "fieldsets"
)

// ReservedProjects lists the system-brain projects in creation order.
var ReservedProjects = []string{ProjectPresets, ProjectLayouts, ProjectTasks, ProjectFieldsets}

// IsReservedProject reports whether slug names a reserved system project.
func IsReservedProject(slug string) bool {
	for _, r := range ReservedProjects {
		if slug == r {
			return true
		}
	}
	return false
}

// Document is one brain file. The on-disk form is the canonical JSON of
// this struct; the file hash therefore equals the canonical hash of the
// document.
type Document struct {
	Meta        Meta                 `json:"meta"`
	Config      map[string]any       `json:"config"`
	Projects    map[string]*Project  `json:"projects"`
	CommitIndex map[string]CommitRef `json:"commit_index"`
	// Auth is present on the system brain only.
	Auth *AuthState `json:"auth,omitempty"`
}

// Meta identifies a brain.
type Meta struct {
	Slug          string `json:"slug"`
	UUID          string `json:"uuid"`
	CreatedAt     string `json:"created_at"`
	SchemaVersion string `json:"schema_version"`
}

// CommitRef locates the version a commit hash was minted for. When the
// same canonical payload is committed again (restore, re-import), the
// entry is re-pointed to the newest version holding it.
type CommitRef struct {
	Project string `json:"project"`
	Entity  string `json:"entity"`
	Version string `json:"version"`
}

// Project groups entities under a slug.
type Project struct {
	Slug        string             `json:"slug"`
	Title       string             `json:"title,omitempty"`
	Description string             `json:"description,omitempty"`
	Status      string             `json:"status"`
	CreatedAt   string             `json:"created_at"`
	UpdatedAt   string             `json:"updated_at"`
	ArchivedAt  string             `json:"archived_at,omitempty"`
	Entities    map[string]*Entity `json:"entities"`
}

// Entity is a versioned record. At most one version is active; an
// archived entity has none.
type Entity struct {
	Slug          string     `json:"slug"`
	Parent        string     `json:"parent,omitempty"`
	PathSegments  []string   `json:"path_segments"`
	ActiveVersion string     `json:"active_version,omitempty"`
	Status        string     `json:"status"`
	CreatedAt     string     `json:"created_at"`
	UpdatedAt     string     `json:"updated_at"`
	Versions      []*Version `json:"versions"`
	// LastVersion is the highest version number ever assigned. Version
	// numbers are never reused, even after a version is deleted.
	LastVersion int `json:"last_version"`
}

// Version is one immutable revision. Hash and Commit both carry the
// SHA-256 hex of the canonical payload; Payload holds the canonical
// bytes themselves.
type Version struct {
	Version     string          `json:"version"`
	Status      string          `json:"status"`
	Hash        string          `json:"hash"`
	Commit      string          `json:"commit"`
	CommittedAt string          `json:"committed_at"`
	Payload     json.RawMessage `json:"payload"`
	Meta        map[string]any  `json:"meta,omitempty"`
}

// AuthState is the system brain's token store and API switch.
type AuthState struct {
	BootstrapKey string   `json:"bootstrap_key"`
	API          APIState `json:"api"`
	// Tokens is keyed by the SHA-256 hex of the raw token.
	Tokens map[string]*Token `json:"tokens"`
}

// APIState gates the REST surface.
type APIState struct {
	Enabled bool `json:"enabled"`
}

// Token is one stored API credential. The raw token is never persisted;
// only its hash and a short preview survive registration.
type Token struct {
	Hash       string   `json:"hash"`
	Preview    string   `json:"preview"`
	Label      string   `json:"label,omitempty"`
	Scope      string   `json:"scope"`
	Projects   []string `json:"projects"`
	Active     bool     `json:"active"`
	CreatedAt  string   `json:"created_at"`
	LastUsedAt string   `json:"last_used_at,omitempty"`
}

// ScopeAll authorizes every project.
const ScopeAll = "ALL"

// activeVersion returns the entity's active version, or nil.
func (e *Entity) activeVersion() *Version {
	for _, v := range e.Versions {
		if v.Status == VersionActive {
			return v
		}
	}
	return nil
}

// version returns the version with the given number, or nil.
func (e *Entity) version(number string) *Version {
	for _, v := range e.Versions {
		if v.Version == number {
			return v
		}
	}
	return nil
}

// versionByHash returns the newest version whose commit hash matches.
func (e *Entity) versionByHash(hash string) *Version {
	for i := len(e.Versions) - 1; i >= 0; i-- {
		if e.Versions[i].Hash == hash {
			return e.Versions[i]
		}
	}
	return nil
}

// Record is the external view of one version of one entity, as returned
// by GetEntityVersion and consumed by resolver, export and the command
// layer.
type Record struct {
	Project      string          `json:"project"`
	Entity       string          `json:"entity"`
	Parent       string          `json:"parent,omitempty"`
	PathSegments []string        `json:"path_segments"`
	Version      string          `json:"version"`
	Status       string          `json:"status"`
	Hash         string          `json:"hash"`
	Commit       string          `json:"commit"`
	CommittedAt  string          `json:"committed_at"`
	Payload      json.RawMessage `json:"payload"`
	Meta         map[string]any  `json:"meta,omitempty"`
}

// SaveResult reports the outcome of SaveEntity. Changed is false when the
// incoming payload canonically equals the current active payload; in that
// case Version/Commit describe the existing version and no write happened.
type SaveResult struct {
	Project string          `json:"project"`
	Entity  string          `json:"entity"`
	Version string          `json:"version"`
	Commit  string          `json:"commit"`
	Changed bool            `json:"changed"`
	Payload json.RawMessage `json:"payload"`
}

// VersionInfo summarizes one version without its payload.
type VersionInfo struct {
	Version     string `json:"version"`
	Status      string `json:"status"`
	Hash        string `json:"hash"`
	Commit      string `json:"commit"`
	CommittedAt string `json:"committed_at"`
}

// EntityInfo summarizes one entity for listings.
type EntityInfo struct {
	Slug          string   `json:"slug"`
	Parent        string   `json:"parent,omitempty"`
	PathSegments  []string `json:"path_segments"`
	ActiveVersion string   `json:"active_version,omitempty"`
	Status        string   `json:"status"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
	VersionCount  int      `json:"version_count"`
}

// ProjectInfo summarizes one project for listings.
type ProjectInfo struct {
	Slug        string `json:"slug"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	ArchivedAt  string `json:"archived_at,omitempty"`
	EntityCount int    `json:"entity_count"`
}

// TokenInfo is the external view of a stored token (hash included,
// raw token never).
type TokenInfo struct {
	Hash       string   `json:"hash"`
	Preview    string   `json:"preview"`
	Label      string   `json:"label,omitempty"`
	Scope      string   `json:"scope"`
	Projects   []string `json:"projects"`
	Active     bool     `json:"active"`
	CreatedAt  string   `json:"created_at"`
	LastUsedAt string   `json:"last_used_at,omitempty"`
}

// BackupInfo describes one written backup file.
type BackupInfo struct {
	Brain      string `json:"brain"`
	File       string `json:"file"`
	Hash       string `json:"hash"`
	Size       int64  `json:"size"`
	Compressed bool   `json:"compressed"`
	CreatedAt  string `json:"created_at"`
}

// IntegrityIssue is one finding of an integrity scan.
type IntegrityIssue struct {
	Kind    string `json:"kind"`
	Subject string `json:"subject"`
	Detail  string `json:"detail"`
}

// IntegrityResult is the outcome of IntegrityReport.
type IntegrityResult struct {
	Brain    string           `json:"brain"`
	OK       bool             `json:"ok"`
	Checked  int              `json:"checked_versions"`
	Issues   []IntegrityIssue `json:"issues"`
	FileHash string           `json:"file_hash"`
}

// BrainSummary is the outcome of BrainReport.
type BrainSummary struct {
	Slug         string `json:"slug"`
	UUID         string `json:"uuid"`
	CreatedAt    string `json:"created_at"`
	Schema       string `json:"schema_version"`
	System       bool   `json:"system"`
	Active       bool   `json:"active"`
	File         string `json:"file"`
	FileSize     int64  `json:"file_size"`
	FileHash     string `json:"file_hash"`
	ProjectCount int    `json:"project_count"`
	EntityCount  int    `json:"entity_count"`
	VersionCount int    `json:"version_count"`
	CommitCount  int    `json:"commit_count"`
	ConfigKeys   int    `json:"config_keys"`
}
