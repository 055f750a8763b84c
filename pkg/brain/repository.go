package brain

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dominikletica/aaviondb/pkg/canonical"
	"github.com/dominikletica/aaviondb/pkg/events"
	"github.com/dominikletica/aaviondb/pkg/fault"
	"github.com/dominikletica/aaviondb/pkg/paths"
)

// SystemBrain is the slug of the process-wide system brain.
const SystemBrain = "system"

// Repository owns every brain file on disk and the in-memory cached
// documents. All reads and writes from other components go through its
// methods; mutations run the atomic commit protocol in write.go.
type Repository struct {
	mu      sync.Mutex
	locator *paths.Locator
	bus     *events.Bus
	logger  *slog.Logger
	clock   func() time.Time

	active string // active user brain slug, empty until EnsureActiveBrain
	docs   map[string]*cachedDoc
}

type cachedDoc struct {
	doc  *Document
	hash string
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the timestamp source for tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Repository) { r.clock = clock }
}

// NewRepository builds a repository over the given layout. The event bus
// receives storage.* events; it may be nil in tests.
func NewRepository(locator *paths.Locator, bus *events.Bus, opts ...Option) *Repository {
	r := &Repository{
		locator: locator,
		bus:     bus,
		logger:  slog.Default().With("component", "brain"),
		clock:   time.Now,
		docs:    make(map[string]*cachedDoc),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Repository) now() string {
	return r.clock().UTC().Format(time.RFC3339)
}

func (r *Repository) emit(name string, payload map[string]any) {
	if r.bus != nil {
		r.bus.Emit(name, payload)
	}
}

// brainFile maps a slug to its file path. The system brain lives apart
// from user brains.
func (r *Repository) brainFile(slug string) string {
	if slug == SystemBrain {
		return r.locator.SystemBrainFile()
	}
	return r.locator.UserBrainFile(slug)
}

// newDocument assembles a fresh brain document.
func (r *Repository) newDocument(slug string, system bool) *Document {
	doc := &Document{
		Meta: Meta{
			Slug:          slug,
			UUID:          uuid.NewString(),
			CreatedAt:     r.now(),
			SchemaVersion: SchemaVersion,
		},
		Config:      map[string]any{},
		Projects:    map[string]*Project{},
		CommitIndex: map[string]CommitRef{},
	}
	if system {
		doc.Auth = &AuthState{
			BootstrapKey: "admin",
			API:          APIState{Enabled: false},
			Tokens:       map[string]*Token{},
		}
		for _, reserved := range ReservedProjects {
			doc.Projects[reserved] = &Project{
				Slug:      reserved,
				Title:     strings.ReplaceAll(reserved, "_", " "),
				Status:    ProjectActive,
				CreatedAt: doc.Meta.CreatedAt,
				UpdatedAt: doc.Meta.CreatedAt,
				Entities:  map[string]*Entity{},
			}
		}
	}
	return doc
}

// load returns the cached document for a brain file, reading and parsing
// it on a cache miss. A first parse failure is retried once: a reader can
// race an in-flight rename and see the file swap under it.
func (r *Repository) load(path string) (*Document, error) {
	if c, ok := r.docs[path]; ok {
		return c.doc, nil
	}
	doc, hash, err := r.read(path)
	if err != nil {
		var retryErr error
		if doc, hash, retryErr = r.read(path); retryErr != nil {
			return nil, err
		}
	}
	r.docs[path] = &cachedDoc{doc: doc, hash: hash}
	return doc, nil
}

func (r *Repository) read(path string) (*Document, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fault.NotFound("brain file missing: %s", filepath.Base(path))
		}
		return nil, "", fault.Storage("read brain %s", path).WithCause(err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, "", fault.Storage("parse brain %s", path).WithCause(err)
	}
	normalizeDocument(&doc)
	return &doc, canonical.HashBytes(raw), nil
}

// normalizeDocument backfills nil maps and derived fields after a parse,
// so the rest of the package never nil-checks them.
func normalizeDocument(doc *Document) {
	if doc.Config == nil {
		doc.Config = map[string]any{}
	}
	if doc.Projects == nil {
		doc.Projects = map[string]*Project{}
	}
	if doc.CommitIndex == nil {
		doc.CommitIndex = map[string]CommitRef{}
	}
	if doc.Auth != nil && doc.Auth.Tokens == nil {
		doc.Auth.Tokens = map[string]*Token{}
	}
	for _, p := range doc.Projects {
		if p.Entities == nil {
			p.Entities = map[string]*Entity{}
		}
		for _, e := range p.Entities {
			if e.LastVersion == 0 {
				for _, v := range e.Versions {
					if n := parseVersionNumber(v.Version); n > e.LastVersion {
						e.LastVersion = n
					}
				}
			}
		}
	}
}

// clone deep-copies a document through a JSON round trip. Mutations run
// on the clone so a failed write never poisons the cache.
func clone(doc *Document) (*Document, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fault.Storage("clone brain document").WithCause(err)
	}
	var out Document
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fault.Storage("clone brain document").WithCause(err)
	}
	normalizeDocument(&out)
	return &out, nil
}

// EnsureSystemBrain creates the system brain if it does not exist yet and
// returns its summary. Reserved projects and the auth substate are part
// of the initial document.
func (r *Repository) EnsureSystemBrain() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureBrain(SystemBrain, true)
}

// EnsureActiveBrain creates the named user brain if needed and marks it
// active. An empty slug keeps the current selection (or errors if none).
func (r *Repository) EnsureActiveBrain(slug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slug == "" {
		if r.active == "" {
			return fault.Invalid("no active brain selected")
		}
		return nil
	}
	if err := ValidateSlug("brain", slug); err != nil {
		return err
	}
	if slug == SystemBrain {
		return fault.Invalid("%q is the system brain, not a user brain", slug)
	}
	if err := r.ensureBrain(slug, false); err != nil {
		return err
	}
	r.active = slug
	return nil
}

func (r *Repository) ensureBrain(slug string, system bool) error {
	path := r.brainFile(slug)
	if _, err := os.Stat(path); err == nil {
		_, loadErr := r.load(path)
		return loadErr
	} else if !os.IsNotExist(err) {
		return fault.Storage("stat brain %s", path).WithCause(err)
	}
	doc := r.newDocument(slug, system)
	if err := r.writeDocument(path, doc); err != nil {
		return err
	}
	r.logger.Info("brain created", "brain", slug, "system", system)
	return nil
}

// SetActiveBrain switches the active user brain. The target must exist.
func (r *Repository) SetActiveBrain(slug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ValidateSlug("brain", slug); err != nil {
		return err
	}
	if slug == SystemBrain {
		return fault.Invalid("the system brain cannot be selected as the user brain")
	}
	if _, err := os.Stat(r.brainFile(slug)); err != nil {
		if os.IsNotExist(err) {
			return fault.NotFound("brain %q not found", slug)
		}
		return fault.Storage("stat brain %q", slug).WithCause(err)
	}
	r.active = slug
	return nil
}

// ActiveBrain returns the slug of the active user brain, or "".
func (r *Repository) ActiveBrain() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// CreateBrain creates a new user brain without activating it.
func (r *Repository) CreateBrain(slug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ValidateSlug("brain", slug); err != nil {
		return err
	}
	if slug == SystemBrain {
		return fault.Conflict("brain %q is reserved", slug)
	}
	if _, err := os.Stat(r.brainFile(slug)); err == nil {
		return fault.Conflict("brain %q already exists", slug)
	}
	return r.ensureBrain(slug, false)
}

// ListBrains scans the user brains directory and returns the known slugs
// sorted, with the active one flagged.
func (r *Repository) ListBrains() ([]map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := os.ReadDir(r.locator.UserBrainsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []map[string]any{}, nil
		}
		return nil, fault.Storage("list brains").WithCause(err)
	}
	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".brain") {
			continue
		}
		slug := strings.TrimSuffix(name, ".brain")
		info, _ := entry.Info()
		var size int64
		if info != nil {
			size = info.Size()
		}
		out = append(out, map[string]any{
			"slug":   slug,
			"active": slug == r.active,
			"file":   filepath.Join(r.locator.UserBrainsDir(), name),
			"size":   size,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i]["slug"].(string) < out[j]["slug"].(string)
	})
	return out, nil
}

// pathForProject routes reserved projects to the system brain and
// everything else to the active user brain.
func (r *Repository) pathForProject(project string) (string, error) {
	if IsReservedProject(project) {
		return r.brainFile(SystemBrain), nil
	}
	return r.activePath()
}

func (r *Repository) activePath() (string, error) {
	if r.active == "" {
		return "", fault.Invalid("no active brain selected")
	}
	return r.brainFile(r.active), nil
}

func (r *Repository) systemPath() string {
	return r.brainFile(SystemBrain)
}

// scopePath picks the system or active brain file.
func (r *Repository) scopePath(system bool) (string, error) {
	if system {
		return r.systemPath(), nil
	}
	return r.activePath()
}

func parseVersionNumber(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
