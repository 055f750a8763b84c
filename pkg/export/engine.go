// Package export assembles deterministic bundles from brain content.
// A bundle is the canonical JSON rendering of a layout whose placeholders
// were filled with selected entities, an index, stats and the request
// echo; running the same export twice yields byte-identical output.
package export

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"github.com/dominikletica/aaviondb/pkg/brain"
	"github.com/dominikletica/aaviondb/pkg/cache"
	"github.com/dominikletica/aaviondb/pkg/canonical"
	"github.com/dominikletica/aaviondb/pkg/events"
	"github.com/dominikletica/aaviondb/pkg/fault"
	"github.com/dominikletica/aaviondb/pkg/filter"
	"github.com/dominikletica/aaviondb/pkg/paths"
	"github.com/dominikletica/aaviondb/pkg/resolver"
)

// Export modes and scopes as reported in bundle metadata.
const (
	ModePreset = "preset"
	ModeManual = "manual"

	ScopeBrain        = "brain"
	ScopeProject      = "project"
	ScopeProjectSlice = "project_slice"
)

// Engine runs export requests against a repository.
type Engine struct {
	repo    *brain.Repository
	filters *filter.Engine
	res     *resolver.Engine
	store   cache.Store
	locator *paths.Locator
	bus     *events.Bus
	logger  *slog.Logger
	clock   func() time.Time
	schema  *jsonschema.Schema
}

// Option adjusts an Engine.
type Option func(*Engine)

// WithCache stores cacheable bundles in the given store.
func WithCache(store cache.Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithClock overrides the timestamp source used for export filenames.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.clock = fn }
}

// New builds an export engine. The preset schema is compiled once here.
func New(repo *brain.Repository, filters *filter.Engine, res *resolver.Engine, locator *paths.Locator, bus *events.Bus, opts ...Option) (*Engine, error) {
	schema, err := compilePresetSchema()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		repo:    repo,
		filters: filters,
		res:     res,
		store:   cache.Null{},
		locator: locator,
		bus:     bus,
		logger:  slog.Default().With("component", "export"),
		clock:   time.Now,
		schema:  schema,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Request describes one export invocation.
type Request struct {
	// Projects are raw selectors: slugs, "*", or values substituted into
	// a preset's "${project}" placeholder.
	Projects []string
	// Entities are optional per-entity selectors, "slug", "slug@2" or
	// "slug#<commit>". They require a single target project in manual mode.
	Entities []string
	// Preset selects preset mode; empty means manual.
	Preset string
	// Params feed "${param.*}" placeholders in preset selectors,
	// templates and resolver shortcodes.
	Params map[string]any
	// Description and Usage are echoed into the bundle.
	Description string
	Usage       string
	// Write persists the bundle under the exports directory.
	Write    bool
	Filename string
}

// Stats counts what went into a bundle.
type Stats struct {
	Projects int `json:"projects"`
	Entities int `json:"entities"`
	Versions int `json:"versions"`
}

// Result is the outcome of an export run.
type Result struct {
	Bundle any
	Raw    []byte
	File   string
	Cached bool
	Scope  string
	Stats  Stats
	Preset string
	Mode   string
}

type cachedBundle struct {
	Raw    json.RawMessage `json:"raw"`
	Scope  string          `json:"scope"`
	Stats  Stats           `json:"stats"`
	Preset string          `json:"preset,omitempty"`
	Mode   string          `json:"mode"`
}

// Export runs the full pipeline: load preset, resolve project selectors,
// select and transform entities, render the layout and canonicalize the
// bundle. Identical requests against identical data produce identical bytes.
func (e *Engine) Export(req Request) (*Result, error) {
	mode := ModeManual
	preset := &Preset{Policies: Policies{References: ReferencesResolve}}
	presetSlug := ""
	if req.Preset != "" {
		mode = ModePreset
		loaded, err := e.LoadPreset(req.Preset)
		if err != nil {
			return nil, err
		}
		preset = loaded
		presetSlug = req.Preset
	}

	selectors := req.Projects
	if mode == ModePreset {
		selectors = preset.Selection.Projects
		if len(selectors) == 0 {
			selectors = []string{"${project}"}
		}
	}
	if len(selectors) == 0 {
		return nil, fault.Invalid("export requires at least one project")
	}

	projects, wildcard, err := e.resolveProjects(selectors, req)
	if err != nil {
		return nil, err
	}
	if len(projects) == 0 {
		return nil, fault.Invalid("export matched no projects")
	}

	order, refs, err := parseEntitySelectors(req.Entities)
	if err != nil {
		return nil, err
	}
	if mode == ModeManual && len(order) > 0 && len(projects) > 1 {
		return nil, fault.Invalid("entity selectors require a single project")
	}

	key := ""
	useCache := preset.Policies.Cache
	if useCache {
		sum, err := canonical.Hash(map[string]any{
			"mode":     mode,
			"preset":   presetSlug,
			"projects": req.Projects,
			"entities": req.Entities,
			"params":   req.Params,
		})
		if err != nil {
			return nil, err
		}
		key = "export:" + sum
		if res, ok := e.cachedResult(key); ok {
			return e.finish(req, res, presetSlug, projects)
		}
	}

	narrowed := len(order) > 0 ||
		len(preset.Selection.Entities) > 0 ||
		len(preset.Selection.PayloadFilters) > 0

	entities := []any{}
	index := []string{}
	contributed := []string{}
	stats := Stats{}
	for _, project := range projects {
		collected, versions, err := e.collectProject(project, preset, refs, req.Params)
		if err != nil {
			return nil, err
		}
		if len(collected) == 0 {
			continue
		}
		contributed = append(contributed, project)
		for _, ent := range collected {
			entities = append(entities, ent)
			index = append(index, project+"."+ent["slug"].(string))
		}
		stats.Versions += versions
	}
	stats.Projects = len(contributed)
	stats.Entities = len(entities)

	scope := ScopeProjectSlice
	switch {
	case wildcard:
		scope = ScopeBrain
	case len(projects) == 1 && !narrowed:
		scope = ScopeProject
	}

	lay, err := e.loadLayout(preset.Templates.Layout)
	if err != nil {
		return nil, err
	}

	action := map[string]any{
		"command":  "export",
		"mode":     mode,
		"projects": projects,
	}
	if presetSlug != "" {
		action["preset"] = presetSlug
	}
	if len(req.Entities) > 0 {
		action["selectors"] = req.Entities
	}
	if len(req.Params) > 0 {
		action["params"] = req.Params
	}

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	data := map[string]any{
		"action":      action,
		"description": req.Description,
		"entities":    entities,
		"index": map[string]any{
			"projects": contributed,
			"entities": index,
		},
		"policies": map[string]any{
			"references": preset.Policies.References,
			"cache":      preset.Policies.Cache,
		},
		"scope": scope,
		"stats": map[string]any{
			"projects": stats.Projects,
			"entities": stats.Entities,
			"versions": stats.Versions,
		},
		"usage":  req.Usage,
		"params": params,
	}

	tpl := preset.Templates.EntityTemplate
	if tpl == nil {
		tpl = lay.EntityTemplate
	}
	if tpl != nil {
		data["entities"] = renderEntities(tpl, entities, data)
	}

	bundle := renderValue(lay.Structure, data)
	raw, err := canonical.Marshal(bundle)
	if err != nil {
		return nil, fault.Internal("bundle does not canonicalize: %v", err).WithCause(err)
	}
	decoded, err := canonical.Decode(raw)
	if err != nil {
		return nil, fault.Internal("bundle does not round-trip: %v", err).WithCause(err)
	}

	result := &Result{
		Bundle: decoded,
		Raw:    raw,
		Scope:  scope,
		Stats:  stats,
		Preset: presetSlug,
		Mode:   mode,
	}

	if useCache {
		blob, err := json.Marshal(cachedBundle{Raw: raw, Scope: scope, Stats: stats, Preset: presetSlug, Mode: mode})
		if err == nil {
			if err := e.store.Put(key, string(blob), 0, "exports"); err != nil {
				e.logger.Warn("export cache write failed", "error", err)
			}
		}
	}

	return e.finish(req, result, presetSlug, projects)
}

// cachedResult restores a previously computed bundle from the cache.
func (e *Engine) cachedResult(key string) (*Result, bool) {
	stored, ok := e.store.Get(key, nil)
	if !ok {
		return nil, false
	}
	s, ok := stored.(string)
	if !ok {
		return nil, false
	}
	var cb cachedBundle
	if err := json.Unmarshal([]byte(s), &cb); err != nil {
		return nil, false
	}
	decoded, err := canonical.Decode(cb.Raw)
	if err != nil {
		return nil, false
	}
	return &Result{
		Bundle: decoded,
		Raw:    []byte(cb.Raw),
		Cached: true,
		Scope:  cb.Scope,
		Stats:  cb.Stats,
		Preset: cb.Preset,
		Mode:   cb.Mode,
	}, true
}

// finish handles the side effects shared by fresh and cached runs:
// optional file write and the completion event.
func (e *Engine) finish(req Request, result *Result, presetSlug string, projects []string) (*Result, error) {
	if req.Write {
		base := presetSlug
		if base == "" {
			base = projects[0]
		}
		file, err := e.writeBundle(req.Filename, base, result.Raw)
		if err != nil {
			return nil, err
		}
		result.File = file
	}
	e.bus.Emit("export.completed", map[string]any{
		"mode":     result.Mode,
		"preset":   presetSlug,
		"scope":    result.Scope,
		"projects": projects,
		"entities": result.Stats.Entities,
		"cached":   result.Cached,
	})
	return result, nil
}

// resolveProjects expands raw selectors into a sorted, deduplicated slug
// list. Supported selectors: literal slugs, "*", "${project}" (the
// request's projects) and "${param.name}" (a request parameter holding a
// slug, a CSV string or a list). The second return reports wildcard use.
func (e *Engine) resolveProjects(selectors []string, req Request) ([]string, bool, error) {
	var tokens []string
	for _, sel := range selectors {
		sel = strings.TrimSpace(sel)
		switch {
		case sel == "":
			continue
		case sel == "${project}":
			if len(req.Projects) == 0 {
				return nil, false, fault.Invalid("preset expects target projects in the request")
			}
			tokens = append(tokens, req.Projects...)
		case strings.HasPrefix(sel, "${param.") && strings.HasSuffix(sel, "}"):
			name := sel[len("${param.") : len(sel)-1]
			v, ok := req.Params[name]
			if !ok {
				return nil, false, fault.Invalid("selector %s needs parameter %q", sel, name)
			}
			tokens = append(tokens, selectorValues(v)...)
		default:
			tokens = append(tokens, sel)
		}
	}

	wildcard := false
	seen := make(map[string]bool)
	var out []string
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if tok == "*" {
			wildcard = true
			infos, err := e.repo.ListProjects()
			if err != nil {
				return nil, false, err
			}
			for _, info := range infos {
				if !seen[info.Slug] {
					seen[info.Slug] = true
					out = append(out, info.Slug)
				}
			}
			continue
		}
		if strings.Contains(tok, "${") {
			return nil, false, fault.Invalid("unsupported project selector %q", tok)
		}
		if !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
	}
	sort.Strings(out)
	return out, wildcard, nil
}

// selectorValues flattens a parameter value into selector tokens.
func selectorValues(v any) []string {
	switch t := v.(type) {
	case string:
		parts := strings.Split(t, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	case []any:
		var out []string
		for _, item := range t {
			out = append(out, selectorValues(item)...)
		}
		return out
	default:
		return []string{fmt.Sprint(t)}
	}
}

// parseEntitySelectors splits "slug", "slug@2" and "slug#hash" forms into
// per-slug version references. An empty reference means the active version.
func parseEntitySelectors(raw []string) ([]string, map[string][]string, error) {
	var order []string
	refs := make(map[string][]string)
	for _, sel := range raw {
		sel = strings.TrimSpace(sel)
		if sel == "" {
			continue
		}
		slug, ref := sel, ""
		if idx := strings.IndexAny(sel, "@#"); idx >= 0 {
			if idx == 0 {
				return nil, nil, fault.Invalid("entity selector %q is missing a slug", sel)
			}
			slug, ref = sel[:idx], sel[idx:]
		}
		if _, ok := refs[slug]; !ok {
			order = append(order, slug)
		}
		if !containsString(refs[slug], ref) {
			refs[slug] = append(refs[slug], ref)
		}
	}
	return order, refs, nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// collectProject gathers the exported entity maps for one project in slug
// order. Entities without an active version are skipped unless a selector
// pins an explicit version of them.
func (e *Engine) collectProject(project string, preset *Preset, refs map[string][]string, params map[string]any) ([]map[string]any, int, error) {
	infos, err := e.repo.ListEntities(project)
	if err != nil {
		return nil, 0, err
	}

	var entities []map[string]any
	versionCount := 0
	for _, info := range infos {
		versionRefs := []string{""}
		if len(refs) > 0 {
			r, ok := refs[info.Slug]
			if !ok {
				continue
			}
			versionRefs = r
		}

		var recs []*brain.Record
		for _, ref := range versionRefs {
			rec, err := e.repo.GetEntityVersion(project, info.Slug, ref)
			if err != nil {
				if ref == "" && fault.KindOf(err) == fault.KindNotFound {
					continue
				}
				return nil, 0, err
			}
			recs = append(recs, rec)
		}
		if len(recs) == 0 {
			continue
		}

		candidate := filter.Candidate{
			Slug:    info.Slug,
			Parent:  info.Parent,
			Path:    info.PathSegments,
			Payload: recs[0].Payload,
		}
		if ok, err := e.filters.Matches(candidate, preset.Selection.Entities); err != nil {
			return nil, 0, err
		} else if !ok {
			continue
		}
		if ok, err := e.filters.Matches(candidate, preset.Selection.PayloadFilters); err != nil {
			return nil, 0, err
		} else if !ok {
			continue
		}

		versions := make([]any, 0, len(recs))
		for _, rec := range recs {
			payload, err := e.transformPayload(rec, preset, params)
			if err != nil {
				return nil, 0, err
			}
			versions = append(versions, map[string]any{
				"version":      rec.Version,
				"commit":       rec.Commit,
				"status":       rec.Status,
				"committed_at": rec.CommittedAt,
				"payload":      payload,
			})
		}

		path := info.PathSegments
		if len(path) == 0 {
			path = []string{info.Slug}
		}
		ent := map[string]any{
			"slug":             info.Slug,
			"path":             path,
			"project":          project,
			"payload_versions": versions,
		}
		if info.Parent != "" {
			ent["parent"] = info.Parent
		}
		entities = append(entities, ent)
		versionCount += len(recs)
	}
	return entities, versionCount, nil
}

// transformPayload applies whitelist, blacklist and the references policy
// to one version's payload and decodes the outcome for embedding.
func (e *Engine) transformPayload(rec *brain.Record, preset *Preset, params map[string]any) (any, error) {
	payload := []byte(rec.Payload)
	payload, err := applyWhitelist(payload, preset.Transform.Whitelist)
	if err != nil {
		return nil, err
	}
	payload, err = applyBlacklist(payload, preset.Transform.Blacklist)
	if err != nil {
		return nil, err
	}

	switch preset.Policies.References {
	case ReferencesResolve, "":
		payload, err = e.res.ResolvePayload(payload, resolver.Context{
			Project: rec.Project,
			Entity:  rec.Entity,
			Version: rec.Version,
			Params:  params,
			Path:    rec.PathSegments,
		})
	case ReferencesStrip:
		payload, err = resolver.StripPayload(payload)
	case ReferencesKeep:
	default:
		return nil, fault.Invalid("unknown references policy %q", preset.Policies.References)
	}
	if err != nil {
		return nil, err
	}
	return canonical.Decode(payload)
}

// renderEntities renders each entity through the template. The template
// sees the shared bundle data with "entities" swapped for one "entity".
func renderEntities(tpl any, entities []any, data map[string]any) []any {
	out := make([]any, 0, len(entities))
	for _, ent := range entities {
		scoped := make(map[string]any, len(data))
		for k, v := range data {
			if k == "entities" {
				continue
			}
			scoped[k] = v
		}
		scoped["entity"] = ent
		out = append(out, renderValue(tpl, scoped))
	}
	return out
}

var (
	layoutPlaceholder = regexp.MustCompile(`\$\{([a-zA-Z0-9_.-]+)\}`)
	exactPlaceholder  = regexp.MustCompile(`^\$\{([a-zA-Z0-9_.-]+)\}$`)
)

// renderValue substitutes "${key}" placeholders throughout a layout value.
// A string that is exactly one placeholder takes the referenced value with
// its type intact; placeholders embedded in longer strings are replaced by
// text, composites as canonical JSON. Unknown keys stay verbatim.
func renderValue(v any, data map[string]any) any {
	switch t := v.(type) {
	case string:
		if m := exactPlaceholder.FindStringSubmatch(t); m != nil {
			if val, ok := lookupData(data, m[1]); ok {
				return val
			}
			return t
		}
		return layoutPlaceholder.ReplaceAllStringFunc(t, func(match string) string {
			val, ok := lookupData(data, match[2:len(match)-1])
			if !ok {
				return match
			}
			return placeholderText(val)
		})
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = renderValue(val, data)
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, item := range t {
			out = append(out, renderValue(item, data))
		}
		return out
	default:
		return v
	}
}

// lookupData resolves a dotted placeholder key against the bundle data.
// The head names a data entry; any remainder is a path into it.
func lookupData(data map[string]any, key string) (any, bool) {
	head, tail, _ := strings.Cut(key, ".")
	base, ok := data[head]
	if !ok {
		return nil, false
	}
	if tail == "" {
		return base, true
	}
	raw, err := canonical.Marshal(base)
	if err != nil {
		return nil, false
	}
	res := gjson.GetBytes(raw, filter.NormalizePath(tail))
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

func placeholderText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		raw, err := canonical.Marshal(t)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

// writeBundle persists raw bundle bytes under the exports directory.
// Filenames are flattened to their base name; missing names derive from
// the preset or first project plus a UTC timestamp.
func (e *Engine) writeBundle(filename, base string, raw []byte) (string, error) {
	name := strings.TrimSpace(filename)
	if name == "" {
		name = base + "-" + e.clock().UTC().Format("20060102T150405Z")
	}
	name = filepath.Base(name)
	if !strings.HasSuffix(name, ".json") {
		name += ".json"
	}
	dir := e.locator.ExportsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fault.Storage("cannot prepare exports directory: %v", err).WithCause(err)
	}
	target := filepath.Join(dir, name)
	if err := os.WriteFile(target, raw, 0o644); err != nil {
		return "", fault.Storage("cannot write export file: %v", err).WithCause(err)
	}
	return target, nil
}