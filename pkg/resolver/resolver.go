// Package resolver expands [ref …] and [query …] shortcodes embedded in
// payload strings. Resolution is marker-based: output wraps the rendered
// text in `[tag! attrs]…[/tag!]` so StripPayload can always recover the
// original shortcodes, keeping resolved payloads safe to re-import.
package resolver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/dominikletica/aaviondb/pkg/brain"
	"github.com/dominikletica/aaviondb/pkg/canonical"
	"github.com/dominikletica/aaviondb/pkg/fault"
	"github.com/dominikletica/aaviondb/pkg/filter"
)

// DefaultMaxDepth bounds recursive resolution when resolver.max_depth is
// not configured.
const DefaultMaxDepth = 6

// Context identifies the entity a payload belongs to while it is being
// resolved. Params feed ${param.*}; Payload feeds ${payload.*}; Path is
// the entity's path_segments for {record.url} computation.
type Context struct {
	Project string
	Entity  string
	Version string
	Params  map[string]any
	Payload []byte
	Path    []string
}

// UID is the entity identifier carried on the cycle stack.
func (c Context) UID() string { return c.Project + "." + c.Entity }

// Engine resolves shortcodes against a brain repository. Engines are
// stateless; every top-level call gets its own memo and visit stack.
type Engine struct {
	repo   *brain.Repository
	logger *slog.Logger
}

// New builds an engine over the repository.
func New(repo *brain.Repository) *Engine {
	return &Engine{repo: repo, logger: slog.Default().With("component", "resolver")}
}

// MaxDepth reads resolver.max_depth from the active brain's config.
func (e *Engine) MaxDepth() int {
	v := e.repo.ConfigValueOr("resolver.max_depth", false, nil)
	if n := toInt(v); n > 0 {
		return n
	}
	return DefaultMaxDepth
}

// ResolvePayload expands every shortcode in the payload's string fields
// and returns canonical JSON. Existing markers are stripped first, so
// resolving an already-resolved payload is stable.
func (e *Engine) ResolvePayload(payload []byte, ctx Context) ([]byte, error) {
	if len(payload) == 0 {
		return payload, nil
	}
	value, err := canonical.Decode(payload)
	if err != nil {
		return nil, err
	}
	if ctx.Payload == nil {
		ctx.Payload = payload
	}
	r := e.newResolution()
	return canonical.Marshal(r.walk(value, ctx))
}

// ResolveString expands shortcodes in one string.
func (e *Engine) ResolveString(s string, ctx Context) string {
	return e.newResolution().resolveString(s, ctx)
}

type visit struct {
	uid  string
	path string
}

// resolution is the per-call state: memo, visit stack and depth counter.
type resolution struct {
	engine *Engine
	memo   map[string]string
	stack  []visit
	depth  int
	max    int
}

func (e *Engine) newResolution() *resolution {
	return &resolution{
		engine: e,
		memo:   make(map[string]string),
		max:    e.MaxDepth(),
	}
}

func (r *resolution) walk(v any, ctx Context) any {
	switch t := v.(type) {
	case string:
		return r.resolveString(t, ctx)
	case map[string]any:
		for k, item := range t {
			t[k] = r.walk(item, ctx)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = r.walk(item, ctx)
		}
		return t
	default:
		return v
	}
}

// resolveString normalizes any pre-existing markers back to shortcodes,
// then expands each shortcode into its marker form. Depth-exceeded
// shortcodes stay untouched. A resolved opener that survives the strip
// pass is unterminated; it stays verbatim, exactly as StripString
// leaves it.
func (r *resolution) resolveString(s string, ctx Context) string {
	s = StripString(s)
	var out strings.Builder
	i := 0
	for i < len(s) {
		start, tag, attrs, end, resolved := nextMarker(s, i)
		if start < 0 {
			out.WriteString(s[i:])
			break
		}
		out.WriteString(s[i:start])
		if resolved {
			out.WriteString(s[start:end])
			i = end
			continue
		}
		rendered, keep := r.expand(tag, attrs, ctx)
		if keep {
			out.WriteString(s[start:end])
		} else {
			out.WriteString("[" + tag + "! " + normalizeAttrs(attrs) + "]" + rendered + "[/" + tag + "!]")
		}
		i = end
	}
	return out.String()
}

// expand renders one shortcode. keep=true means the original text must
// stay (depth exhausted); errors render as <unresolved: …> inside the
// marker so the strip round-trip still holds.
func (r *resolution) expand(tag, attrs string, ctx Context) (string, bool) {
	if r.depth >= r.max {
		return "", true
	}
	key := ctx.Project + "\x00" + ctx.Entity + "\x00" + tag + "\x00" + normalizeAttrs(attrs)
	if cached, ok := r.memo[key]; ok {
		return cached, false
	}

	var rendered string
	var err error
	switch tag {
	case tagRef:
		rendered, err = r.expandRef(attrs, ctx)
	case tagQuery:
		rendered, err = r.expandQuery(attrs, ctx)
	}
	if err != nil {
		rendered = "<unresolved: " + fault.As(err).Message + ">"
		r.engine.logger.Debug("shortcode failed", "tag", tag, "attrs", attrs, "error", err)
	}
	r.memo[key] = rendered
	return rendered, false
}

// expandRef renders `target [path] [| option=value]…` where target is
// `@project.entity[@version|#hash]`. A target without a project part
// resolves within the current project.
func (r *resolution) expandRef(attrs string, ctx Context) (string, error) {
	segments := strings.Split(attrs, "|")
	head := strings.Fields(segments[0])
	if len(head) == 0 {
		return "", fault.Invalid("ref target is missing")
	}
	opts := parseOptions(segments[1:])

	target := r.expandPlaceholders(head[0], ctx)
	path := ""
	if len(head) > 1 {
		path = head[1]
	}

	project, entity, version, err := parseTarget(target, ctx)
	if err != nil {
		return "", err
	}
	rec, err := r.engine.repo.GetEntityVersion(project, entity, version)
	if err != nil {
		return "", err
	}

	targetCtx := Context{
		Project: rec.Project,
		Entity:  rec.Entity,
		Version: rec.Version,
		Params:  ctx.Params,
		Payload: rec.Payload,
		Path:    rec.PathSegments,
	}

	if path == "" {
		return formatWholeValue(rec.Payload, opts)
	}
	res := gjson.GetBytes(rec.Payload, filter.NormalizePath(path))
	if !res.Exists() {
		return "", fault.Invalid("path %q not present in %s.%s", path, rec.Project, rec.Entity)
	}
	if res.Type == gjson.String {
		v := visit{uid: targetCtx.UID(), path: path}
		if r.onStack(v) {
			return "<cycle>", nil
		}
		r.stack = append(r.stack, v)
		r.depth++
		resolved := r.resolveString(res.Str, targetCtx)
		r.depth--
		r.stack = r.stack[:len(r.stack)-1]
		return resolved, nil
	}
	return formatResult(res, opts)
}

func (r *resolution) onStack(v visit) bool {
	for _, s := range r.stack {
		if s == v {
			return true
		}
	}
	return false
}

// parseTarget splits `@project.entity[@version|#hash]`. The split is on
// the first dot; slugs may themselves contain dots, so the project part
// never does.
func parseTarget(target string, ctx Context) (project, entity, version string, err error) {
	if !strings.HasPrefix(target, "@") {
		return "", "", "", fault.Invalid("ref target must start with '@'")
	}
	body := target[1:]
	if idx := strings.IndexAny(body, "@#"); idx >= 0 {
		version = body[idx:]
		body = body[:idx]
	}
	if body == "" {
		return "", "", "", fault.Invalid("ref target %q has no entity", target)
	}
	project = ctx.Project
	entity = body
	if dot := strings.Index(body, "."); dot >= 0 {
		project, entity = body[:dot], body[dot+1:]
	}
	if project == "" || entity == "" {
		return "", "", "", fault.Invalid("ref target %q is incomplete", target)
	}
	return project, entity, version, nil
}

var placeholderPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandPlaceholders substitutes ${project}, ${entity}, ${uid},
// ${version}, ${param.*} and ${payload.*}. Unknown placeholders stay
// verbatim.
func (r *resolution) expandPlaceholders(s string, ctx Context) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		key := strings.TrimSpace(m[2 : len(m)-1])
		switch {
		case key == "project":
			return ctx.Project
		case key == "entity":
			return ctx.Entity
		case key == "uid":
			return ctx.UID()
		case key == "version":
			return ctx.Version
		case strings.HasPrefix(key, "param."):
			if v, ok := ctx.Params[key[len("param."):]]; ok {
				return fmt.Sprint(v)
			}
			return m
		case strings.HasPrefix(key, "payload."):
			res := gjson.GetBytes(ctx.Payload, filter.NormalizePath(key[len("payload."):]))
			if res.Exists() {
				return scalarString(res)
			}
			return m
		default:
			return m
		}
	})
}

// recordURLs computes the target's URL forms relative to the caller.
// The absolute form is the slash-joined path; the relative form walks up
// from the caller's parent chain.
func recordURLs(callerPath, targetPath []string) (relative, absolute string) {
	absolute = "/" + strings.Join(targetPath, "/")

	callerDir := callerPath
	if len(callerDir) > 0 {
		callerDir = callerDir[:len(callerDir)-1]
	}
	common := 0
	for common < len(callerDir) && common < len(targetPath) && callerDir[common] == targetPath[common] {
		common++
	}
	var b strings.Builder
	for i := common; i < len(callerDir); i++ {
		b.WriteString("../")
	}
	b.WriteString(strings.Join(targetPath[common:], "/"))
	relative = b.String()
	if relative == "" {
		relative = "."
	}
	return relative, absolute
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n)
		}
	case string:
		var n int
		if _, err := fmt.Sscanf(t, "%d", &n); err == nil {
			return n
		}
	}
	return 0
}
