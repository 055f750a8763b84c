// Package filter selects entities by declarative filter definitions.
// Each definition is {type, config}; a candidate survives when every
// predicate filter matches. Some types are directives (include_references,
// custom_placeholder) that shape the caller's behavior instead of
// matching candidates. Unknown types are logged and ignored.
package filter

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/dominikletica/aaviondb/pkg/fault"
)

// Filter types.
const (
	TypeSlugEquals        = "slug_equals"
	TypeSlugIn            = "slug_in"
	TypeParentContains    = "parent_contains"
	TypePayloadContains   = "payload_contains"
	TypePayloadRegex      = "payload_regex"
	TypePayloadNumeric    = "payload_numeric"
	TypePayloadMissing    = "payload_missing"
	TypePayloadExpr       = "payload_expr"
	TypeIncludeReferences = "include_references"
	TypePlaceholder       = "custom_placeholder"
)

// Definition is one filter.
type Definition struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// Directives are derived from the definition list rather than matched
// against candidates.
type Directives struct {
	IncludeReferences bool
	Placeholders      []string
}

// Candidate is what filters see of an entity: its slug, parent chain and
// the payload bytes of the version under consideration.
type Candidate struct {
	Slug    string
	Parent  string
	Path    []string
	Payload json.RawMessage
}

// Engine evaluates filter definitions. Safe for concurrent use; compiled
// CEL programs are cached per expression.
type Engine struct {
	logger *slog.Logger
	expr   *exprEvaluator
}

// New builds the engine, including the CEL environment for payload_expr.
func New() (*Engine, error) {
	expr, err := newExprEvaluator()
	if err != nil {
		return nil, err
	}
	return &Engine{
		logger: slog.Default().With("component", "filter"),
		expr:   expr,
	}, nil
}

// ParseDefinitions converts the generic JSON shape (a list of
// {type, config} objects) into definitions.
func ParseDefinitions(raw any) ([]Definition, error) {
	if raw == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fault.Invalid("filters are not serializable").WithCause(err)
	}
	var defs []Definition
	if err := json.Unmarshal(encoded, &defs); err != nil {
		return nil, fault.Invalid("filters must be a list of {type, config} objects").WithCause(err)
	}
	return defs, nil
}

// Directives extracts the non-predicate instructions from a definition
// list.
func (e *Engine) Directives(defs []Definition) Directives {
	var d Directives
	for _, def := range defs {
		switch def.Type {
		case TypeIncludeReferences:
			d.IncludeReferences = true
		case TypePlaceholder:
			if name := stringConfig(def.Config, "name"); name != "" {
				d.Placeholders = append(d.Placeholders, name)
			}
		}
	}
	return d
}

// Select returns the slugs of the candidates that pass every predicate
// filter, sorted, plus the derived directives.
func (e *Engine) Select(candidates []Candidate, defs []Definition) ([]string, Directives, error) {
	directives := e.Directives(defs)
	slugs := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ok, err := e.Matches(c, defs)
		if err != nil {
			return nil, directives, err
		}
		if ok {
			slugs = append(slugs, c.Slug)
		}
	}
	sort.Strings(slugs)
	return slugs, directives, nil
}

// Matches reports whether one candidate passes every predicate filter.
func (e *Engine) Matches(c Candidate, defs []Definition) (bool, error) {
	for _, def := range defs {
		ok, err := e.matchOne(c, def)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) matchOne(c Candidate, def Definition) (bool, error) {
	cfg := def.Config
	switch def.Type {
	case TypeSlugEquals:
		return c.Slug == stringConfig(cfg, "value"), nil

	case TypeSlugIn:
		for _, v := range listConfig(cfg, "values") {
			if c.Slug == v {
				return true, nil
			}
		}
		return false, nil

	case TypeParentContains:
		value := stringConfig(cfg, "value")
		if value == "" {
			return false, fault.Invalid("parent_contains requires config.value")
		}
		chain := c.Parent
		if len(c.Path) > 1 {
			chain = strings.Join(c.Path[:len(c.Path)-1], "/")
		}
		return strings.Contains(chain, value), nil

	case TypePayloadContains:
		res, err := payloadField(c, cfg)
		if err != nil {
			return false, err
		}
		return containsValue(res, cfg["value"]), nil

	case TypePayloadRegex:
		res, err := payloadField(c, cfg)
		if err != nil {
			return false, err
		}
		pattern := stringConfig(cfg, "pattern")
		if pattern == "" {
			return false, fault.Invalid("payload_regex requires config.pattern")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fault.Invalid("payload_regex pattern %q: %v", pattern, err)
		}
		return res.Exists() && re.MatchString(res.String()), nil

	case TypePayloadNumeric:
		res, err := payloadField(c, cfg)
		if err != nil {
			return false, err
		}
		if res.Type != gjson.Number {
			return false, nil
		}
		want, ok := numericConfig(cfg, "value")
		if !ok {
			return false, fault.Invalid("payload_numeric requires a numeric config.value")
		}
		return compareNumeric(res.Float(), stringConfig(cfg, "op"), want)

	case TypePayloadMissing:
		res, err := payloadField(c, cfg)
		if err != nil {
			return false, err
		}
		return !res.Exists(), nil

	case TypePayloadExpr:
		expr := stringConfig(cfg, "expr")
		if expr == "" {
			return false, fault.Invalid("payload_expr requires config.expr")
		}
		return e.expr.eval(expr, c)

	case TypeIncludeReferences, TypePlaceholder:
		return true, nil

	default:
		e.logger.Debug("unknown filter type ignored", "type", def.Type)
		return true, nil
	}
}

// payloadField resolves config.path in the candidate payload, translating
// bracketed array indexes into gjson's dotted form.
func payloadField(c Candidate, cfg map[string]any) (gjson.Result, error) {
	path := stringConfig(cfg, "path")
	if path == "" {
		return gjson.Result{}, fault.Invalid("filter requires config.path")
	}
	return gjson.GetBytes(c.Payload, NormalizePath(path)), nil
}

var bracketIndex = regexp.MustCompile(`\[(\d+)\]`)

// NormalizePath converts `a.b[2].c` into gjson's `a.b.2.c`.
func NormalizePath(path string) string {
	return bracketIndex.ReplaceAllString(path, ".$1")
}

func stringConfig(cfg map[string]any, key string) string {
	if cfg == nil {
		return ""
	}
	s, _ := cfg[key].(string)
	return strings.TrimSpace(s)
}

// listConfig accepts a JSON list or a CSV string.
func listConfig(cfg map[string]any, key string) []string {
	if cfg == nil {
		return nil
	}
	switch v := cfg[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case []string:
		return v
	case string:
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return nil
	}
}

func numericConfig(cfg map[string]any, key string) (float64, bool) {
	if cfg == nil {
		return 0, false
	}
	switch v := cfg[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func compareNumeric(got float64, op string, want float64) (bool, error) {
	switch op {
	case "", "=", "==":
		return got == want, nil
	case "!=", "<>":
		return got != want, nil
	case "<":
		return got < want, nil
	case "<=":
		return got <= want, nil
	case ">":
		return got > want, nil
	case ">=":
		return got >= want, nil
	default:
		return false, fault.Invalid("payload_numeric operator %q is not supported", op)
	}
}

// containsValue implements payload_contains: substring on strings,
// membership on arrays, equality otherwise.
func containsValue(res gjson.Result, want any) bool {
	if !res.Exists() {
		return false
	}
	wantStr := fmt.Sprint(want)
	if res.IsArray() {
		for _, item := range res.Array() {
			if item.String() == wantStr {
				return true
			}
		}
		return false
	}
	if res.Type == gjson.String {
		return strings.Contains(res.Str, wantStr)
	}
	return res.String() == wantStr
}
