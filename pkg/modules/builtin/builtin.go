// Package builtin holds the engine's built-in command modules. Each
// module contributes one command group: parse hooks that turn statement
// grammar into canonical actions, plus handlers operating on the services
// its capabilities grant. Importing this package for side effects is what
// populates the module registry; the loader then initializes the modules
// in dependency order.
package builtin

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/dominikletica/aaviondb/pkg/brain"
	"github.com/dominikletica/aaviondb/pkg/command"
	"github.com/dominikletica/aaviondb/pkg/fault"
)

// builtinVersion is stamped on every built-in module descriptor.
const builtinVersion = "1.0.0"

// registrar accumulates command registrations for one module with a
// sticky error, so init functions stay flat.
type registrar struct {
	reg   *command.Registry
	group string
	err   error
}

func (r *registrar) add(action, description, usage string, h command.Handler) {
	if r.err != nil {
		return
	}
	r.err = r.reg.Register(action, h, command.Meta{
		Description: description,
		Group:       r.group,
		Usage:       usage,
	})
}

// subcommands returns a parse hook rewriting an umbrella action such as
// "brain" to its dotted form ("brain.list") using the first token.
func subcommands(group string, subs ...string) command.ParseHandler {
	allowed := make(map[string]bool, len(subs))
	for _, s := range subs {
		allowed[s] = true
	}
	usage := group + " <" + strings.Join(subs, "|") + ">"
	return func(ctx *command.ParseContext) error {
		tok, ok := ctx.TakeToken()
		if !ok {
			return fault.Invalid("usage: %s", usage)
		}
		sub := strings.ToLower(tok)
		if !allowed[sub] {
			return fault.Invalid("unknown %s subcommand %q (usage: %s)", group, tok, usage)
		}
		ctx.SetAction(group + "." + sub)
		return nil
	}
}

// bind assigns the remaining positional tokens to the named params in
// order, stopping when either runs out.
func bind(ctx *command.ParseContext, names ...string) {
	for _, name := range names {
		tok, ok := ctx.TakeToken()
		if !ok {
			return
		}
		ctx.Params[name] = tok
	}
}

// takeFlag removes the first case-insensitive occurrence of word from the
// tokens and reports whether it was present.
func takeFlag(ctx *command.ParseContext, word string) bool {
	for i, tok := range ctx.Tokens {
		if strings.EqualFold(tok, word) {
			ctx.Tokens = append(ctx.Tokens[:i], ctx.Tokens[i+1:]...)
			return true
		}
	}
	return false
}

// requireParam returns a non-empty string parameter or an invalid fault
// carrying the usage line.
func requireParam(req *command.Request, key, usage string) (string, error) {
	v := req.Param(key)
	if v == "" {
		return "", fault.Invalid("missing parameter %q (usage: %s)", key, usage)
	}
	return v, nil
}

// payloadRaw returns the request payload re-encoded as raw JSON. Both the
// statement parser and the HTTP adapter decode payloads with json.Number,
// so numeric literals survive the round trip. A string payload that is
// itself valid JSON is passed through untouched.
func payloadRaw(req *command.Request) (json.RawMessage, error) {
	v, ok := req.Params["payload"]
	if !ok || v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case json.RawMessage:
		return t, nil
	case []byte:
		return json.RawMessage(t), nil
	case string:
		trimmed := strings.TrimSpace(t)
		if json.Valid([]byte(trimmed)) {
			return json.RawMessage(trimmed), nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fault.Invalid("payload is not encodable as JSON").WithCause(err)
	}
	return raw, nil
}

// boolOr reads a boolean parameter, falling back to def when the key is
// absent.
func boolOr(req *command.Request, key string, def bool) bool {
	if _, ok := req.Params[key]; !ok {
		return def
	}
	return req.Bool(key)
}

// intParam reads an integer parameter in any of the shapes the adapters
// produce: json.Number, float64, int or a numeric string.
func intParam(req *command.Request, key string, def int) (int, error) {
	v, ok := req.Params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fault.Invalid("parameter %q must be an integer", key)
		}
		return int(i), nil
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return def, nil
		}
		i, err := strconv.Atoi(s)
		if err != nil {
			return 0, fault.Invalid("parameter %q must be an integer", key)
		}
		return i, nil
	}
	return 0, fault.Invalid("parameter %q must be an integer", key)
}

// stringList normalizes a parameter into a list of trimmed strings:
// accepts a CSV string, []string or []any.
func stringList(v any) []string {
	var raw []string
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		raw = strings.Split(t, ",")
	case []string:
		raw = t
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	default:
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// mapParam returns a map-valued parameter, nil when absent or not a map.
func mapParam(req *command.Request, key string) map[string]any {
	m, _ := req.Params[key].(map[string]any)
	return m
}

// activeOr returns the slug parameter, falling back to the active brain.
func activeOr(req *command.Request, repo *brain.Repository) (string, error) {
	slug := req.Param("slug")
	if slug == "" {
		slug = repo.ActiveBrain()
	}
	if slug == "" {
		return "", fault.Invalid("no active brain selected")
	}
	return slug, nil
}
