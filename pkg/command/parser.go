package command

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/dominikletica/aaviondb/pkg/events"
	"github.com/dominikletica/aaviondb/pkg/fault"
)

// ParseContext is the mutable state a parser handler works on. Handlers
// consume or rewrite Tokens to populate Params, and may rewrite Action to
// redirect the statement.
type ParseContext struct {
	Action string
	Tokens []string
	// Payload is the decoded JSON payload (numbers as json.Number), nil
	// when the statement carried none. Raw holds its exact bytes.
	Payload any
	Raw     json.RawMessage
	Params  map[string]any
	Meta    map[string]any

	rewritten bool
	stopped   bool
}

// SetAction redirects the statement to another action. Handlers for the
// new action run next unless they already ran for this statement.
func (c *ParseContext) SetAction(action string) {
	action = strings.ToLower(strings.TrimSpace(action))
	if action != "" && action != c.Action {
		c.Action = action
		c.rewritten = true
	}
}

// Stop ends handler propagation for this statement.
func (c *ParseContext) Stop() { c.stopped = true }

// TakeToken pops the first remaining token.
func (c *ParseContext) TakeToken() (string, bool) {
	if len(c.Tokens) == 0 {
		return "", false
	}
	tok := c.Tokens[0]
	c.Tokens = c.Tokens[1:]
	return tok, true
}

// LiftKeyValues moves `key=value` and `--key=value` tokens into Params,
// keeping the remaining positional tokens in order. Keys are lowercased;
// values keep their case.
func (c *ParseContext) LiftKeyValues() {
	rest := c.Tokens[:0]
	for _, tok := range c.Tokens {
		trimmed := strings.TrimLeft(tok, "-")
		eq := strings.Index(trimmed, "=")
		if eq <= 0 || !isParamKey(trimmed[:eq]) {
			rest = append(rest, tok)
			continue
		}
		c.Params[strings.ToLower(trimmed[:eq])] = trimmed[eq+1:]
	}
	c.Tokens = rest
}

func isParamKey(s string) bool {
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r == '.' || r == '_' || r == '-' || (r >= '0' && r <= '9')):
		default:
			return false
		}
	}
	return s != ""
}

// ParseHandler mutates the parse context. Returning an error aborts the
// parse and surfaces as invalid_argument unless the error is already
// kinded.
type ParseHandler func(*ParseContext) error

type parseHook struct {
	priority int
	seq      int
	fn       ParseHandler
}

// Parser turns one statement into (action, params). Handlers are the
// extension point: the global bucket runs first, then the handlers
// registered for the current action in descending priority. An action
// rewrite hands the context to the new action's handlers, at most once
// per action.
type Parser struct {
	mu     sync.RWMutex
	seq    int
	global []parseHook
	hooks  map[string][]parseHook
	bus    *events.Bus
	logger *slog.Logger
}

// NewParser builds a parser that reports parsed statements on bus.
func NewParser(bus *events.Bus) *Parser {
	return &Parser{
		hooks:  make(map[string][]parseHook),
		bus:    bus,
		logger: slog.Default().With("component", "parser"),
	}
}

// OnAny registers a handler that runs for every statement before the
// per-action handlers.
func (p *Parser) OnAny(priority int, fn ParseHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.global = insertHook(p.global, parseHook{priority: priority, seq: p.seq, fn: fn})
}

// On registers a handler for one action.
func (p *Parser) On(action string, priority int, fn ParseHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	action = strings.ToLower(action)
	p.hooks[action] = insertHook(p.hooks[action], parseHook{priority: priority, seq: p.seq, fn: fn})
}

// insertHook keeps the slice ordered by priority descending, registration
// order within equal priorities.
func insertHook(hooks []parseHook, h parseHook) []parseHook {
	hooks = append(hooks, h)
	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].priority > hooks[j].priority })
	return hooks
}

// Parse splits a statement into action, tokens and at most one JSON
// payload, then runs the handler chain. The returned context carries the
// final action and params for dispatch.
func (p *Parser) Parse(statement string) (*ParseContext, error) {
	statement = strings.TrimSpace(statement)
	if statement == "" {
		return nil, fault.Invalid("empty statement")
	}

	action := statement
	remainder := ""
	if i := strings.IndexFunc(statement, unicode.IsSpace); i >= 0 {
		action = statement[:i]
		remainder = statement[i+1:]
	}

	payload, raw, rest, err := extractPayload(remainder)
	if err != nil {
		return nil, err
	}
	tokens, err := Tokenize(rest)
	if err != nil {
		return nil, err
	}

	ctx := &ParseContext{
		Action:  strings.ToLower(action),
		Tokens:  tokens,
		Payload: payload,
		Raw:     raw,
		Params:  make(map[string]any),
		Meta:    make(map[string]any),
	}
	if payload != nil {
		ctx.Params["payload"] = payload
	}

	if err := p.runHooks(ctx); err != nil {
		return nil, err
	}

	p.bus.Emit("command.parser.parsed", map[string]any{
		"action":      ctx.Action,
		"tokens":      len(ctx.Tokens),
		"has_payload": ctx.Payload != nil,
	})
	return ctx, nil
}

func (p *Parser) runHooks(ctx *ParseContext) error {
	p.mu.RLock()
	global := make([]parseHook, len(p.global))
	copy(global, p.global)
	p.mu.RUnlock()

	for _, h := range global {
		if err := h.fn(ctx); err != nil {
			return err
		}
		if ctx.stopped {
			return nil
		}
	}

	visited := make(map[string]bool)
	for !visited[ctx.Action] {
		action := ctx.Action
		visited[action] = true
		ctx.rewritten = false

		p.mu.RLock()
		hooks := make([]parseHook, len(p.hooks[action]))
		copy(hooks, p.hooks[action])
		p.mu.RUnlock()

		for _, h := range hooks {
			if err := h.fn(ctx); err != nil {
				return err
			}
			if ctx.stopped {
				return nil
			}
			if ctx.rewritten {
				break
			}
		}
		if !ctx.rewritten {
			return nil
		}
		if visited[ctx.Action] {
			p.logger.Debug("action rewrite cycle stopped", "action", ctx.Action)
			return nil
		}
	}
	return nil
}

// LiftFlags is a global parse handler moving `--key=value` tokens into
// Params for every statement, before any per-action handler runs. Bare
// `key=value` tokens are left alone; grammars that want those lifted call
// LiftKeyValues themselves.
func LiftFlags(ctx *ParseContext) error {
	rest := ctx.Tokens[:0]
	for _, tok := range ctx.Tokens {
		if !strings.HasPrefix(tok, "--") {
			rest = append(rest, tok)
			continue
		}
		trimmed := tok[2:]
		eq := strings.Index(trimmed, "=")
		if eq <= 0 || !isParamKey(trimmed[:eq]) {
			rest = append(rest, tok)
			continue
		}
		ctx.Params[strings.ToLower(trimmed[:eq])] = trimmed[eq+1:]
	}
	ctx.Tokens = rest
	return nil
}

// Tokenize splits text on whitespace, honoring single and double quotes
// with backslash escapes. Quotes group words into one token; an empty
// quoted pair yields an empty token.
func Tokenize(s string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	var quote rune
	started := false
	escaped := false

	flush := func() {
		if started {
			tokens = append(tokens, cur.String())
			cur.Reset()
			started = false
		}
	}

	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			started = true
			escaped = false
		case r == '\\':
			escaped = true
			started = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			started = true
		case unicode.IsSpace(r):
			flush()
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	if quote != 0 {
		return nil, fault.Invalid("unterminated %q quote in statement", string(quote))
	}
	if escaped {
		return nil, fault.Invalid("dangling backslash in statement")
	}
	flush()
	return tokens, nil
}

// extractPayload finds the first unquoted '{' or '[' and strictly decodes
// one JSON value from there. Text after the value returns to the token
// stream. No opener means no payload.
func extractPayload(s string) (any, json.RawMessage, string, error) {
	start := -1
	var quote byte
	escaped := false
	for i := 0; i < len(s); i++ {
		b := s[i]
		switch {
		case escaped:
			escaped = false
		case b == '\\':
			escaped = true
		case quote != 0:
			if b == quote {
				quote = 0
			}
		case b == '"' || b == '\'':
			quote = b
		case b == '{' || b == '[':
			start = i
		}
		if start >= 0 {
			break
		}
	}
	if start < 0 {
		return nil, nil, s, nil
	}

	dec := json.NewDecoder(strings.NewReader(s[start:]))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, nil, "", fault.Invalid("invalid JSON payload").WithCause(err)
	}
	end := start + int(dec.InputOffset())
	raw := json.RawMessage(strings.TrimSpace(s[start:end]))
	rest := strings.TrimSpace(s[:start]) + " " + strings.TrimSpace(s[end:])
	return value, raw, strings.TrimSpace(rest), nil
}
