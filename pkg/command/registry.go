package command

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dominikletica/aaviondb/pkg/events"
	"github.com/dominikletica/aaviondb/pkg/fault"
)

// Request is what a handler receives: the normalized action and the
// merged parameters. Adapter metadata (request id, client, source) rides
// on the context via WithRequestMeta.
type Request struct {
	Action string
	Params map[string]any
}

// Param returns a string parameter, trimmed. Missing or non-string values
// yield "".
func (r *Request) Param(key string) string {
	v, ok := r.Params[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// Bool reports a truthy parameter: true, "true", "1", "yes" or "on".
func (r *Request) Bool(key string) bool {
	switch v := r.Params[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on":
			return true
		}
	}
	return false
}

// Handler executes one command. It returns either a prepared *Response,
// any other value (wrapped into a success envelope), or an error (wrapped
// into an error envelope by fault kind).
type Handler func(ctx context.Context, req *Request) (any, error)

// Meta describes a command for `help`.
type Meta struct {
	Description string `json:"description"`
	Group       string `json:"group"`
	Usage       string `json:"usage"`
}

// Sink observes completed dispatches. The registry calls every attached
// sink after each command; sinks must not block.
type Sink interface {
	RecordCommand(ctx context.Context, action, status string, duration time.Duration, meta map[string]any)
}

type commandEntry struct {
	handler Handler
	meta    Meta
}

// Registry maps action names to handlers and owns the dispatch envelope:
// panics become error envelopes, outcomes are emitted on the bus and
// forwarded to attached sinks.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]commandEntry
	sinks    []Sink
	bus      *events.Bus
	logger   *slog.Logger
	clock    func() time.Time
}

// NewRegistry builds an empty registry reporting on bus.
func NewRegistry(bus *events.Bus) *Registry {
	return &Registry{
		commands: make(map[string]commandEntry),
		bus:      bus,
		logger:   slog.Default().With("component", "commands"),
		clock:    time.Now,
	}
}

// Register binds an action to a handler. Re-registering an action
// replaces the previous binding.
func (r *Registry) Register(action string, handler Handler, meta Meta) error {
	action = strings.ToLower(strings.TrimSpace(action))
	if action == "" {
		return fault.Invalid("command action must not be empty")
	}
	if handler == nil {
		return fault.Invalid("command %q has no handler", action)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[action] = commandEntry{handler: handler, meta: meta}
	return nil
}

// AttachSink adds an outcome observer (audit store, metrics provider).
func (r *Registry) AttachSink(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

// Lookup returns the metadata for one action.
func (r *Registry) Lookup(action string) (Meta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.commands[strings.ToLower(action)]
	return e.meta, ok
}

// CommandInfo pairs an action with its metadata for listings.
type CommandInfo struct {
	Action string `json:"action"`
	Meta
}

// Commands lists every registered action sorted by group then action.
func (r *Registry) Commands() []CommandInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CommandInfo, 0, len(r.commands))
	for action, e := range r.commands {
		out = append(out, CommandInfo{Action: action, Meta: e.meta})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Action < out[j].Action
	})
	return out
}

// Dispatch runs one action and always returns an envelope; errors and
// panics are folded into it, never propagated.
func (r *Registry) Dispatch(ctx context.Context, action string, params map[string]any) *Response {
	action = strings.ToLower(strings.TrimSpace(action))
	if params == nil {
		params = make(map[string]any)
	}

	r.mu.RLock()
	entry, ok := r.commands[action]
	r.mu.RUnlock()
	if !ok {
		resp := Fail(action, fault.Invalid("unknown action %q", action).WithMeta("reason", "unknown_action"))
		r.finish(ctx, action, resp, 0)
		return resp
	}

	start := r.clock()
	resp := r.invoke(ctx, action, entry.handler, params)
	duration := r.clock().Sub(start)
	r.finish(ctx, action, resp, duration)
	return resp
}

// invoke runs the handler with panic containment.
func (r *Registry) invoke(ctx context.Context, action string, handler Handler, params map[string]any) (resp *Response) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("command panicked", "action", action, "panic", rec)
			resp = Fail(action, fault.Internal("command %q panicked", action))
			resp.WithMeta("exception", map[string]any{
				"message": fmt.Sprint(rec),
				"type":    fmt.Sprintf("%T", rec),
			})
		}
	}()

	result, err := handler(ctx, &Request{Action: action, Params: params})
	if err != nil {
		return Fail(action, err)
	}
	if prepared, ok := result.(*Response); ok && prepared != nil {
		if prepared.Action == "" {
			prepared.Action = action
		}
		if prepared.Status == "" {
			prepared.Status = StatusOK
		}
		return prepared
	}
	return &Response{Status: StatusOK, Action: action, Data: result}
}

// finish reports the outcome on the bus and to the sinks.
func (r *Registry) finish(ctx context.Context, action string, resp *Response, duration time.Duration) {
	ms := duration.Milliseconds()
	if resp.IsError() {
		r.bus.Emit("command.failed", map[string]any{
			"action":      action,
			"message":     resp.Message,
			"kind":        string(resp.Kind()),
			"duration_ms": ms,
		})
	} else {
		r.bus.Emit("command.executed", map[string]any{
			"action":      action,
			"status":      resp.Status,
			"duration_ms": ms,
		})
	}

	r.mu.RLock()
	sinks := make([]Sink, len(r.sinks))
	copy(sinks, r.sinks)
	r.mu.RUnlock()
	for _, s := range sinks {
		s.RecordCommand(ctx, action, resp.Status, duration, resp.Meta)
	}
}
