// Package events provides the synchronous named-event bus the engine uses
// for storage and command telemetry. Emission happens inline on the
// caller's goroutine; handlers must be fast and must not dispatch commands.
package events

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Event is a named occurrence with a free-form payload.
type Event struct {
	Name    string
	Payload map[string]any
}

// Handler consumes one event.
type Handler func(Event)

type subscription struct {
	id      int
	pattern string
	fn      Handler
}

// Bus fans events out to subscribers synchronously, in subscription order.
// Patterns are exact names, a bare "*", or a "prefix.*" suffix wildcard.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{logger: slog.Default().With("component", "events")}
}

// Subscribe registers a handler for every event matching pattern and
// returns a subscription id for Unsubscribe.
func (b *Bus) Subscribe(pattern string, fn Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs = append(b.subs, subscription{id: b.nextID, pattern: pattern, fn: fn})
	return b.nextID
}

// Unsubscribe removes a subscription by id. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers the event to all matching subscribers. A panicking handler
// is recovered and logged; remaining handlers still run.
func (b *Bus) Emit(name string, payload map[string]any) {
	b.mu.RLock()
	matched := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if Matches(s.pattern, name) {
			matched = append(matched, s.fn)
		}
	}
	b.mu.RUnlock()

	ev := Event{Name: name, Payload: payload}
	for _, fn := range matched {
		b.deliver(fn, ev)
	}
}

func (b *Bus) deliver(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", ev.Name, "panic", r)
		}
	}()
	fn(ev)
}

// Patterns returns the distinct subscribed patterns, sorted. Used by
// diagnostics.
func (b *Bus) Patterns() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[string]struct{}, len(b.subs))
	for _, s := range b.subs {
		seen[s.pattern] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Matches reports whether an event name satisfies a pattern. "*" matches
// everything; "prefix.*" matches any name beginning with "prefix.".
func Matches(pattern, name string) bool {
	if pattern == "*" || pattern == name {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(name, pattern[:len(pattern)-1])
	}
	return false
}
