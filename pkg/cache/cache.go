// Package cache provides the TTL-bounded key/value store behind rate
// limiting, lockdown state and export memoization. The default backend
// writes one JSON file per key with atomic-rename semantics; a Redis
// backend and a null store (cache disabled) implement the same interface.
//
// Callers treat the cache as advisory: a miss or a failed put never
// breaks a command, and concurrent puts on one key are last-writer-wins.
package cache

import (
	"encoding/json"
	"strconv"
	"time"
)

// Store is the cache contract. Values round-trip through JSON, so
// readers see generic decoded values (numbers as float64).
type Store interface {
	// Get returns the stored value, or def when the key is absent or
	// expired. The second return reports a hit.
	Get(key string, def any) (any, bool)
	// Put stores a value for ttl (<=0 means no expiry) under optional
	// tags for selective flushing.
	Put(key string, value any, ttl time.Duration, tags ...string) error
	// Forget removes one key; removing an absent key is not an error.
	Forget(key string) error
	// Flush removes entries carrying any of the tags, or everything when
	// no tags are given.
	Flush(tags ...string) error
}

// Increment bumps an integer counter and returns the new value. The
// read-modify-write is not atomic across processes; the security windows
// tolerate small over/under-counts at the second boundary.
func Increment(s Store, key string, ttl time.Duration, tags ...string) (int64, error) {
	cur, _ := s.Get(key, nil)
	n := ToInt64(cur) + 1
	if err := s.Put(key, n, ttl, tags...); err != nil {
		return 0, err
	}
	return n, nil
}

// ToInt64 coerces JSON-decoded numeric shapes into an int64; anything
// unrecognized counts as zero.
func ToInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return int64(f)
		}
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// Null is the disabled cache: every read misses and writes vanish.
type Null struct{}

// NewNull returns the null store.
func NewNull() Null { return Null{} }

func (Null) Get(_ string, def any) (any, bool)               { return def, false }
func (Null) Put(string, any, time.Duration, ...string) error { return nil }
func (Null) Forget(string) error                             { return nil }
func (Null) Flush(...string) error                           { return nil }
