// Package security enforces per-client rate limits, failure-based blocks
// and the global DDoS lockdown. Settings live in the system brain under
// security.* config keys; counters and blocks are ephemeral cache entries
// tagged "security" so a purge can drop them wholesale.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dominikletica/aaviondb/pkg/brain"
	"github.com/dominikletica/aaviondb/pkg/cache"
	"github.com/dominikletica/aaviondb/pkg/events"
)

// ModeAdminSecret marks a request authenticated by the admin secret; a
// success in that mode also clears an existing block.
const ModeAdminSecret = "admin_secret"

const cacheTag = "security"

// Decision is the outcome of a security check. When not allowed it
// carries the HTTP status (429 or 503) and a Retry-After hint in seconds.
type Decision struct {
	Allowed    bool
	StatusCode int
	RetryAfter int
	Reason     string
}

func allowed() Decision { return Decision{Allowed: true} }

// Settings are the effective limits, read from system config with
// documented defaults.
type Settings struct {
	Active        bool          `json:"active"`
	RateLimit     int64         `json:"rate_limit"`
	GlobalLimit   int64         `json:"global_limit"`
	BlockDuration time.Duration `json:"-"`
	DDoSLockdown  time.Duration `json:"-"`
	FailedLimit   int64         `json:"failed_limit"`
	FailedBlock   time.Duration `json:"-"`
}

// Manager evaluates the request lifecycle: Preflight, RegisterAttempt,
// RegisterFailure, RegisterSuccess.
type Manager struct {
	repo   *brain.Repository
	store  cache.Store
	bus    *events.Bus
	logger *slog.Logger
	clock  func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// NewManager wires the manager to the system brain and the cache.
func NewManager(repo *brain.Repository, store cache.Store, bus *events.Bus, opts ...Option) *Manager {
	m := &Manager{
		repo:   repo,
		store:  store,
		bus:    bus,
		logger: slog.Default().With("component", "security"),
		clock:  time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Settings returns the effective limits.
func (m *Manager) Settings() Settings {
	return Settings{
		Active:        m.boolSetting("security.active", true),
		RateLimit:     m.intSetting("security.rate_limit", 120),
		GlobalLimit:   m.intSetting("security.global_limit", 600),
		BlockDuration: m.durationSetting("security.block_duration", 300),
		DDoSLockdown:  m.durationSetting("security.ddos_lockdown", 600),
		FailedLimit:   m.intSetting("security.failed_limit", 10),
		FailedBlock:   m.durationSetting("security.failed_block", 900),
	}
}

func (m *Manager) intSetting(key string, def int64) int64 {
	v := m.repo.ConfigValueOr(key, true, nil)
	if v == nil {
		return def
	}
	if n := cache.ToInt64(v); n > 0 {
		return n
	}
	return def
}

func (m *Manager) durationSetting(key string, defSeconds int64) time.Duration {
	return time.Duration(m.intSetting(key, defSeconds)) * time.Second
}

func (m *Manager) boolSetting(key string, def bool) bool {
	switch v := m.repo.ConfigValueOr(key, true, nil).(type) {
	case nil:
		return def
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
		return def
	default:
		return cache.ToInt64(v) != 0
	}
}

// ClientKey normalizes a client identifier into the hash used for counter
// keys. Empty identifiers share the "anonymous" bucket.
func ClientKey(client string) string {
	client = strings.ToLower(strings.TrimSpace(client))
	if client == "" {
		client = "anonymous"
	}
	sum := sha256.Sum256([]byte(client))
	return hex.EncodeToString(sum[:])
}

func blockKey(hash string) string { return "security:block:" + hash }
func failKey(hash string) string  { return "security:fail:" + hash }

const lockdownKey = "security:lockdown"

// Preflight rejects requests while a lockdown is active or the client is
// blocked. It runs before any counter is touched.
func (m *Manager) Preflight(client string) Decision {
	settings := m.Settings()
	if !settings.Active {
		return allowed()
	}
	if remaining := m.remaining(lockdownKey); remaining > 0 {
		return Decision{StatusCode: 503, RetryAfter: remaining, Reason: "lockdown"}
	}
	if remaining := m.remaining(blockKey(ClientKey(client))); remaining > 0 {
		return Decision{StatusCode: 429, RetryAfter: remaining, Reason: "client_blocked"}
	}
	return allowed()
}

// RegisterAttempt counts the request in the client's and the global
// 60-second window. Exceeding the client limit blocks the client;
// exceeding the global limit starts a lockdown.
func (m *Manager) RegisterAttempt(client string) Decision {
	settings := m.Settings()
	if !settings.Active {
		return allowed()
	}
	hash := ClientKey(client)
	window := m.clock().Unix() / 60

	count, err := cache.Increment(m.store, fmt.Sprintf("security:rate:%s:%d", hash, window), 2*time.Minute, cacheTag)
	if err != nil {
		m.logger.Warn("rate counter unavailable", "error", err)
		return allowed()
	}
	if count > settings.RateLimit {
		m.block(hash, settings.BlockDuration, "rate_limit")
		return Decision{StatusCode: 429, RetryAfter: int(settings.BlockDuration.Seconds()), Reason: "rate_limit_exceeded"}
	}

	global, err := cache.Increment(m.store, fmt.Sprintf("security:rate:global:%d", window), 2*time.Minute, cacheTag)
	if err != nil {
		m.logger.Warn("global counter unavailable", "error", err)
		return allowed()
	}
	if global > settings.GlobalLimit {
		m.startLockdown(settings.DDoSLockdown, "global_limit")
		return Decision{StatusCode: 503, RetryAfter: int(settings.DDoSLockdown.Seconds()), Reason: "lockdown"}
	}
	return allowed()
}

// RegisterFailure counts an auth or command failure; crossing the
// threshold blocks the client for the failure block duration.
func (m *Manager) RegisterFailure(client string) {
	settings := m.Settings()
	if !settings.Active {
		return
	}
	hash := ClientKey(client)
	count, err := cache.Increment(m.store, failKey(hash), settings.FailedBlock, cacheTag)
	if err != nil {
		m.logger.Warn("failure counter unavailable", "error", err)
		return
	}
	if count > settings.FailedLimit {
		m.block(hash, settings.FailedBlock, "failed_limit")
	}
}

// RegisterSuccess clears the failure counter. Admin-secret successes also
// lift an existing block, so a locked-out operator can recover.
func (m *Manager) RegisterSuccess(client, mode string) {
	hash := ClientKey(client)
	_ = m.store.Forget(failKey(hash))
	if mode == ModeAdminSecret {
		_ = m.store.Forget(blockKey(hash))
	}
}

// Lockdown starts (or extends) a manual lockdown and returns its end.
// Zero seconds means the configured ddos_lockdown duration.
func (m *Manager) Lockdown(seconds int) time.Time {
	d := time.Duration(seconds) * time.Second
	if seconds <= 0 {
		d = m.Settings().DDoSLockdown
	}
	return m.startLockdown(d, "manual")
}

// Purge drops every security counter, block and lockdown.
func (m *Manager) Purge() error {
	return m.store.Flush(cacheTag)
}

// Status describes the current security state for diagnostics.
type Status struct {
	Settings
	LockdownActive    bool   `json:"lockdown_active"`
	LockdownRemaining int    `json:"lockdown_remaining,omitempty"`
	BlockDurationSec  int64  `json:"block_duration"`
	DDoSLockdownSec   int64  `json:"ddos_lockdown"`
	FailedBlockSec    int64  `json:"failed_block"`
	ClientBlocked     bool   `json:"client_blocked,omitempty"`
	Client            string `json:"client,omitempty"`
}

// Report assembles the status for one client.
func (m *Manager) Report(client string) Status {
	settings := m.Settings()
	st := Status{
		Settings:         settings,
		BlockDurationSec: int64(settings.BlockDuration.Seconds()),
		DDoSLockdownSec:  int64(settings.DDoSLockdown.Seconds()),
		FailedBlockSec:   int64(settings.FailedBlock.Seconds()),
	}
	if remaining := m.remaining(lockdownKey); remaining > 0 {
		st.LockdownActive = true
		st.LockdownRemaining = remaining
	}
	if client != "" {
		st.Client = client
		st.ClientBlocked = m.remaining(blockKey(ClientKey(client))) > 0
	}
	return st
}

// remaining reads a block-style entry holding its expiry unix timestamp
// and returns the seconds left, zero when absent or elapsed.
func (m *Manager) remaining(key string) int {
	v, ok := m.store.Get(key, nil)
	if !ok {
		return 0
	}
	left := cache.ToInt64(v) - m.clock().Unix()
	if left <= 0 {
		return 0
	}
	return int(left)
}

func (m *Manager) block(hash string, d time.Duration, reason string) {
	until := m.clock().Add(d)
	if err := m.store.Put(blockKey(hash), until.Unix(), d, cacheTag); err != nil {
		m.logger.Warn("block not recorded", "error", err)
		return
	}
	m.logger.Info("client blocked", "reason", reason, "until", until)
	m.bus.Emit("security.client_blocked", map[string]any{
		"client": hash,
		"reason": reason,
		"until":  until.Unix(),
	})
}

func (m *Manager) startLockdown(d time.Duration, reason string) time.Time {
	until := m.clock().Add(d)
	if err := m.store.Put(lockdownKey, until.Unix(), d, cacheTag); err != nil {
		m.logger.Warn("lockdown not recorded", "error", err)
		return until
	}
	m.logger.Warn("lockdown started", "reason", reason, "until", until)
	m.bus.Emit("security.lockdown_started", map[string]any{
		"reason": reason,
		"until":  until.Unix(),
	})
	return until
}
