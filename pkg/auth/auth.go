// Package auth guards the REST surface. Tokens are opaque strings stored
// as SHA-256 hashes in the system brain; the configured admin secret
// bypasses the token store entirely, and the bootstrap key is explicitly
// refused so first-run credentials never leak into API usage.
package auth

import (
	"log/slog"
	"strings"

	"github.com/dominikletica/aaviondb/pkg/brain"
	"github.com/dominikletica/aaviondb/pkg/config"
	"github.com/dominikletica/aaviondb/pkg/fault"
)

// Grant is the outcome of a REST access check. Scope and Projects are
// only meaningful when Allowed.
type Grant struct {
	Allowed    bool
	StatusCode int
	Reason     string
	Mode       string
	Scope      string
	Projects   []string
}

// Grant modes, surfaced to the security manager (admin-secret successes
// clear blocks) and the audit trail.
const (
	ModeAdminSecret = "admin_secret"
	ModeToken       = "token"
	ModeCron        = "cron"
)

// Manager answers GuardRestAccess against the system brain's auth state.
type Manager struct {
	repo        *brain.Repository
	adminSecret string
	logger      *slog.Logger
}

// NewManager builds the manager. The admin secret comes from the loaded
// configuration and is already policy-checked there.
func NewManager(repo *brain.Repository, adminSecret string) *Manager {
	return &Manager{
		repo:        repo,
		adminSecret: adminSecret,
		logger:      slog.Default().With("component", "auth"),
	}
}

// GuardRestAccess decides whether a token may run an action over REST.
// The cron action bypasses token auth entirely; everything else walks
// the ladder: admin secret, API switch, token presence, bootstrap
// refusal, hash lookup, active flag.
func (m *Manager) GuardRestAccess(token, action string) Grant {
	action = strings.ToLower(strings.TrimSpace(action))
	if action == "cron" {
		return Grant{Allowed: true, Mode: ModeCron, Scope: brain.ScopeAll, Projects: []string{"*"}}
	}

	token = strings.TrimSpace(token)
	if m.adminSecret != "" && config.ValidAdminSecret(m.adminSecret) && token == m.adminSecret {
		return Grant{Allowed: true, Mode: ModeAdminSecret, Scope: brain.ScopeAll, Projects: []string{"*"}}
	}

	state, err := m.repo.SystemAuthState()
	if err != nil {
		m.logger.Error("auth state unavailable", "error", err)
		return Grant{StatusCode: 500, Reason: "auth_state_unavailable"}
	}
	if !state.API.Enabled {
		return Grant{StatusCode: 503, Reason: "api_disabled"}
	}
	if token == "" {
		return Grant{StatusCode: 401, Reason: "token_missing"}
	}
	if token == state.BootstrapKey {
		return Grant{StatusCode: 403, Reason: "bootstrap_forbidden"}
	}

	hash := brain.HashToken(token)
	entry, ok := state.Tokens[hash]
	if !ok {
		return Grant{StatusCode: 401, Reason: "token_invalid"}
	}
	if !entry.Active {
		return Grant{StatusCode: 403, Reason: "token_inactive"}
	}

	if err := m.repo.TouchAuthKey(hash); err != nil {
		m.logger.Warn("token usage not recorded", "error", err)
	}

	scope := strings.ToUpper(strings.TrimSpace(entry.Scope))
	if scope == "" {
		scope = brain.ScopeAll
	}
	projects := append([]string(nil), entry.Projects...)
	if scope == brain.ScopeAll && len(projects) == 0 {
		projects = []string{"*"}
	}
	return Grant{Allowed: true, Mode: ModeToken, Scope: scope, Projects: projects}
}

// Err converts a refused grant into the matching fault for envelope and
// HTTP mapping. Allowed grants yield nil.
func (g Grant) Err() error {
	if g.Allowed {
		return nil
	}
	switch g.StatusCode {
	case 500:
		return fault.Internal("authentication state unavailable")
	default:
		return fault.Auth(g.Reason, "access denied: %s", g.Reason)
	}
}

// CanAccessProject reports whether the grant covers one project slug.
func (g Grant) CanAccessProject(slug string) bool {
	if !g.Allowed {
		return false
	}
	if g.Scope == brain.ScopeAll {
		return true
	}
	for _, p := range g.Projects {
		if p == "*" || p == slug {
			return true
		}
	}
	return false
}
