package brain

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/dominikletica/aaviondb/pkg/fault"
)

// HashToken is the single hashing rule for raw tokens: SHA-256 hex.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// TokenPreview renders the displayable form of a raw token: first four
// and last four characters joined by an ASCII ellipsis.
func TokenPreview(raw string) string {
	if len(raw) <= 8 {
		return raw
	}
	return raw[:4] + "..." + raw[len(raw)-4:]
}

// SystemAuthState returns a copy of the system brain's auth substate.
func (r *Repository) SystemAuthState() (*AuthState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.load(r.systemPath())
	if err != nil {
		return nil, err
	}
	if doc.Auth == nil {
		return nil, fault.Storage("system brain is missing its auth substate")
	}
	state := &AuthState{
		BootstrapKey: doc.Auth.BootstrapKey,
		API:          doc.Auth.API,
		Tokens:       make(map[string]*Token, len(doc.Auth.Tokens)),
	}
	for hash, tok := range doc.Auth.Tokens {
		copied := *tok
		copied.Projects = append([]string(nil), tok.Projects...)
		state.Tokens[hash] = &copied
	}
	return state, nil
}

// ListAuthTokens returns stored tokens sorted by creation time then hash.
func (r *Repository) ListAuthTokens() ([]TokenInfo, error) {
	state, err := r.SystemAuthState()
	if err != nil {
		return nil, err
	}
	out := make([]TokenInfo, 0, len(state.Tokens))
	for _, tok := range state.Tokens {
		out = append(out, TokenInfo{
			Hash:       tok.Hash,
			Preview:    tok.Preview,
			Label:      tok.Label,
			Scope:      tok.Scope,
			Projects:   tok.Projects,
			Active:     tok.Active,
			CreatedAt:  tok.CreatedAt,
			LastUsedAt: tok.LastUsedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].Hash < out[j].Hash
	})
	return out, nil
}

// TouchAuthKey stamps a token's last-use time. It serializes through the
// brain lock, so last-use timestamps are strictly ordered.
func (r *Repository) TouchAuthKey(hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mutate(r.systemPath(), func(doc *Document) error {
		if doc.Auth == nil {
			return fault.Storage("system brain is missing its auth substate")
		}
		tok, ok := doc.Auth.Tokens[hash]
		if !ok {
			return fault.NotFound("token not found")
		}
		tok.LastUsedAt = r.now()
		return nil
	})
}

// RegisterAuthToken mints a new token of byteLength random bytes
// (hex-encoded) and stores its hash, preview and scope metadata. The raw
// token is returned exactly once and never persisted.
func (r *Repository) RegisterAuthToken(label, scope string, projects []string, byteLength int) (string, *TokenInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if byteLength < 16 {
		byteLength = 16
	}
	scope = strings.ToUpper(strings.TrimSpace(scope))
	if scope == "" {
		scope = ScopeAll
	}
	if scope == ScopeAll {
		projects = []string{"*"}
	} else if len(projects) == 0 {
		return "", nil, fault.Invalid("scope %q requires a project list", scope)
	}

	buf := make([]byte, byteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fault.Internal("token generation failed").WithCause(err)
	}
	raw := hex.EncodeToString(buf)
	hash := HashToken(raw)

	entry := &Token{
		Hash:      hash,
		Preview:   TokenPreview(raw),
		Label:     strings.TrimSpace(label),
		Scope:     scope,
		Projects:  projects,
		Active:    true,
		CreatedAt: r.now(),
	}
	err := r.mutate(r.systemPath(), func(doc *Document) error {
		if doc.Auth == nil {
			return fault.Storage("system brain is missing its auth substate")
		}
		if _, exists := doc.Auth.Tokens[hash]; exists {
			return fault.Conflict("token already registered")
		}
		doc.Auth.Tokens[hash] = entry
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	info := &TokenInfo{
		Hash:      entry.Hash,
		Preview:   entry.Preview,
		Label:     entry.Label,
		Scope:     entry.Scope,
		Projects:  entry.Projects,
		Active:    entry.Active,
		CreatedAt: entry.CreatedAt,
	}
	return raw, info, nil
}

// RevokeAuthToken deactivates a token identified by its hash or preview.
// Revocation keeps the entry (audit trail); ResetAuthTokens drops it.
func (r *Repository) RevokeAuthToken(ref string) (*TokenInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fault.Invalid("a token hash or preview is required")
	}
	var info TokenInfo
	err := r.mutate(r.systemPath(), func(doc *Document) error {
		if doc.Auth == nil {
			return fault.Storage("system brain is missing its auth substate")
		}
		tok := findToken(doc.Auth, ref)
		if tok == nil {
			return fault.NotFound("token %q not found", ref)
		}
		if !tok.Active {
			return fault.Conflict("token %s is already revoked", tok.Preview)
		}
		tok.Active = false
		info = TokenInfo{
			Hash:       tok.Hash,
			Preview:    tok.Preview,
			Label:      tok.Label,
			Scope:      tok.Scope,
			Projects:   tok.Projects,
			Active:     tok.Active,
			CreatedAt:  tok.CreatedAt,
			LastUsedAt: tok.LastUsedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func findToken(auth *AuthState, ref string) *Token {
	if tok, ok := auth.Tokens[ref]; ok {
		return tok
	}
	for _, tok := range auth.Tokens {
		if tok.Preview == ref {
			return tok
		}
	}
	return nil
}

// ResetAuthTokens removes every stored token.
func (r *Repository) ResetAuthTokens() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	err := r.mutate(r.systemPath(), func(doc *Document) error {
		if doc.Auth == nil {
			return fault.Storage("system brain is missing its auth substate")
		}
		removed = len(doc.Auth.Tokens)
		doc.Auth.Tokens = map[string]*Token{}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// SetAPIEnabled flips the REST gate.
func (r *Repository) SetAPIEnabled(enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mutate(r.systemPath(), func(doc *Document) error {
		if doc.Auth == nil {
			return fault.Storage("system brain is missing its auth substate")
		}
		doc.Auth.API.Enabled = enabled
		return nil
	})
}

// UpdateBootstrapKey replaces the bootstrap key. The bootstrap key unlocks
// first-run CLI setup and is always refused by the REST guard.
func (r *Repository) UpdateBootstrapKey(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key = strings.TrimSpace(key)
	if len(key) < 5 {
		return fault.Invalid("bootstrap key must be at least 5 characters")
	}
	return r.mutate(r.systemPath(), func(doc *Document) error {
		if doc.Auth == nil {
			return fault.Storage("system brain is missing its auth substate")
		}
		doc.Auth.BootstrapKey = key
		return nil
	})
}
