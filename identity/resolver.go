// Package identity determines the acting user's stable identifier for a
// request. Registered users get durable ids; everyone else gets a transient
// identity that is never written to the remote store as a user row.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Method names how an identity was established, in resolution order.
type Method string

const (
	MethodSessionToken Method = "session_token"
	MethodRegistered   Method = "registered"
	MethodFingerprint  Method = "browser_fingerprint"
	MethodSynthesized  Method = "synthesized"
)

// transientPrefix marks user ids that must never become durable user rows.
const transientPrefix = "temp_"

// Identity is the resolved acting user for one request.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Method      Method `json:"method"`
	// Transient identities key fallback records and UI display only; the
	// adapter skips remote user-scoped writes for them.
	Transient bool      `json:"transient"`
	IssuedAt  time.Time `json:"issued_at"`
}

// RequestContext carries the identification material extracted from a
// request. Zero values mean "strategy not applicable".
type RequestContext struct {
	// SessionToken is a durable token previously issued by IssueToken.
	SessionToken string
	// BearerToken is a JWT from the auth provider.
	BearerToken string
	// Fingerprint holds stable device/browser hints (user agent, accept
	// language, remote address class, ...).
	Fingerprint map[string]string
}

type tokenEntry struct {
	identity  Identity
	expiresAt time.Time
}

// Resolver resolves request contexts to identities. Safe for concurrent use.
type Resolver struct {
	authBaseURL string
	tokenTTL    time.Duration

	mu     sync.Mutex
	tokens map[string]tokenEntry

	// Injected for tests.
	now      func() time.Time
	validate func(baseURL, token string) (jwt.MapClaims, error)
}

// NewResolver creates a resolver. authBaseURL may be empty, in which case
// the registered-identity strategy is skipped.
func NewResolver(authBaseURL string, tokenTTL time.Duration) *Resolver {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Resolver{
		authBaseURL: authBaseURL,
		tokenTTL:    tokenTTL,
		tokens:      make(map[string]tokenEntry),
		now:         time.Now,
		validate:    validateBearerToken,
	}
}

// Resolve applies the identification strategies in order, first match wins:
// issued session token, registered JWT identity, browser fingerprint
// (transient), synthesized transient identity.
func (r *Resolver) Resolve(rc RequestContext) Identity {
	if rc.SessionToken != "" {
		if id, ok := r.lookupToken(rc.SessionToken); ok {
			return id
		}
	}

	if rc.BearerToken != "" && r.authBaseURL != "" {
		claims, err := r.validate(r.authBaseURL, rc.BearerToken)
		if err != nil {
			slog.Warn("bearer token rejected", "tag", "identity", "error", err)
		} else if userID := userIDFromClaims(claims); userID != "" {
			return Identity{
				UserID:      userID,
				DisplayName: displayNameFromClaims(claims),
				Method:      MethodRegistered,
				Transient:   false,
				IssuedAt:    r.now().UTC(),
			}
		}
	}

	if len(rc.Fingerprint) > 0 {
		return Identity{
			UserID:    transientPrefix + fingerprintHash(rc.Fingerprint),
			Method:    MethodFingerprint,
			Transient: true,
			IssuedAt:  r.now().UTC(),
		}
	}

	return Identity{
		UserID:    transientPrefix + uuid.NewString(),
		Method:    MethodSynthesized,
		Transient: true,
		IssuedAt:  r.now().UTC(),
	}
}

// IssueToken stores the identity under a fresh durable session token and
// returns the token. The caller hands it back on later requests.
func (r *Resolver) IssueToken(id Identity) string {
	token := uuid.NewString()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = tokenEntry{identity: id, expiresAt: r.now().Add(r.tokenTTL)}
	return token
}

func (r *Resolver) lookupToken(token string) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.tokens[token]
	if !ok {
		return Identity{}, false
	}
	if r.now().After(entry.expiresAt) {
		delete(r.tokens, token)
		return Identity{}, false
	}
	id := entry.identity
	id.Method = MethodSessionToken
	return id, true
}

// fingerprintHash derives a stable short hash from the fingerprint
// components. Auth material must not be part of the input.
func fingerprintHash(components map[string]string) string {
	keys := make([]string, 0, len(components))
	for k := range components {
		switch k {
		case "email", "name", "token", "authorization":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(components[k])
		b.WriteByte('|')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}

// IsTransientUserID reports whether a stored user id belongs to a transient
// identity. Used when merging fallback data written before authentication.
func IsTransientUserID(userID string) bool {
	return strings.HasPrefix(userID, transientPrefix)
}
