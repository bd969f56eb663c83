package identity

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestResolver(validate func(baseURL, token string) (jwt.MapClaims, error)) *Resolver {
	r := NewResolver("https://auth.example", time.Hour)
	if validate != nil {
		r.validate = validate
	}
	return r
}

func TestResolve_RegisteredIdentity(t *testing.T) {
	r := newTestResolver(func(baseURL, token string) (jwt.MapClaims, error) {
		if token != "good-token" {
			return nil, errors.New("bad token")
		}
		return jwt.MapClaims{"sub": "user-42", "name": "花子 山田"}, nil
	})

	id := r.Resolve(RequestContext{BearerToken: "good-token"})
	if id.Method != MethodRegistered {
		t.Errorf("expected registered method, got %s", id.Method)
	}
	if id.Transient {
		t.Error("registered identity must be durable")
	}
	if id.UserID != "user-42" {
		t.Errorf("unexpected user id %q", id.UserID)
	}
	if id.DisplayName != "花子" {
		t.Errorf("expected first name only, got %q", id.DisplayName)
	}
}

func TestResolve_RejectedBearerFallsThrough(t *testing.T) {
	r := newTestResolver(func(baseURL, token string) (jwt.MapClaims, error) {
		return nil, errors.New("expired")
	})
	id := r.Resolve(RequestContext{
		BearerToken: "expired-token",
		Fingerprint: map[string]string{"user_agent": "UA"},
	})
	if id.Method != MethodFingerprint {
		t.Errorf("expected fingerprint fallthrough, got %s", id.Method)
	}
	if !id.Transient {
		t.Error("fingerprint identity must be transient")
	}
}

func TestResolve_FingerprintIsStableAndTransient(t *testing.T) {
	r := newTestResolver(nil)
	fp := map[string]string{"user_agent": "UA", "accept_language": "ja"}
	a := r.Resolve(RequestContext{Fingerprint: fp})
	b := r.Resolve(RequestContext{Fingerprint: fp})
	if a.UserID != b.UserID {
		t.Errorf("same fingerprint should yield same id: %q vs %q", a.UserID, b.UserID)
	}
	if !a.Transient || !IsTransientUserID(a.UserID) {
		t.Errorf("fingerprint identity must be transient, got %+v", a)
	}

	// Auth material must not affect the hash.
	withSecret := map[string]string{"user_agent": "UA", "accept_language": "ja", "token": "s3cret"}
	c := r.Resolve(RequestContext{Fingerprint: withSecret})
	if c.UserID != a.UserID {
		t.Error("token component must be excluded from the fingerprint")
	}
}

func TestResolve_SynthesizedIdentityIsUnique(t *testing.T) {
	r := newTestResolver(nil)
	a := r.Resolve(RequestContext{})
	b := r.Resolve(RequestContext{})
	if a.Method != MethodSynthesized || b.Method != MethodSynthesized {
		t.Errorf("expected synthesized identities, got %s / %s", a.Method, b.Method)
	}
	if a.UserID == b.UserID {
		t.Error("synthesized identities must be unique per interaction")
	}
	if !a.Transient {
		t.Error("synthesized identity must be transient")
	}
	if !strings.HasPrefix(a.UserID, transientPrefix) {
		t.Errorf("transient ids carry the %q prefix, got %q", transientPrefix, a.UserID)
	}
}

func TestIssueToken_RoundTripAndPriority(t *testing.T) {
	r := newTestResolver(nil)
	durable := Identity{UserID: "user-7", Method: MethodRegistered, Transient: false}
	token := r.IssueToken(durable)

	// The session token wins over everything else.
	id := r.Resolve(RequestContext{
		SessionToken: token,
		BearerToken:  "would-be-validated",
		Fingerprint:  map[string]string{"user_agent": "UA"},
	})
	if id.UserID != "user-7" {
		t.Errorf("token lookup returned %q", id.UserID)
	}
	if id.Method != MethodSessionToken {
		t.Errorf("expected session_token method, got %s", id.Method)
	}
}

func TestIssueToken_Expiry(t *testing.T) {
	r := newTestResolver(nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	token := r.IssueToken(Identity{UserID: "user-8", Method: MethodRegistered})
	now = now.Add(2 * time.Hour) // past the 1h TTL

	id := r.Resolve(RequestContext{SessionToken: token})
	if id.Method == MethodSessionToken {
		t.Error("expired token must not resolve")
	}
	if !id.Transient {
		t.Error("expired token should fall through to a transient identity")
	}
}

func TestResolve_UnknownTokenFallsThrough(t *testing.T) {
	r := newTestResolver(nil)
	id := r.Resolve(RequestContext{SessionToken: "never-issued"})
	if id.Method == MethodSessionToken {
		t.Error("unknown token must not resolve")
	}
}
