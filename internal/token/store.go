// Package token manages webhook bearer credentials: one permanent token
// per trigger plus any number of independently expiring ephemeral grants.
package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/eslider/triggerd/internal/model"
)

// Ephemeral token TTL bounds. Requested TTLs are clamped, not rejected.
const (
	MinEphemeralTTL = 10 * time.Second
	MaxEphemeralTTL = time.Hour
)

const tokenBytes = 24 // 192 bits of entropy, URL-safe base64 encoded

type credential struct {
	permanent string
	revealed  bool
	ephemeral []model.EphemeralGrant
}

// Store holds all credentials in memory. It has no durable storage of
// its own: issued and regenerated tokens are returned to the caller so
// the configuration layer can persist them.
type Store struct {
	mu    sync.Mutex
	creds map[string]*credential
	now   func() time.Time
}

// NewStore creates an empty credential store.
func NewStore() *Store {
	return &Store{
		creds: make(map[string]*credential),
		now:   time.Now,
	}
}

// Issue creates the permanent token for a new trigger, or adopts an
// existing configured token when one is supplied. Returns the token in
// effect. Called once per trigger at startup.
func (s *Store) Issue(name, configured string) (string, error) {
	tok := configured
	if tok == "" {
		var err error
		tok, err = generateToken()
		if err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	s.creds[name] = &credential{permanent: tok}
	s.mu.Unlock()
	return tok, nil
}

// Reveal returns the current permanent token for a trigger and marks it
// as revealed. Repeat reveals are allowed; the revealed flag is
// informational only (surfaced in snapshots so a UI can warn).
func (s *Store) Reveal(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.creds[name]
	if !ok {
		return "", model.ErrNotFound
	}
	c.revealed = true
	return c.permanent, nil
}

// Revealed reports whether the permanent token has been revealed since
// it was last issued or regenerated.
func (s *Store) Revealed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.creds[name]
	return ok && c.revealed
}

// Regenerate atomically replaces the permanent token. The old token
// stops validating the moment this returns; there is no window where
// both values are accepted. Ephemeral grants are unaffected.
func (s *Store) Regenerate(name string) (string, error) {
	tok, err := generateToken()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.creds[name]
	if !ok {
		return "", model.ErrNotFound
	}
	c.permanent = tok
	c.revealed = false
	return tok, nil
}

// GrantEphemeral appends a new short-lived token for the trigger. The
// TTL is clamped to [MinEphemeralTTL, MaxEphemeralTTL]. Grants are
// independent: several may be valid at once, and none is ever renewed.
func (s *Store) GrantEphemeral(name string, ttl time.Duration) (model.EphemeralGrant, error) {
	if ttl < MinEphemeralTTL {
		ttl = MinEphemeralTTL
	}
	if ttl > MaxEphemeralTTL {
		ttl = MaxEphemeralTTL
	}

	tok, err := generateToken()
	if err != nil {
		return model.EphemeralGrant{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.creds[name]
	if !ok {
		return model.EphemeralGrant{}, model.ErrNotFound
	}

	grant := model.EphemeralGrant{Token: tok, ExpiresAt: s.now().Add(ttl)}
	c.ephemeral = s.pruneLocked(c.ephemeral)
	c.ephemeral = append(c.ephemeral, grant)
	return grant, nil
}

// Validate reports whether the presented token is the current permanent
// token or an unexpired ephemeral grant for the trigger. Expired grants
// are pruned as a side effect; expiry is wall-clock only, no timers.
func (s *Store) Validate(name, presented string) bool {
	if presented == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.creds[name]
	if !ok {
		return false
	}

	ok = tokenEqual(presented, c.permanent)
	c.ephemeral = s.pruneLocked(c.ephemeral)
	for _, g := range c.ephemeral {
		if tokenEqual(presented, g.Token) {
			ok = true
		}
	}
	return ok
}

// Remove drops all credentials for a deleted trigger. Outstanding
// validations fail immediately.
func (s *Store) Remove(name string) {
	s.mu.Lock()
	delete(s.creds, name)
	s.mu.Unlock()
}

// pruneLocked filters out expired grants. Caller holds s.mu.
func (s *Store) pruneLocked(grants []model.EphemeralGrant) []model.EphemeralGrant {
	now := s.now()
	fresh := grants[:0]
	for _, g := range grants {
		if g.ExpiresAt.After(now) {
			fresh = append(fresh, g)
		}
	}
	return fresh
}

// tokenEqual compares tokens in constant time regardless of length.
func tokenEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
