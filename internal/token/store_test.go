package token

import (
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"

	"github.com/eslider/triggerd/internal/model"
)

// newTestStore returns a store with a controllable clock.
func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore()
	s.now = func() time.Time { return now }
	return s, &now
}

func TestIssueGeneratesURLSafeToken(t *testing.T) {
	s, _ := newTestStore(t)
	tok, err := s.Issue("cam1", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(tok) < 32 {
		t.Errorf("token %q too short for 128 bits of entropy", tok)
	}
	if strings.ContainsAny(tok, "+/= \t") {
		t.Errorf("token %q is not URL-safe", tok)
	}
	if !s.Validate("cam1", tok) {
		t.Error("issued token does not validate")
	}
}

func TestIssueAdoptsConfiguredToken(t *testing.T) {
	s, _ := newTestStore(t)
	tok, err := s.Issue("cam1", "preconfigured")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if tok != "preconfigured" {
		t.Errorf("tok = %q, want configured value", tok)
	}
	if !s.Validate("cam1", "preconfigured") {
		t.Error("configured token does not validate")
	}
}

func TestRevealMarksRevealed(t *testing.T) {
	s, _ := newTestStore(t)
	issued, _ := s.Issue("cam1", "")

	if s.Revealed("cam1") {
		t.Error("revealed before first reveal")
	}
	tok, err := s.Reveal("cam1")
	if err != nil {
		t.Fatalf("Reveal: %v", err)
	}
	if tok != issued {
		t.Errorf("Reveal = %q, want issued token", tok)
	}
	if !s.Revealed("cam1") {
		t.Error("not revealed after reveal")
	}

	// Repeat reveals are allowed; the flag is informational only.
	if _, err := s.Reveal("cam1"); err != nil {
		t.Errorf("second Reveal: %v", err)
	}
}

func TestRevealUnknownName(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Reveal("nope"); !eris.Is(err, model.ErrNotFound) {
		t.Errorf("Reveal unknown = %v, want ErrNotFound", err)
	}
}

func TestRegenerateInvalidatesOldTokenImmediately(t *testing.T) {
	s, _ := newTestStore(t)
	old, _ := s.Issue("cam1", "")

	renewed, err := s.Regenerate("cam1")
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if renewed == old {
		t.Fatal("Regenerate returned the old token")
	}
	if s.Validate("cam1", old) {
		t.Error("old token still validates right after regenerate")
	}
	if !s.Validate("cam1", renewed) {
		t.Error("new token does not validate")
	}
	if s.Revealed("cam1") {
		t.Error("revealed flag survived regenerate")
	}
}

func TestRegenerateKeepsEphemeralGrants(t *testing.T) {
	s, _ := newTestStore(t)
	s.Issue("cam1", "")
	grant, err := s.GrantEphemeral("cam1", time.Minute)
	if err != nil {
		t.Fatalf("GrantEphemeral: %v", err)
	}

	s.Regenerate("cam1")
	if !s.Validate("cam1", grant.Token) {
		t.Error("ephemeral grant invalidated by regenerate")
	}
}

func TestEphemeralExpiryIsWallClock(t *testing.T) {
	s, now := newTestStore(t)
	s.Issue("cam1", "")

	grant, err := s.GrantEphemeral("cam1", 10*time.Second)
	if err != nil {
		t.Fatalf("GrantEphemeral: %v", err)
	}

	*now = now.Add(9 * time.Second)
	if !s.Validate("cam1", grant.Token) {
		t.Error("grant invalid at t+9s, want valid until t+10s")
	}

	*now = now.Add(2 * time.Second) // t+11s
	if s.Validate("cam1", grant.Token) {
		t.Error("grant still valid at t+11s")
	}
}

func TestEphemeralTTLClamped(t *testing.T) {
	s, now := newTestStore(t)
	s.Issue("cam1", "")

	tests := []struct {
		ttl  time.Duration
		want time.Duration
	}{
		{time.Second, MinEphemeralTTL},
		{30 * time.Minute, 30 * time.Minute},
		{24 * time.Hour, MaxEphemeralTTL},
	}
	for _, tt := range tests {
		grant, err := s.GrantEphemeral("cam1", tt.ttl)
		if err != nil {
			t.Fatalf("GrantEphemeral(%v): %v", tt.ttl, err)
		}
		if got := grant.ExpiresAt.Sub(*now); got != tt.want {
			t.Errorf("ttl %v clamped to %v, want %v", tt.ttl, got, tt.want)
		}
	}
}

func TestMultipleEphemeralGrantsAreIndependent(t *testing.T) {
	s, now := newTestStore(t)
	s.Issue("cam1", "")

	a, _ := s.GrantEphemeral("cam1", 10*time.Second)
	b, _ := s.GrantEphemeral("cam1", time.Minute)

	*now = now.Add(30 * time.Second)
	if s.Validate("cam1", a.Token) {
		t.Error("short grant outlived its TTL")
	}
	if !s.Validate("cam1", b.Token) {
		t.Error("long grant expired with the short one")
	}
}

func TestValidateUnknownOrEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	s.Issue("cam1", "secret")

	if s.Validate("cam1", "") {
		t.Error("empty token validated")
	}
	if s.Validate("other", "secret") {
		t.Error("token validated for unknown trigger")
	}
}

func TestRemoveInvalidatesEverything(t *testing.T) {
	s, _ := newTestStore(t)
	tok, _ := s.Issue("cam1", "")
	grant, _ := s.GrantEphemeral("cam1", time.Minute)

	s.Remove("cam1")
	if s.Validate("cam1", tok) || s.Validate("cam1", grant.Token) {
		t.Error("credentials still validate after Remove")
	}
}
