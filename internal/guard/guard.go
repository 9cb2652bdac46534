// Package guard decides whether inbound requests are allowed: origin
// classification, admin secret checks, and webhook token checks.
package guard

import (
	"crypto/subtle"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Origin classifies where a request came from.
type Origin int

const (
	OriginRemote Origin = iota
	OriginLocal
)

func (o Origin) String() string {
	if o == OriginLocal {
		return "local"
	}
	return "remote"
}

// TokenValidator is the credential check the guard composes with for
// webhook requests (implemented by token.Store).
type TokenValidator interface {
	Validate(name, presented string) bool
}

// Guard performs access-control decisions. The zero value is not
// usable; construct with New.
type Guard struct {
	tokens TokenValidator
}

// New creates a guard backed by the given token validator.
func New(tokens TokenValidator) *Guard {
	return &Guard{tokens: tokens}
}

// ClassifyOrigin maps a remote address (with or without port) to Local
// or Remote. IPv4-mapped IPv6 notation is normalized first; loopback,
// RFC1918 (10/8, 172.16/12, 192.168/16) and link-local (169.254/16)
// ranges count as Local. Unparseable addresses are Remote.
func ClassifyOrigin(remoteAddr string) Origin {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(host))
	if err != nil {
		return OriginRemote
	}
	addr = addr.Unmap()

	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() {
		return OriginLocal
	}
	return OriginRemote
}

// AuthorizeAdmin checks an admin request. Local origin is always
// required. When a secret is configured the presented value must match;
// when none is configured, local origin alone suffices. That is a named
// trade-off of the local-subnet trust model: anyone on the same subnet
// is trusted when no secret is set.
//
// The configured secret may be a bcrypt hash ($2a$/$2b$ prefix), in
// which case the presented plaintext is verified against it.
func (g *Guard) AuthorizeAdmin(remoteAddr, presented, configured string) bool {
	if ClassifyOrigin(remoteAddr) != OriginLocal {
		return false
	}
	if configured == "" {
		return true
	}
	if strings.HasPrefix(configured, "$2a$") || strings.HasPrefix(configured, "$2b$") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(presented)) == nil
	}
	return presented != "" &&
		subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

// AuthorizeWebhook checks a webhook firing request. The token check
// always runs; the origin check only applies when enforceLocalOnly is
// set. Returns a plain bool so callers can answer with a uniform
// authorization error that reveals nothing about why it failed.
func (g *Guard) AuthorizeWebhook(remoteAddr, presented, name string, enforceLocalOnly bool) bool {
	if enforceLocalOnly && ClassifyOrigin(remoteAddr) != OriginLocal {
		return false
	}
	return g.tokens.Validate(name, presented)
}

// Query parameters whose values must never reach a log line.
var sensitiveParams = map[string]bool{
	"token":       true,
	"adminSecret": true,
}

// RedactURL replaces sensitive query parameter values with a fixed
// placeholder and returns the path+query form suitable for logging.
// Unparseable input is returned unchanged rather than dropped, so the
// log line still says what was requested.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	redacted := false
	for key := range q {
		if sensitiveParams[key] {
			q.Set(key, "REDACTED")
			redacted = true
		}
	}
	if redacted {
		u.RawQuery = q.Encode()
	}
	if u.RawQuery != "" {
		return u.Path + "?" + u.RawQuery
	}
	return u.Path
}
