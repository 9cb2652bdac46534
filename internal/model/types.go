// Package model defines core data types shared across the application.
package model

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID generates a UUIDv7 (time-ordered) identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails (should never happen).
		return uuid.New().String()
	}
	return id.String()
}

// TriggerKind identifies what feeds a trigger.
type TriggerKind string

const (
	TriggerKindWebhook TriggerKind = "webhook"
	TriggerKindEmail   TriggerKind = "email"
)

// WebhookConfig describes a single webhook-fed trigger.
type WebhookConfig struct {
	Name            string `json:"name" yaml:"name"`
	Path            string `json:"path,omitempty" yaml:"path,omitempty"`
	DebounceSeconds int    `json:"debounceSeconds,omitempty" yaml:"debounceSeconds,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty" yaml:"durationSeconds,omitempty"`
	Token           string `json:"-" yaml:"token,omitempty"` // Never expose via JSON
}

// ComputedPath returns the webhook's HTTP path. An explicit path is
// normalized under the /wh/ prefix; otherwise the path is derived from
// the lowercased name with whitespace collapsed to dashes.
func (w *WebhookConfig) ComputedPath() string {
	p := strings.TrimSpace(w.Path)
	if p == "" {
		p = "/wh/" + url.PathEscape(whitespaceRun.ReplaceAllString(strings.ToLower(w.Name), "-"))
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasPrefix(p, "/wh/") {
		rest := strings.TrimPrefix(p, "/")
		rest = strings.TrimPrefix(rest, "wh/")
		rest = strings.TrimPrefix(rest, "wh")
		p = "/wh/" + strings.TrimPrefix(rest, "/")
	}
	return p
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// IMAPAuth holds optional XOAUTH2 credentials for mailboxes that
// reject plain LOGIN.
type IMAPAuth struct {
	ClientID     string `json:"-" yaml:"clientId,omitempty"`
	ClientSecret string `json:"-" yaml:"clientSecret,omitempty"`
	RefreshToken string `json:"-" yaml:"refreshToken,omitempty"`
	TokenURL     string `json:"-" yaml:"tokenUrl,omitempty"`
}

// EmailTriggerConfig describes a single email-fed trigger watching one mailbox.
type EmailTriggerConfig struct {
	Name            string    `json:"name" yaml:"name"`
	IMAPHost        string    `json:"imapHost" yaml:"imapHost"`
	IMAPPort        int       `json:"imapPort,omitempty" yaml:"imapPort,omitempty"`
	IMAPTLS         *bool     `json:"imapTls,omitempty" yaml:"imapTls,omitempty"` // nil means true
	IMAPUser        string    `json:"imapUser" yaml:"imapUser"`
	IMAPPassword    string    `json:"-" yaml:"imapPassword,omitempty"` // Never expose via JSON
	OAuth           *IMAPAuth `json:"-" yaml:"oauth,omitempty"`
	SubjectMatch    string    `json:"subjectMatch" yaml:"subjectMatch"`
	DebounceSeconds int       `json:"debounceSeconds,omitempty" yaml:"debounceSeconds,omitempty"`
	DurationSeconds int       `json:"durationSeconds,omitempty" yaml:"durationSeconds,omitempty"`
}

// TLS reports whether the IMAP connection should use TLS (default true).
func (c *EmailTriggerConfig) TLS() bool {
	return c.IMAPTLS == nil || *c.IMAPTLS
}

// Port returns the IMAP port, defaulting to 993.
func (c *EmailTriggerConfig) Port() int {
	if c.IMAPPort > 0 {
		return c.IMAPPort
	}
	return 993
}

// Config is the full daemon configuration.
type Config struct {
	Port             int    `json:"port,omitempty" yaml:"port,omitempty"`
	BindAddress      string `json:"bindAddress,omitempty" yaml:"bindAddress,omitempty"`
	EnforceLocalOnly *bool  `json:"enforceLocalOnly,omitempty" yaml:"enforceLocalOnly,omitempty"` // nil means true
	AdminSecret      string `json:"-" yaml:"adminSecret,omitempty"`
	LogLevel         string `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
	DataDir          string `json:"dataDir,omitempty" yaml:"dataDir,omitempty"`
	ReconnectSeconds int    `json:"reconnectSeconds,omitempty" yaml:"reconnectSeconds,omitempty"`

	Webhooks      []WebhookConfig      `json:"webhooks" yaml:"webhooks"`
	EmailTriggers []EmailTriggerConfig `json:"emailTriggers" yaml:"emailTriggers"`
}

// LocalOnly reports whether webhook ingress is restricted to the local
// network (default true).
func (c *Config) LocalOnly() bool {
	return c.EnforceLocalOnly == nil || *c.EnforceLocalOnly
}

// WebhookState is the admin-visible snapshot of one webhook trigger.
type WebhookState struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	URL      string `json:"url"`
	Active   bool   `json:"active"`
	Revealed bool   `json:"revealed"`
}

// EmailTriggerState is the admin-visible snapshot of one email trigger.
type EmailTriggerState struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Mailbox   string `json:"mailbox"` // user@host, never credentials
	Active    bool   `json:"active"`
	Connected bool   `json:"connected"`
}

// StateSnapshot is the full admin state response.
type StateSnapshot struct {
	Webhooks      []WebhookState      `json:"webhooks"`
	EmailTriggers []EmailTriggerState `json:"emailTriggers"`
}

// EphemeralGrant is one short-lived token with its expiry.
type EphemeralGrant struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}
