// Package config loads, validates, and persists the daemon
// configuration. The YAML file is the single durable store: permanent
// tokens issued or regenerated at runtime are written back here.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/eslider/triggerd/internal/model"
)

// Defaults applied to an absent or partial config file.
const (
	DefaultPort             = 12050
	DefaultBindAddress      = "0.0.0.0"
	DefaultLogLevel         = "info"
	DefaultReconnectSeconds = 5
)

// Env holds process-level settings read from TRIGGERD_* variables.
type Env struct {
	Config   string `default:"triggerd.yml"`
	LogLevel string `default:""`
	AdminURL string `default:"" split_words:"true"` // TRIGGERD_ADMIN_URL, for CLI commands
}

// ProcessEnv reads the TRIGGERD_* environment.
func ProcessEnv() (Env, error) {
	var e Env
	if err := envconfig.Process("triggerd", &e); err != nil {
		return e, eris.Wrap(err, "process environment")
	}
	return e, nil
}

// Store owns the config file. Reads return a deep-enough copy for the
// daemon's read-only use; token writes go through SetWebhookToken.
type Store struct {
	mu   sync.Mutex
	path string
	cfg  *model.Config
}

// Load reads and normalizes the config file. A missing file yields an
// empty config with defaults so the daemon can start and report itself
// ready with zero triggers.
func Load(path string) (*Store, error) {
	s := &Store{path: path, cfg: &model.Config{}}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrapf(err, "read config %s", path)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, s.cfg); err != nil {
			return nil, eris.Wrapf(err, "parse config %s", path)
		}
	}

	applyDefaults(s.cfg)
	return s, nil
}

func applyDefaults(cfg *model.Config) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.BindAddress == "" {
		cfg.BindAddress = DefaultBindAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.ReconnectSeconds == 0 {
		cfg.ReconnectSeconds = DefaultReconnectSeconds
	}
}

// Config returns a snapshot of the loaded configuration. The trigger
// slices are cloned under the lock so concurrent token writes never
// race with handler reads; a snapshot does not see later writes.
func (s *Store) Config() *model.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := *s.cfg
	cfg.Webhooks = append([]model.WebhookConfig(nil), s.cfg.Webhooks...)
	cfg.EmailTriggers = append([]model.EmailTriggerConfig(nil), s.cfg.EmailTriggers...)
	return &cfg
}

// ReconnectDelay returns the watcher reconnect delay clamped to
// [1s, 5m]. The 5s default is a parameter, not a contract.
func (s *Store) ReconnectDelay() time.Duration {
	d := time.Duration(s.Config().ReconnectSeconds) * time.Second
	if d < time.Second {
		d = time.Second
	}
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}

// SetWebhookToken records a newly issued or regenerated permanent token
// for the named webhook and rewrites the config file.
func (s *Store) SetWebhookToken(name, tok string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for i := range s.cfg.Webhooks {
		if s.cfg.Webhooks[i].Name == name {
			s.cfg.Webhooks[i].Token = tok
			found = true
			break
		}
	}
	if !found {
		return model.ErrNotFound
	}
	return s.saveLocked()
}

// saveLocked writes the config atomically (temp file + rename) so a
// crash mid-write cannot corrupt the only durable token store.
func (s *Store) saveLocked() error {
	data, err := yaml.Marshal(s.cfg)
	if err != nil {
		return eris.Wrap(err, "marshal config")
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".triggerd-*.yml")
	if err != nil {
		return eris.Wrap(err, "write config")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return eris.Wrap(err, "write config")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return eris.Wrap(err, "write config")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return eris.Wrap(err, "write config")
	}
	return nil
}

// ValidateName checks the trigger naming rules: non-empty, no
// whitespace. Names are case-sensitive and must be unique; uniqueness
// is checked across the whole config by Problems.
func ValidateName(name string) error {
	if name == "" {
		return eris.Wrap(model.ErrValidation, "trigger name is empty")
	}
	if strings.ContainsAny(name, " \t\r\n") {
		return eris.Wrapf(model.ErrValidation, "trigger name %q contains whitespace", name)
	}
	return nil
}

// ValidateWebhook checks one webhook entry.
func ValidateWebhook(w *model.WebhookConfig) error {
	if err := ValidateName(w.Name); err != nil {
		return err
	}
	if w.DebounceSeconds < 0 || w.DurationSeconds < 0 {
		return eris.Wrapf(model.ErrValidation, "webhook %q has negative debounce or duration", w.Name)
	}
	return nil
}

// ValidateEmailTrigger checks one email trigger entry. A failing entry
// is skipped at startup; the rest of the config stays in effect.
func ValidateEmailTrigger(e *model.EmailTriggerConfig) error {
	if err := ValidateName(e.Name); err != nil {
		return err
	}
	if e.IMAPHost == "" || e.IMAPUser == "" {
		return eris.Wrapf(model.ErrValidation, "email trigger %q is missing imapHost or imapUser", e.Name)
	}
	if e.IMAPPassword == "" && e.OAuth == nil {
		return eris.Wrapf(model.ErrValidation, "email trigger %q has neither imapPassword nor oauth", e.Name)
	}
	if e.OAuth != nil && (e.OAuth.ClientID == "" || e.OAuth.RefreshToken == "") {
		return eris.Wrapf(model.ErrValidation, "email trigger %q oauth needs clientId and refreshToken", e.Name)
	}
	if e.SubjectMatch == "" {
		return eris.Wrapf(model.ErrValidation, "email trigger %q is missing subjectMatch", e.Name)
	}
	if e.DebounceSeconds < 0 || e.DurationSeconds < 0 {
		return eris.Wrapf(model.ErrValidation, "email trigger %q has negative debounce or duration", e.Name)
	}
	return nil
}

// Problems returns config-wide validation errors (currently duplicate
// trigger names across both kinds). Per-trigger problems are reported
// by the Validate* functions so one bad entry never blocks the rest.
func Problems(cfg *model.Config) []error {
	var errs []error
	seen := make(map[string]bool)
	for i := range cfg.Webhooks {
		name := cfg.Webhooks[i].Name
		if seen[name] {
			errs = append(errs, eris.Wrapf(model.ErrValidation, "duplicate trigger name %q", name))
		}
		seen[name] = true
	}
	for i := range cfg.EmailTriggers {
		name := cfg.EmailTriggers[i].Name
		if seen[name] {
			errs = append(errs, eris.Wrapf(model.ErrValidation, "duplicate trigger name %q", name))
		}
		seen[name] = true
	}
	return errs
}
