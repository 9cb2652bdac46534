// Package platform wires the trigger core together: it builds triggers
// from configuration, issues missing credentials, starts the mailbox
// watchers, and owns the ready flag consulted by the HTTP layer.
package platform

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/eslider/triggerd/internal/config"
	"github.com/eslider/triggerd/internal/guard"
	"github.com/eslider/triggerd/internal/model"
	"github.com/eslider/triggerd/internal/token"
	"github.com/eslider/triggerd/internal/trigger"
	"github.com/eslider/triggerd/internal/watch"
)

// Platform holds the assembled trigger core for one daemon process.
type Platform struct {
	Store   *config.Store
	Tokens  *token.Store
	Guard   *guard.Guard
	Machine *trigger.Machine

	log       zerolog.Logger
	state     *watch.StateDB
	watchers  map[string]*watch.Watcher
	ready     atomic.Bool
	startedAt time.Time
}

// New assembles a platform from loaded configuration. An injected sink
// receives active/inactive notifications in addition to the log sink;
// pass nil to log only.
func New(store *config.Store, sink trigger.Sink, log zerolog.Logger) *Platform {
	tokens := token.NewStore()
	if sink == nil {
		sink = trigger.LogSink{Log: log}
	} else {
		sink = trigger.MultiSink{trigger.LogSink{Log: log}, sink}
	}
	return &Platform{
		Store:     store,
		Tokens:    tokens,
		Guard:     guard.New(tokens),
		Machine:   trigger.NewMachine(sink, log.With().Str("component", "trigger").Logger()),
		log:       log,
		watchers:  make(map[string]*watch.Watcher),
		startedAt: time.Now(),
	}
}

// Start registers all configured triggers and launches the watchers.
// A misconfigured trigger is logged and skipped; every other trigger
// keeps working. Watchers stop when ctx is cancelled.
func (p *Platform) Start(ctx context.Context) error {
	cfg := p.Store.Config()

	for _, err := range config.Problems(cfg) {
		p.log.Error().Err(err).Msg("config problem")
	}

	if cfg.DataDir != "" {
		state, err := watch.OpenStateDB(cfg.DataDir)
		if err != nil {
			p.log.Warn().Err(err).Msg("watch state disabled")
		} else {
			p.state = state
		}
	}

	seen := make(map[string]bool)
	webhooks := 0
	for i := range cfg.Webhooks {
		wh := &cfg.Webhooks[i]
		if err := config.ValidateWebhook(wh); err != nil {
			p.log.Error().Err(err).Msg("webhook skipped")
			continue
		}
		if seen[wh.Name] {
			continue
		}
		seen[wh.Name] = true

		p.Machine.Add(wh.Name, model.TriggerKindWebhook,
			time.Duration(wh.DebounceSeconds)*time.Second,
			time.Duration(wh.DurationSeconds)*time.Second)

		tok, err := p.Tokens.Issue(wh.Name, wh.Token)
		if err != nil {
			return err
		}
		if wh.Token == "" {
			// Freshly issued: hand it back to the config layer, the
			// only durable store.
			if err := p.Store.SetWebhookToken(wh.Name, tok); err != nil {
				p.log.Error().Err(err).Str("trigger", wh.Name).Msg("persist issued token")
			}
		}
		webhooks++
	}

	emails := 0
	for i := range cfg.EmailTriggers {
		et := &cfg.EmailTriggers[i]
		if err := config.ValidateEmailTrigger(et); err != nil {
			p.log.Error().Err(err).Msg("email trigger skipped")
			continue
		}
		if seen[et.Name] {
			continue
		}
		seen[et.Name] = true

		p.Machine.Add(et.Name, model.TriggerKindEmail,
			time.Duration(et.DebounceSeconds)*time.Second,
			time.Duration(et.DurationSeconds)*time.Second)

		w := watch.NewWatcher(et, p.Machine, p.state, p.Store.ReconnectDelay(),
			p.log.With().Str("component", "watch").Logger())
		p.watchers[et.Name] = w
		go w.Run(ctx)

		p.log.Info().Str("trigger", et.Name).
			Str("mailbox", et.IMAPUser+"@"+et.IMAPHost).
			Msg("email trigger monitoring")
		emails++
	}

	p.ready.Store(true)
	p.log.Info().Int("webhooks", webhooks).Int("emailTriggers", emails).Msg("platform ready")
	return nil
}

// Ready reports whether startup has completed. The HTTP layer answers
// with notReady stubs until this flips.
func (p *Platform) Ready() bool {
	return p.ready.Load()
}

// UptimeMS returns milliseconds since the platform was constructed.
func (p *Platform) UptimeMS() int64 {
	return time.Since(p.startedAt).Milliseconds()
}

// Close releases the watch state database. Watchers stop via the Start
// context.
func (p *Platform) Close() error {
	return p.state.Close()
}

// Webhook returns the config entry for a named webhook trigger.
func (p *Platform) Webhook(name string) (*model.WebhookConfig, error) {
	cfg := p.Store.Config()
	for i := range cfg.Webhooks {
		if cfg.Webhooks[i].Name == name {
			return &cfg.Webhooks[i], nil
		}
	}
	return nil, model.ErrNotFound
}

// WebhookURL composes the public firing URL for a webhook. The token is
// only included when supplied; snapshot URLs omit it.
func WebhookURL(base string, wh *model.WebhookConfig, tok string) string {
	u := base + wh.ComputedPath()
	if tok != "" {
		u += "?token=" + url.QueryEscape(tok)
	}
	return u
}

// BaseURL composes the server base URL, preferring the request's Host
// header and falling back to the configured bind address and port.
func (p *Platform) BaseURL(hostHeader string) string {
	host := hostHeader
	if host == "" {
		cfg := p.Store.Config()
		host = fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	}
	return "http://" + host
}

// Snapshot assembles the admin state view. Webhook URLs are the public
// paths without tokens; email triggers expose the mailbox identity and
// watcher connectivity, never credentials.
func (p *Platform) Snapshot(base string) model.StateSnapshot {
	cfg := p.Store.Config()
	snap := model.StateSnapshot{
		Webhooks:      []model.WebhookState{},
		EmailTriggers: []model.EmailTriggerState{},
	}

	for i := range cfg.Webhooks {
		wh := &cfg.Webhooks[i]
		if !p.Machine.Known(wh.Name) {
			continue
		}
		snap.Webhooks = append(snap.Webhooks, model.WebhookState{
			ID:       p.Machine.ID(wh.Name),
			Name:     wh.Name,
			Path:     wh.ComputedPath(),
			URL:      WebhookURL(base, wh, ""),
			Active:   p.Machine.Active(wh.Name),
			Revealed: p.Tokens.Revealed(wh.Name),
		})
	}

	for i := range cfg.EmailTriggers {
		et := &cfg.EmailTriggers[i]
		w, ok := p.watchers[et.Name]
		if !ok {
			continue
		}
		snap.EmailTriggers = append(snap.EmailTriggers, model.EmailTriggerState{
			ID:        p.Machine.ID(et.Name),
			Name:      et.Name,
			Mailbox:   et.IMAPUser + "@" + et.IMAPHost,
			Active:    p.Machine.Active(et.Name),
			Connected: w.Connected(),
		})
	}
	return snap
}

// RemoveTrigger deletes a trigger at runtime: its pending reset timer
// is cancelled and all credentials stop validating immediately.
func (p *Platform) RemoveTrigger(name string) {
	p.Machine.Remove(name)
	p.Tokens.Remove(name)
}
