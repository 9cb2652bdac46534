// Package watch runs one long-lived IMAP mailbox watcher per email
// trigger. A watcher detects new messages, matches subjects against the
// trigger's pattern, fires the trigger state machine, flags processed
// messages, and reconnects forever on failure. Watchers are fully
// independent of each other.
package watch

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eslider/triggerd/internal/model"
)

// idleTimeout bounds a single IDLE before it is re-issued; RFC 2177
// suggests staying under 29 minutes.
const idleTimeout = 25 * time.Minute

// pollInterval is the scan cadence for servers without IDLE.
const pollInterval = time.Minute

// Firer is the trigger decision point (implemented by trigger.Machine).
type Firer interface {
	Fire(name string) (bool, error)
}

// session is one open mailbox connection. Implemented by imapSession;
// tests substitute fakes.
type session interface {
	UIDValidity() uint32
	SearchUnseen() ([]uint32, error)
	FetchSubjects(uids []uint32) (map[uint32]string, error)
	MarkSeen(uids []uint32) error
	Wait(timeout time.Duration) (bool, error)
	Close() error
}

type dialFunc func(ctx context.Context, cfg *model.EmailTriggerConfig, onExists func()) (session, error)

// Watcher owns one email trigger's mailbox lifecycle.
type Watcher struct {
	cfg       *model.EmailTriggerConfig
	machine   Firer
	state     *StateDB
	log       zerolog.Logger
	match     func(string) bool
	reconnect time.Duration
	dial      dialFunc

	mu        sync.Mutex
	connected bool
	scanning  bool
	rerun     bool // scan requested while one was in flight
	pending   bool // scan requested while none was in flight
}

// NewWatcher creates a watcher for one validated email trigger config.
// state may be nil. The reconnect delay is applied between session
// attempts; transient faults never escape the watcher.
func NewWatcher(cfg *model.EmailTriggerConfig, machine Firer, state *StateDB, reconnect time.Duration, log zerolog.Logger) *Watcher {
	return &Watcher{
		cfg:       cfg,
		machine:   machine,
		state:     state,
		log:       log.With().Str("trigger", cfg.Name).Logger(),
		match:     newMatcher(cfg.SubjectMatch),
		reconnect: reconnect,
		dial: func(ctx context.Context, cfg *model.EmailTriggerConfig, onExists func()) (session, error) {
			sess, err := dialIMAP(ctx, cfg, onExists)
			if err != nil {
				return nil, err
			}
			return sess, nil
		},
	}
}

// newMatcher compiles the subject pattern. An invalid regular
// expression falls back to plain substring containment, matching how
// the configuration UI lets users type literal phrases.
func newMatcher(pattern string) func(string) bool {
	if pattern == "" {
		return func(string) bool { return false }
	}
	if re, err := regexp.Compile(pattern); err == nil {
		return re.MatchString
	}
	return func(subject string) bool { return strings.Contains(subject, pattern) }
}

// Run watches the mailbox until ctx is cancelled. Every connect or
// listen failure is logged and retried after the reconnect delay; there
// is no terminal failure state.
func (w *Watcher) Run(ctx context.Context) {
	for {
		err := w.runSession(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.log.Warn().Err(err).Dur("retry_in", w.reconnect).Msg("mailbox session failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.reconnect):
		}
	}
}

func (w *Watcher) runSession(ctx context.Context) error {
	sess, err := w.dial(ctx, w.cfg, w.requestScan)
	if err != nil {
		return err
	}
	defer sess.Close()

	w.setConnected(true)
	defer w.setConnected(false)
	w.log.Info().Str("mailbox", w.cfg.IMAPUser+"@"+w.cfg.IMAPHost).Msg("mailbox connected")

	if err := w.state.DropStale(w.cfg.Name, sess.UIDValidity()); err != nil {
		w.log.Warn().Err(err).Msg("drop stale watch state")
	}

	// Scan once at connect time, then on every new-mail notification.
	w.requestScan()
	polling := false
	for {
		if err := w.runPendingScans(sess); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		if polling {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pollInterval):
			}
			w.requestScan()
			continue
		}

		newMail, err := sess.Wait(idleTimeout)
		if err == errNoIdle {
			w.log.Debug().Msg("server lacks IDLE, polling instead")
			polling = true
			continue
		}
		if err != nil {
			return err
		}
		if newMail {
			w.requestScan()
		}
	}
}

// requestScan implements the single-flight guard: a notification during
// an in-flight scan queues exactly one rerun instead of starting a
// second concurrent scan. Safe from any goroutine.
func (w *Watcher) requestScan() {
	w.mu.Lock()
	if w.scanning {
		w.rerun = true
	} else {
		w.pending = true
	}
	w.mu.Unlock()
}

// runPendingScans drains requested scans one at a time. When a scan
// finishes with the rerun flag set, one more scan runs and the flag is
// cleared.
func (w *Watcher) runPendingScans(sess session) error {
	for {
		w.mu.Lock()
		if !w.pending {
			w.mu.Unlock()
			return nil
		}
		w.pending = false
		w.scanning = true
		w.mu.Unlock()

		err := w.scanOnce(sess)

		w.mu.Lock()
		w.scanning = false
		if w.rerun {
			w.rerun = false
			w.pending = true
		}
		w.mu.Unlock()

		if err != nil {
			return err
		}
	}
}

// scanOnce runs the processing protocol: list unseen, batch-fetch
// subjects, fire on matches, and queue every examined message to be
// flagged seen. Messages with no subject are flagged without a match
// attempt. Flag-write failures are logged and swallowed: an unseen
// leftover is reprocessed later, which is safe because matching is
// idempotent under the debounce gate.
func (w *Watcher) scanOnce(sess session) error {
	uids, err := sess.SearchUnseen()
	if err != nil {
		return err
	}

	validity := sess.UIDValidity()
	fresh := uids[:0]
	for _, uid := range uids {
		if !w.state.IsProcessed(w.cfg.Name, validity, uid) {
			fresh = append(fresh, uid)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	subjects, err := sess.FetchSubjects(fresh)
	if err != nil {
		return err
	}

	for _, uid := range fresh {
		subject, ok := subjects[uid]
		if !ok || subject == "" {
			continue
		}
		if !w.match(subject) {
			continue
		}
		fired, err := w.machine.Fire(w.cfg.Name)
		if err != nil {
			w.log.Error().Err(err).Msg("fire failed")
			continue
		}
		if fired {
			w.log.Info().Str("subject", subject).Msg("email trigger fired")
		} else {
			w.log.Debug().Str("subject", subject).Msg("email trigger suppressed by debounce")
		}
	}

	// Mark everything examined as seen, in bounded batches. A failed
	// batch stays unseen on the server but is still recorded locally.
	for i := 0; i < len(fresh); i += fetchBatchSize {
		end := i + fetchBatchSize
		if end > len(fresh) {
			end = len(fresh)
		}
		batch := fresh[i:end]
		if err := sess.MarkSeen(batch); err != nil {
			w.log.Warn().Err(err).Int("batch", len(batch)).Msg("mark seen failed")
		}
		if err := w.state.MarkProcessed(w.cfg.Name, validity, batch); err != nil {
			w.log.Warn().Err(err).Msg("record watch state failed")
		}
	}
	return nil
}

func (w *Watcher) setConnected(v bool) {
	w.mu.Lock()
	w.connected = v
	w.mu.Unlock()
}

// Connected reports whether the watcher currently holds an open
// mailbox session.
func (w *Watcher) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}
