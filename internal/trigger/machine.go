// Package trigger implements the per-trigger debounce and auto-reset
// state machine. This is the only place a fire decision is made.
package trigger

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eslider/triggerd/internal/model"
)

// Sink receives active/inactive notifications for named triggers. The
// concrete sensor representation is owned by the host; the machine only
// ever calls SetActive.
type Sink interface {
	SetActive(name string, active bool)
}

// state is one trigger's runtime state. Invariant: at most one pending
// reset timer at any time; firing while active cancels and replaces it,
// restarting the window rather than extending it.
type state struct {
	id       string
	kind     model.TriggerKind
	debounce time.Duration
	duration time.Duration
	lastFire time.Time
	active   bool
	reset    *time.Timer
	gen      uint64 // incremented per scheduled reset; stale callbacks no-op
}

// Machine owns the trigger table. All mutation funnels through its
// methods; the table is never written from outside.
type Machine struct {
	mu       sync.Mutex
	triggers map[string]*state
	seq      uint64 // assigned under mu, orders sink notifications
	sink     Sink
	log      zerolog.Logger
	now      func() time.Time

	notifyMu  sync.Mutex
	delivered map[string]uint64 // highest seq delivered per trigger
}

// NewMachine creates a machine notifying the given sink.
func NewMachine(sink Sink, log zerolog.Logger) *Machine {
	return &Machine{
		triggers:  make(map[string]*state),
		sink:      sink,
		log:       log,
		now:       time.Now,
		delivered: make(map[string]uint64),
	}
}

// Add registers a trigger. Debounce and duration below zero are clamped
// to zero; a zero duration uses the 10s default, matching configs that
// omit it.
func (m *Machine) Add(name string, kind model.TriggerKind, debounce, duration time.Duration) {
	if debounce < 0 {
		debounce = 0
	}
	if duration <= 0 {
		duration = 10 * time.Second
	}

	m.mu.Lock()
	m.triggers[name] = &state{
		id:       model.NewID(),
		kind:     kind,
		debounce: debounce,
		duration: duration,
	}
	m.mu.Unlock()
}

// Fire attempts to trigger. Returns (fired, nil) on a known name, where
// fired=false means the debounce gate suppressed the attempt — a normal
// outcome, not an error. The gate applies to every attempted fire, not
// only while already active.
func (m *Machine) Fire(name string) (bool, error) {
	m.mu.Lock()
	t, ok := m.triggers[name]
	if !ok {
		m.mu.Unlock()
		return false, model.ErrNotFound
	}

	now := m.now()
	if t.debounce > 0 && !t.lastFire.IsZero() && now.Sub(t.lastFire) < t.debounce {
		m.mu.Unlock()
		m.log.Debug().Str("trigger", name).Msg("fire suppressed by debounce")
		return false, nil
	}

	t.lastFire = now
	t.active = true
	if t.reset != nil {
		t.reset.Stop()
	}
	t.gen++
	gen := t.gen
	t.reset = time.AfterFunc(t.duration, func() { m.expire(name, gen) })
	duration := t.duration
	m.seq++
	seq := m.seq
	m.mu.Unlock()

	m.notify(name, true, seq)
	m.log.Debug().Str("trigger", name).Dur("duration", duration).Msg("trigger active")
	return true, nil
}

// expire is the reset timer callback: back to idle, notify the sink.
// A fire that restarted the window between scheduling and delivery
// bumps the generation, turning the stale callback into a no-op.
func (m *Machine) expire(name string, gen uint64) {
	m.mu.Lock()
	t, ok := m.triggers[name]
	if !ok || t.gen != gen {
		m.mu.Unlock()
		return
	}
	t.active = false
	t.reset = nil
	m.seq++
	seq := m.seq
	m.mu.Unlock()

	m.notify(name, false, seq)
	m.log.Debug().Str("trigger", name).Msg("trigger reset")
}

// notify delivers a sink notification unless a later one for the same
// trigger already went out. The seq is assigned under mu, so an expiry
// that lost the race to a concurrent fire is dropped here instead of
// reaching the sink out of order.
func (m *Machine) notify(name string, active bool, seq uint64) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	if seq <= m.delivered[name] {
		return
	}
	m.delivered[name] = seq
	m.sink.SetActive(name, active)
}

// Remove deletes a trigger and cancels its pending reset timer so no
// callback fires for a trigger that no longer exists.
func (m *Machine) Remove(name string) {
	m.mu.Lock()
	if t, ok := m.triggers[name]; ok {
		if t.reset != nil {
			t.reset.Stop()
		}
		delete(m.triggers, name)
	}
	m.mu.Unlock()

	m.notifyMu.Lock()
	delete(m.delivered, name)
	m.notifyMu.Unlock()
}

// Active reports whether the named trigger is currently active.
func (m *Machine) Active(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[name]
	return ok && t.active
}

// ID returns the trigger's stable identifier, assigned at Add time and
// surfaced in snapshots. Empty for unknown names.
func (m *Machine) ID(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.triggers[name]; ok {
		return t.id
	}
	return ""
}

// Known reports whether the named trigger exists.
func (m *Machine) Known(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.triggers[name]
	return ok
}

// LastFire returns the last accepted fire time, zero if never fired.
func (m *Machine) LastFire(name string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.triggers[name]; ok {
		return t.lastFire
	}
	return time.Time{}
}
