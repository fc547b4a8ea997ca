// Package timer implements the named-timer wheel driving cooldowns, grace
// periods and scheduled unlocks. Timers are transient: nothing here is
// persisted, the lockout manager rebuilds what matters from the database on
// startup.
package timer

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"riskguard/internal/clock"
)

// DefaultTick keeps the wheel comfortably above the required 1 Hz.
const DefaultTick = 500 * time.Millisecond

// Callback runs when a timer expires. Callbacks are handed to the submit
// hook (normally the event dispatcher) so they never interleave with a
// half-processed event, and they must not block.
type Callback func()

type entry struct {
	name      string
	expiresAt time.Time
	cb        Callback
	meta      map[string]string
}

// Wheel is a map of named one-shot timers with a periodic tick. Starting a
// timer under an existing name replaces it.
type Wheel struct {
	mu     sync.Mutex
	timers map[string]*entry

	clk    clock.Clock
	tick   time.Duration
	submit func(name string, fn func())

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option tweaks wheel construction.
type Option func(*Wheel)

// WithTick overrides the tick interval.
func WithTick(d time.Duration) Option {
	return func(w *Wheel) { w.tick = d }
}

// WithSubmit routes expired callbacks through fn instead of running them
// inline. The engine wires this to the event dispatcher.
func WithSubmit(fn func(name string, cb func())) Option {
	return func(w *Wheel) { w.submit = fn }
}

// NewWheel creates a stopped wheel; call Run in a goroutine to start ticking.
func NewWheel(clk clock.Clock, opts ...Option) *Wheel {
	w := &Wheel{
		timers: make(map[string]*entry),
		clk:    clk,
		tick:   DefaultTick,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.submit == nil {
		w.submit = func(_ string, cb func()) { cb() }
	}
	return w
}

// StartTimer schedules cb to fire after d, replacing any timer of the same
// name.
func (w *Wheel) StartTimer(name string, d time.Duration, cb Callback) {
	w.StartTimerMeta(name, d, cb, nil)
}

// StartTimerMeta is StartTimer with diagnostic metadata attached.
func (w *Wheel) StartTimerMeta(name string, d time.Duration, cb Callback, meta map[string]string) {
	expires := w.clk.Now().Add(d)
	w.mu.Lock()
	replaced := w.timers[name] != nil
	w.timers[name] = &entry{name: name, expiresAt: expires, cb: cb, meta: meta}
	w.mu.Unlock()

	log.Debug().
		Str("timer", name).
		Dur("duration", d).
		Bool("replaced", replaced).
		Msg("⏱️ Timer started")
}

// CancelTimer removes a timer. Idempotent; cancelling an unknown name is a
// no-op.
func (w *Wheel) CancelTimer(name string) {
	w.mu.Lock()
	_, existed := w.timers[name]
	delete(w.timers, name)
	w.mu.Unlock()

	if existed {
		log.Debug().Str("timer", name).Msg("⏱️ Timer cancelled")
	}
}

// HasTimer reports whether a timer with this name is pending.
func (w *Wheel) HasTimer(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.timers[name]
	return ok
}

// GetRemainingTime returns how long until the named timer fires; ok=false if
// no such timer. Already-due timers report zero.
func (w *Wheel) GetRemainingTime(name string) (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.timers[name]
	if !ok {
		return 0, false
	}
	rem := e.expiresAt.Sub(w.clk.Now())
	if rem < 0 {
		rem = 0
	}
	return rem, true
}

// Meta returns the metadata attached at start.
func (w *Wheel) Meta(name string) (map[string]string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.timers[name]
	if !ok {
		return nil, false
	}
	return e.meta, true
}

// ActiveTimers returns the pending timer names, for diagnostics.
func (w *Wheel) ActiveTimers() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, 0, len(w.timers))
	for n := range w.timers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Tick fires every due timer in expiry order and removes it. The run loop
// calls this once per interval; tests call it directly after advancing a
// manual clock.
func (w *Wheel) Tick() {
	now := w.clk.Now()

	w.mu.Lock()
	var due []*entry
	for name, e := range w.timers {
		if !e.expiresAt.After(now) {
			due = append(due, e)
			delete(w.timers, name)
		}
	}
	w.mu.Unlock()

	if len(due) == 0 {
		return
	}
	sort.Slice(due, func(i, j int) bool { return due[i].expiresAt.Before(due[j].expiresAt) })

	for _, e := range due {
		log.Debug().Str("timer", e.name).Msg("⏱️ Timer fired")
		cb := e.cb
		name := e.name
		w.submit(name, func() { w.fire(name, cb) })
	}
}

// fire runs one callback, absorbing panics; the typical callback (clear a
// lockout) is idempotent and re-established by the next access, so a failed
// callback is logged and dropped rather than retried.
func (w *Wheel) fire(name string, cb Callback) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("timer", name).
				Interface("panic", r).
				Msg("💥 Timer callback panicked")
		}
	}()
	cb()
}

// Run ticks until Stop. Call in its own goroutine.
func (w *Wheel) Run() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.Tick()
		}
	}
}

// Stop halts the tick loop. Pending timers are discarded.
func (w *Wheel) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}
