package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EVENT BUS - In-process pub/sub with per-subject ordering and handler isolation
// ═══════════════════════════════════════════════════════════════════════════════

// Handler consumes one event. Handlers run synchronously on the dispatch
// goroutine; a slow handler delays everything behind it.
type Handler func(Event)

// Bus delivers events to subscribers in subscription order. A panicking
// handler is logged and skipped; the remaining handlers still run.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]subscriber
	catchAll []subscriber
}

type subscriber struct {
	name string
	fn   Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Type][]subscriber),
	}
}

// Subscribe registers a named handler for one event type.
func (b *Bus) Subscribe(t Type, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], subscriber{name: name, fn: h})
}

// SubscribeAll registers a handler that sees every event, after the
// type-specific subscribers.
func (b *Bus) SubscribeAll(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.catchAll = append(b.catchAll, subscriber{name: name, fn: h})
}

// Publish delivers ev to all matching subscribers, catching panics so one
// broken handler cannot starve the rest.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := b.handlers[ev.Type]
	all := b.catchAll
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, ev)
	}
	for _, s := range all {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("handler", s.name).
				Str("event", string(ev.Type)).
				Interface("panic", r).
				Msg("💥 Event handler panicked")
		}
	}()
	s.fn(ev)
}

// ═══════════════════════════════════════════════════════════════════════════════
// DISPATCHER - Single goroutine that serializes events and timer callbacks
// ═══════════════════════════════════════════════════════════════════════════════

const (
	queueCapacity  = 16384
	queueWarnLevel = 1024
)

type work struct {
	ev   *Event
	fn   func()
	name string
}

// Dispatcher owns the one goroutine on which rule evaluation and timer
// callbacks run. Everything funnels through its queue, so a timer callback
// can never interleave with a half-dispatched event.
type Dispatcher struct {
	bus    *Bus
	queue  chan work
	stopCh chan struct{}
	doneCh chan struct{}

	mu       sync.Mutex
	lastWarn time.Time
	stopped  bool
}

// NewDispatcher creates a dispatcher feeding the given bus.
func NewDispatcher(bus *Bus) *Dispatcher {
	return &Dispatcher{
		bus:    bus,
		queue:  make(chan work, queueCapacity),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Bus returns the bus this dispatcher publishes to.
func (d *Dispatcher) Bus() *Bus { return d.bus }

// Publish queues an event for dispatch. Safe to call from any goroutine.
func (d *Dispatcher) Publish(ev Event) {
	d.enqueue(work{ev: &ev})
}

// Submit queues a callback (timer expiry, admin command) to run on the
// dispatch goroutine between events.
func (d *Dispatcher) Submit(name string, fn func()) {
	d.enqueue(work{fn: fn, name: name})
}

func (d *Dispatcher) enqueue(w work) {
	if n := len(d.queue); n >= queueWarnLevel {
		d.mu.Lock()
		if time.Since(d.lastWarn) > 5*time.Second {
			d.lastWarn = time.Now()
			log.Warn().
				Int("queued", n).
				Int("capacity", queueCapacity).
				Msg("⚠️ Event queue backlog growing")
		}
		d.mu.Unlock()
	}
	select {
	case d.queue <- w:
	case <-d.stopCh:
	}
}

// Run consumes the queue until Stop. Call in its own goroutine.
func (d *Dispatcher) Run() {
	defer close(d.doneCh)
	for {
		select {
		case <-d.stopCh:
			// Drain what is already queued so shutdown doesn't drop
			// enforcement that was decided before the stop.
			for {
				select {
				case w := <-d.queue:
					d.execute(w)
				default:
					return
				}
			}
		case w := <-d.queue:
			d.execute(w)
		}
	}
}

func (d *Dispatcher) execute(w work) {
	if w.ev != nil {
		d.bus.Publish(*w.ev)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("callback", w.name).
				Interface("panic", r).
				Msg("💥 Dispatched callback panicked")
		}
	}()
	w.fn()
}

// Stop halts the dispatch loop and waits for it to drain.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	close(d.stopCh)
	<-d.doneCh
}
