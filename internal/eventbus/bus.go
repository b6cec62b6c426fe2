// Package eventbus implements the dual-channel in-process message bus:
// a bounded, drop-on-full main channel for ordinary events and an
// unbounded, never-drops channel for exit signals, with the dispatcher
// strictly prioritising the latter.
package eventbus

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
)

// Event is any message travelling across the bus. Concrete payloads
// (BarEvent, SignalEvent, OrderIntentEvent, ExitSignalEvent, ...) live in
// the packages that produce them; the bus itself is payload-agnostic.
type Event interface{}

// DefaultMainCapacity is the recommended bounded main-channel size.
const DefaultMainCapacity = 10000

// Bus is the dual-channel event bus. Zero value is not usable; construct
// with New.
type Bus struct {
	logger *log.Logger

	main chan Event

	exitMu     sync.Mutex
	exitQueue  []Event
	exitSignal chan struct{}

	mainDrops atomic.Int64
	exitDrops atomic.Int64 // always zero; retained so tests can assert the invariant directly
}

// New creates a Bus with the given bounded main-channel capacity. A
// capacity of zero uses DefaultMainCapacity.
func New(mainCapacity int, logger *log.Logger) *Bus {
	if mainCapacity <= 0 {
		mainCapacity = DefaultMainCapacity
	}
	if logger == nil {
		logger = log.New(os.Stderr, "eventbus: ", log.LstdFlags)
	}
	return &Bus{
		logger:     logger,
		main:       make(chan Event, mainCapacity),
		exitSignal: make(chan struct{}, 1),
	}
}

// PublishMain offers ev to the bounded main channel. It returns false and
// increments the drop counter instead of blocking when the channel is at
// capacity; it never blocks the caller.
func (b *Bus) PublishMain(ev Event) bool {
	select {
	case b.main <- ev:
		return true
	default:
		b.mainDrops.Add(1)
		return false
	}
}

// PublishExit enqueues an exit signal. Always accepted; the exit channel
// never drops.
func (b *Bus) PublishExit(ev Event) {
	b.exitMu.Lock()
	b.exitQueue = append(b.exitQueue, ev)
	b.exitMu.Unlock()
	select {
	case b.exitSignal <- struct{}{}:
	default:
		// a wake-up is already pending; the dispatcher will drain the
		// whole queue on its next pass regardless.
	}
}

// MainDrops returns the monotonically increasing count of dropped main-
// channel events.
func (b *Bus) MainDrops() int64 { return b.mainDrops.Load() }

// ExitDrops returns the exit-channel drop count, which is a structural
// zero by construction.
func (b *Bus) ExitDrops() int64 { return b.exitDrops.Load() }

func (b *Bus) popExit() (Event, bool) {
	b.exitMu.Lock()
	defer b.exitMu.Unlock()
	if len(b.exitQueue) == 0 {
		return nil, false
	}
	ev := b.exitQueue[0]
	b.exitQueue = b.exitQueue[1:]
	return ev, true
}

// Dispatch runs until ctx is cancelled, delivering every event to handle.
// On each iteration it first drains the exit queue to empty before ever
// receiving a single event off the main channel, and re-checks the
// queue after receiving a main event: a producer may enqueue an exit
// signal in the window between the drain finding the queue empty and
// the select picking the main case, so the queue is drained again
// before the just-received main event is handled. Exit signals
// therefore strictly precede all other dispatch. A handler that panics
// is recovered and logged; dispatch continues.
func (b *Bus) Dispatch(ctx context.Context, handle func(Event)) {
	for {
		b.drainExits(handle)
		select {
		case <-ctx.Done():
			return
		case <-b.exitSignal:
			continue
		case ev := <-b.main:
			b.drainExits(handle)
			b.safeHandle(handle, ev)
		}
	}
}

func (b *Bus) drainExits(handle func(Event)) {
	for {
		ev, ok := b.popExit()
		if !ok {
			return
		}
		b.safeHandle(handle, ev)
	}
}

func (b *Bus) safeHandle(handle func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("event handler panicked: %v (event %T)", r, ev)
		}
	}()
	handle(ev)
}
