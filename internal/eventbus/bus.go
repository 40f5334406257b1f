// Package eventbus is an in-process, non-blocking fan-out of engine
// lifecycle events (fires, failures, reschedules, storage trouble).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the engine.
const (
	TypeRegistered      = "reminder.registered"
	TypeUnregistered    = "reminder.unregistered"
	TypeFired           = "reminder.fired"
	TypeDeliveryFailed  = "reminder.delivery_failed"
	TypeRescheduled     = "reminder.rescheduled"
	TypeStorageError    = "dispatch.storage_error"
	TypeDispatchStopped = "dispatch.stopped"
	TypeConfigReloaded  = "config.reloaded"
)

// Event is a small in-memory signal.
//
// Publish never blocks; subscribers own buffered channels and a slow
// subscriber loses events rather than stalling the dispatch loop.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Delivery is the payload of fired, failed and rescheduled events.
type Delivery struct {
	ItemID   string
	FireTime time.Time
	Attempt  int
	NextFire time.Time     // rescheduled only
	RetryIn  time.Duration // delivery_failed only
	Err      string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch    chan Event
	types map[string]bool // nil means all
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s.types == nil || s.types[e.Type] {
			targets = append(targets, s.ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		// A concurrent unsubscribe may close ch between snapshot and send.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

// Subscribe registers a buffered listener. With no types it receives every event.
func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
