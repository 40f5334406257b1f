// Package registry is the entry point for adding, changing and removing
// reminders. Every write computes the entry's next fire time, persists it,
// and wakes the dispatch loop so an earlier deadline preempts its sleep.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"tweetup/internal/eventbus"
	"tweetup/internal/keylock"
	"tweetup/internal/policy"
	"tweetup/internal/reminder"
	"tweetup/internal/storage"
	logx "tweetup/pkg/logx"
)

// Waker is notified after every successful write.
type Waker interface {
	Notify()
}

type Registry struct {
	store storage.Store
	eval  *policy.Evaluator
	clk   clock.Clock
	locks *keylock.Map
	waker Waker
	bus   eventbus.Bus
	log   logx.Logger
}

type Option func(*Registry)

func WithClock(c clock.Clock) Option { return func(r *Registry) { r.clk = c } }
func WithWaker(w Waker) Option { return func(r *Registry) { r.waker = w } }
func WithBus(b eventbus.Bus) Option { return func(r *Registry) { r.bus = b } }
func WithLogger(log logx.Logger) Option { return func(r *Registry) { r.log = log } }

// WithLocks shares the per-id lock table with the dispatch loop.
func WithLocks(m *keylock.Map) Option { return func(r *Registry) { r.locks = m } }

func New(store storage.Store, eval *policy.Evaluator, opts ...Option) *Registry {
	r := &Registry{
		store: store,
		eval:  eval,
		clk:   clock.New(),
		log:   logx.Nop(),
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	if r.locks == nil {
		r.locks = &keylock.Map{}
	}
	r.log = r.log.With(logx.String("comp", "registry"))
	return r
}

// Register creates or replaces the reminder for id. An existing entry keeps
// its CreatedAt; if its policy is unchanged it also keeps NextFire and
// LastFired, so re-registering the same reminder does not shift it.
func (r *Registry) Register(ctx context.Context, id, payloadRef string, p policy.Policy) (reminder.Entry, error) {
	if err := reminder.ValidateID(id); err != nil {
		return reminder.Entry{}, err
	}
	if err := r.eval.Check(p); err != nil {
		return reminder.Entry{}, err
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	prev, exists, err := r.store.Get(ctx, id)
	if err != nil {
		return reminder.Entry{}, fmt.Errorf("register %s: %w", id, err)
	}

	now := r.clk.Now()
	e := reminder.Entry{
		Item:   reminder.Item{ID: id, PayloadRef: payloadRef, CreatedAt: now},
		Policy: p,
	}
	if exists {
		e.CreatedAt = prev.CreatedAt
		if prev.Policy.Equal(p) {
			e.NextFire = prev.NextFire
			e.LastFired = prev.LastFired
		}
	}
	if e.NextFire.IsZero() {
		if e.NextFire, err = r.eval.Next(p, now); err != nil {
			return reminder.Entry{}, err
		}
	}
	if exists && prev.Equal(e) {
		return e, nil
	}

	if err := r.store.Upsert(ctx, e); err != nil {
		return reminder.Entry{}, fmt.Errorf("register %s: %w", id, err)
	}
	r.wake()
	r.log.Info("reminder registered",
		logx.String("id", id),
		logx.String("policy", p.String()),
		logx.Time("next_fire", e.NextFire),
		logx.Bool("replaced", exists),
	)
	r.publish(eventbus.TypeRegistered, e)
	return e, nil
}

// UpdatePolicy swaps the policy of an existing reminder and recomputes its
// next fire time from now.
func (r *Registry) UpdatePolicy(ctx context.Context, id string, p policy.Policy) (reminder.Entry, error) {
	if err := reminder.ValidateID(id); err != nil {
		return reminder.Entry{}, err
	}
	if err := r.eval.Check(p); err != nil {
		return reminder.Entry{}, err
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	e, ok, err := r.store.Get(ctx, id)
	if err != nil {
		return reminder.Entry{}, fmt.Errorf("update %s: %w", id, err)
	}
	if !ok {
		return reminder.Entry{}, fmt.Errorf("update %s: %w", id, reminder.ErrItemNotFound)
	}

	next, err := r.eval.Next(p, r.clk.Now())
	if err != nil {
		return reminder.Entry{}, err
	}
	e.Policy = p
	e.NextFire = next
	if err := r.store.Upsert(ctx, e); err != nil {
		return reminder.Entry{}, fmt.Errorf("update %s: %w", id, err)
	}
	r.wake()
	r.log.Info("reminder policy updated",
		logx.String("id", id),
		logx.String("policy", p.String()),
		logx.Time("next_fire", next),
	)
	r.publish(eventbus.TypeRegistered, e)
	return e, nil
}

// Unregister removes the reminder. Deliveries already in flight still
// complete; the entry is not written back.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	if err := reminder.ValidateID(id); err != nil {
		return err
	}
	unlock := r.locks.Lock(id)
	defer unlock()

	if err := r.store.Remove(ctx, id); err != nil {
		return fmt.Errorf("unregister %s: %w", id, err)
	}
	r.wake()
	r.log.Info("reminder unregistered", logx.String("id", id))
	r.publish(eventbus.TypeUnregistered, id)
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (reminder.Entry, error) {
	e, ok, err := r.store.Get(ctx, id)
	if err != nil {
		return reminder.Entry{}, err
	}
	if !ok {
		return reminder.Entry{}, fmt.Errorf("%s: %w", id, reminder.ErrItemNotFound)
	}
	return e, nil
}

// List returns all entries ordered by next fire time.
func (r *Registry) List(ctx context.Context) ([]reminder.Entry, error) {
	return r.store.All(ctx)
}

// Declared is a reminder the operator wants to exist.
type Declared struct {
	ID         string
	PayloadRef string
	Policy     policy.Policy
}

// SyncResult counts what Sync changed.
type SyncResult struct {
	Registered   int
	Updated      int
	Unregistered int
	Unchanged    int
}

// Sync makes the stored set match want: new ids are registered, changed
// payloads or policies are re-registered, and ids in managed but absent
// from want are removed. Entries outside managed are never touched, so
// reminders added through other paths survive a config reload.
func (r *Registry) Sync(ctx context.Context, want []Declared, managed []string) (SyncResult, error) {
	var (
		res  SyncResult
		errs []error
	)
	keep := make(map[string]bool, len(want))
	for _, d := range want {
		keep[d.ID] = true
		prev, ok, err := r.store.Get(ctx, d.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("sync %s: %w", d.ID, err))
			continue
		}
		if ok && prev.PayloadRef == d.PayloadRef && prev.Policy.Equal(d.Policy) {
			res.Unchanged++
			continue
		}
		if _, err := r.Register(ctx, d.ID, d.PayloadRef, d.Policy); err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			res.Updated++
		} else {
			res.Registered++
		}
	}
	for _, id := range managed {
		if keep[id] {
			continue
		}
		err := r.Unregister(ctx, id)
		switch {
		case err == nil:
			res.Unregistered++
		case errors.Is(err, reminder.ErrItemNotFound):
		default:
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

func (r *Registry) wake() {
	if r.waker != nil {
		r.waker.Notify()
	}
}

func (r *Registry) publish(typ string, data any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: r.clk.Now(), Data: data})
}

// Preview returns the next n fire times of p starting at from, feeding each
// result back as the next reference.
func Preview(eval *policy.Evaluator, p policy.Policy, from time.Time, n int) ([]time.Time, error) {
	if err := eval.Check(p); err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	ref := from
	for i := 0; i < n; i++ {
		next, err := eval.Next(p, ref)
		if err != nil {
			return out, err
		}
		out = append(out, next)
		ref = next
	}
	return out, nil
}
