// Package dispatch runs the single scheduling loop: sleep until the earliest
// next fire, deliver everything due, persist the rescheduled entries.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"tweetup/internal/eventbus"
	"tweetup/internal/policy"
	"tweetup/internal/reminder"
	"tweetup/internal/sink"
	"tweetup/internal/storage"
	logx "tweetup/pkg/logx"
)

const (
	defaultRetryBase       = 5 * time.Second
	defaultRetryMaxDelay   = 10 * time.Minute
	defaultDeliveryTimeout = 30 * time.Second
	defaultBatchLimit      = 100
)

type State int

const (
	Idle State = iota
	Waiting
	Firing
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case Firing:
		return "firing"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config controls retry pacing and batch sizes. Zero values use defaults.
type Config struct {
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DeliveryTimeout time.Duration
	BatchLimit      int
}

// DefaultConfig returns the settings used for zero fields.
func DefaultConfig() Config {
	return Config{
		RetryBase:       defaultRetryBase,
		RetryMaxDelay:   defaultRetryMaxDelay,
		DeliveryTimeout: defaultDeliveryTimeout,
		BatchLimit:      defaultBatchLimit,
	}
}

func (c Config) withDefaults() Config {
	if c.RetryBase <= 0 {
		c.RetryBase = defaultRetryBase
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryBase {
		c.RetryMaxDelay = c.RetryBase
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = defaultDeliveryTimeout
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = defaultBatchLimit
	}
	return c
}

// Locker serializes work on one item id with the registration API.
type Locker interface {
	Lock(id string) (unlock func())
}

type nopLocker struct{}

func (nopLocker) Lock(string) func() { return func() {} }

// Loop owns the process-wide schedule state. It is created at startup,
// run on one goroutine and torn down with Stop.
type Loop struct {
	store storage.Store
	eval  *policy.Evaluator
	sink  sink.Sink
	clk   clock.Clock
	log   logx.Logger
	bus   eventbus.Bus
	locks Locker

	cfgMu sync.Mutex
	cfg   Config

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	running  atomic.Bool

	stMu      sync.Mutex
	state     State
	waitUntil time.Time

	// touched only by the loop goroutine
	gates        map[string]retryGate
	storeFails   int
	storeBackoff time.Time
}

type Option func(*Loop)

func WithClock(c clock.Clock) Option { return func(l *Loop) { l.clk = c } }
func WithLogger(log logx.Logger) Option { return func(l *Loop) { l.log = log } }
func WithBus(b eventbus.Bus) Option { return func(l *Loop) { l.bus = b } }
func WithLocker(lk Locker) Option { return func(l *Loop) { l.locks = lk } }
func WithConfig(cfg Config) Option { return func(l *Loop) { l.cfg = cfg } }

func New(store storage.Store, eval *policy.Evaluator, s sink.Sink, opts ...Option) *Loop {
	l := &Loop{
		store:  store,
		eval:   eval,
		sink:   s,
		clk:    clock.New(),
		log:    logx.Nop(),
		locks:  nopLocker{},
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		gates:  map[string]retryGate{},
	}
	for _, o := range opts {
		if o != nil {
			o(l)
		}
	}
	l.log = l.log.With(logx.String("comp", "dispatch"))
	l.cfg = l.cfg.withDefaults()
	return l
}

// Apply swaps the retry and batch settings; the next evaluation uses them.
func (l *Loop) Apply(cfg Config) {
	l.cfgMu.Lock()
	l.cfg = cfg.withDefaults()
	l.cfgMu.Unlock()
	l.Notify()
}

func (l *Loop) config() Config {
	l.cfgMu.Lock()
	defer l.cfgMu.Unlock()
	return l.cfg
}

// Notify asks the loop to re-evaluate its wake time. It never blocks and
// coalesces bursts into one wake-up.
func (l *Loop) Notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// State returns the current state and, for Waiting, the wake time.
func (l *Loop) State() (State, time.Time) {
	l.stMu.Lock()
	defer l.stMu.Unlock()
	return l.state, l.waitUntil
}

func (l *Loop) setState(s State, until time.Time) {
	l.stMu.Lock()
	l.state = s
	l.waitUntil = until
	l.stMu.Unlock()
}

// Stop requests a cooperative stop and waits for Run to return or ctx to
// expire. A batch already firing completes first.
func (l *Loop) Stop(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	if !l.running.Load() {
		l.setState(Stopped, time.Time{})
		return nil
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) stopping(ctx context.Context) bool {
	select {
	case <-l.stopCh:
		return true
	default:
	}
	return ctx.Err() != nil
}

// Run blocks until Stop is called or ctx is canceled.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("dispatch loop already running")
	}
	defer func() {
		l.setState(Stopped, time.Time{})
		l.publish(eventbus.TypeDispatchStopped, nil)
		close(l.done)
	}()

	l.setState(Idle, time.Time{})
	l.log.Info("dispatch loop started")
	for {
		if l.stopping(ctx) {
			l.log.Info("dispatch loop stopped")
			return nil
		}

		now := l.clk.Now()
		if l.storeBackoff.After(now) {
			l.block(ctx, l.storeBackoff, true, now)
			continue
		}

		wakeAt, ok, err := l.nextWake(ctx, now)
		if err != nil {
			l.block(ctx, l.storageFailed("evaluate", err, now), true, now)
			continue
		}
		l.storeFails = 0

		if ok && !wakeAt.After(now) {
			l.setState(Firing, time.Time{})
			l.fireBatch(ctx, now)
			continue
		}
		l.block(ctx, wakeAt, ok, now)
	}
}

// block waits until wakeAt (or indefinitely when timed is false), a Notify,
// or stop.
func (l *Loop) block(ctx context.Context, wakeAt time.Time, timed bool, now time.Time) {
	var timerC <-chan time.Time
	if timed {
		t := l.clk.Timer(wakeAt.Sub(now))
		defer t.Stop()
		timerC = t.C
		l.setState(Waiting, wakeAt)
	} else {
		l.setState(Idle, time.Time{})
	}

	select {
	case <-timerC:
	case <-l.wake:
	case <-l.stopCh:
	case <-ctx.Done():
	}
}

// nextWake computes when the loop must act next: now if some due entry is
// not held back by a retry gate, otherwise the earliest of the gates and the
// first not-yet-due entry.
func (l *Loop) nextWake(ctx context.Context, now time.Time) (time.Time, bool, error) {
	due, err := l.store.Due(ctx, now, 0)
	if err != nil {
		return time.Time{}, false, err
	}

	var (
		best  time.Time
		found bool
	)
	consider := func(t time.Time) {
		if !found || t.Before(best) {
			best, found = t, true
		}
	}

	live := make(map[string]bool, len(due))
	for _, e := range due {
		live[e.ID] = true
		g, ok := l.gates[e.ID]
		if ok && g.holds(e.NextFire, now) {
			consider(g.notBefore)
			continue
		}
		return now, true, nil
	}
	for id := range l.gates {
		if !live[id] {
			delete(l.gates, id)
		}
	}

	next, ok, err := l.store.NextAfter(ctx, now)
	if err != nil {
		return time.Time{}, false, err
	}
	if ok {
		consider(next.NextFire)
	}
	return best, found, nil
}

func (l *Loop) storageFailed(op string, err error, now time.Time) time.Time {
	cfg := l.config()
	l.storeFails++
	delay := Backoff(cfg.RetryBase, cfg.RetryMaxDelay, l.storeFails)
	l.storeBackoff = now.Add(delay)
	l.log.Warn("storage error; pausing evaluation",
		logx.String("op", op),
		logx.Int("failures", l.storeFails),
		logx.Duration("retry_in", delay),
		logx.Err(err),
	)
	l.publish(eventbus.TypeStorageError, err.Error())
	return l.storeBackoff
}

// fireBatch delivers every due, ungated entry (up to the batch limit).
// Deliveries run on a context detached from stop so an accepted batch
// always completes; each delivery is bounded by DeliveryTimeout.
func (l *Loop) fireBatch(ctx context.Context, now time.Time) {
	cfg := l.config()
	due, err := l.store.Due(ctx, now, 0)
	if err != nil {
		l.storageFailed("due", err, now)
		return
	}

	runCtx := context.WithoutCancel(ctx)
	fired := 0
	for _, e := range due {
		if g, ok := l.gates[e.ID]; ok && g.holds(e.NextFire, now) {
			continue
		}
		if fired >= cfg.BatchLimit {
			break
		}
		fired++
		l.fireOne(runCtx, cfg, e)
	}
}

func (l *Loop) fireOne(ctx context.Context, cfg Config, e reminder.Entry) {
	attempt := 1
	if g, ok := l.gates[e.ID]; ok && g.fireTime.Equal(e.NextFire) {
		attempt = g.attempts + 1
	}
	d := reminder.Delivery{
		ItemID:     e.ID,
		PayloadRef: e.PayloadRef,
		FireTime:   e.NextFire,
		Attempt:    attempt,
	}

	dctx, cancel := context.WithTimeout(ctx, cfg.DeliveryTimeout)
	err := l.sink.Deliver(dctx, d)
	cancel()
	if err != nil {
		l.deliveryFailed(cfg, d, fmt.Errorf("%w: %w", reminder.ErrDeliveryFailed, err))
		return
	}

	firedAt := l.clk.Now()
	l.publish(eventbus.TypeFired, eventbus.Delivery{ItemID: d.ItemID, FireTime: d.FireTime, Attempt: attempt})

	next, err := l.reschedule(ctx, e, firedAt)
	if err != nil {
		// Delivered but not recorded: the entry stays due and the occurrence
		// repeats after the gate opens.
		l.gates[e.ID] = retryGate{
			fireTime:  e.NextFire,
			attempts:  attempt,
			notBefore: firedAt.Add(Backoff(cfg.RetryBase, cfg.RetryMaxDelay, attempt)),
		}
		l.log.Error("reschedule failed after delivery", logx.String("id", e.ID), logx.Err(err))
		if reminder.IsRetryable(err) {
			l.publish(eventbus.TypeStorageError, err.Error())
		}
		return
	}
	delete(l.gates, e.ID)
	if !next.IsZero() {
		l.log.Debug("reminder rescheduled",
			logx.String("id", e.ID),
			logx.Int("attempt", attempt),
			logx.Time("next_fire", next),
		)
		l.publish(eventbus.TypeRescheduled, eventbus.Delivery{ItemID: e.ID, FireTime: d.FireTime, Attempt: attempt, NextFire: next})
	}
}

func (l *Loop) deliveryFailed(cfg Config, d reminder.Delivery, err error) {
	delay := Backoff(cfg.RetryBase, cfg.RetryMaxDelay, d.Attempt)
	now := l.clk.Now()
	l.gates[d.ItemID] = retryGate{fireTime: d.FireTime, attempts: d.Attempt, notBefore: now.Add(delay)}
	l.log.Warn("delivery failed",
		logx.String("id", d.ItemID),
		logx.Int("attempt", d.Attempt),
		logx.Duration("retry_in", delay),
		logx.Err(err),
	)
	l.publish(eventbus.TypeDeliveryFailed, eventbus.Delivery{
		ItemID:   d.ItemID,
		FireTime: d.FireTime,
		Attempt:  d.Attempt,
		RetryIn:  delay,
		Err:      err.Error(),
	})
}

// reschedule computes the next fire from the actual fire time and persists
// it, unless the entry was changed or removed while the delivery ran; the
// newer registration wins then. It returns the zero time when nothing was
// written.
func (l *Loop) reschedule(ctx context.Context, e reminder.Entry, firedAt time.Time) (time.Time, error) {
	unlock := l.locks.Lock(e.ID)
	defer unlock()

	cur, ok, err := l.store.Get(ctx, e.ID)
	if err != nil {
		return time.Time{}, err
	}
	if !ok || !cur.NextFire.Equal(e.NextFire) || !cur.Policy.Equal(e.Policy) {
		l.log.Debug("entry changed during delivery; keeping newer state", logx.String("id", e.ID))
		return time.Time{}, nil
	}

	next, err := l.eval.Next(cur.Policy, firedAt)
	if err != nil {
		return time.Time{}, err
	}
	cur.NextFire = next
	cur.LastFired = &firedAt
	if err := l.store.Upsert(ctx, cur); err != nil {
		return time.Time{}, err
	}
	return next, nil
}

func (l *Loop) publish(typ string, data any) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(eventbus.Event{Type: typ, Time: l.clk.Now(), Data: data})
}
