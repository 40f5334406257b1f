package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"tweetup/internal/eventbus"
	"tweetup/internal/keylock"
	"tweetup/internal/policy"
	"tweetup/internal/reminder"
	"tweetup/internal/sink"
	"tweetup/internal/storage"
)

// 2024-01-01 is a Monday.
var monday0800 = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

type recorder struct {
	mu    sync.Mutex
	calls []reminder.Delivery
	fail  func(n int) error
}

func (r *recorder) Deliver(_ context.Context, d reminder.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, d)
	if r.fail != nil {
		return r.fail(len(r.calls))
	}
	return nil
}

func (r *recorder) snapshot() []reminder.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reminder.Delivery(nil), r.calls...)
}

type harness struct {
	t     *testing.T
	clk   *clock.Mock
	store *storage.Memory
	loop  *Loop
	errc  chan error
}

func newHarness(t *testing.T, s sink.Sink, cfg Config, opts ...Option) *harness {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(monday0800)
	store := storage.NewMemory()
	opts = append([]Option{WithClock(clk), WithConfig(cfg)}, opts...)
	return &harness{
		t:     t,
		clk:   clk,
		store: store,
		loop:  New(store, policy.NewEvaluator(), s, opts...),
		errc:  make(chan error, 1),
	}
}

func (h *harness) put(id string, p policy.Policy, next time.Time) {
	h.t.Helper()
	e := reminder.Entry{
		Item:     reminder.Item{ID: id, PayloadRef: "tweet:" + id, CreatedAt: monday0800},
		Policy:   p,
		NextFire: next,
	}
	if err := h.store.Upsert(context.Background(), e); err != nil {
		h.t.Fatalf("Upsert %s: %v", id, err)
	}
}

func (h *harness) start() {
	go func() { h.errc <- h.loop.Run(context.Background()) }()
	h.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.loop.Stop(ctx)
	})
}

func (h *harness) waitWaiting(until time.Time) {
	h.t.Helper()
	eventually(h.t, func() bool {
		st, at := h.loop.State()
		return st == Waiting && at.Equal(until)
	}, "loop waiting until %v", until)
}

func (h *harness) entry(id string) reminder.Entry {
	h.t.Helper()
	e, ok, err := h.store.Get(context.Background(), id)
	if err != nil || !ok {
		h.t.Fatalf("Get %s: ok=%v err=%v", id, ok, err)
	}
	return e
}

func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for "+format, args...)
}

func TestLoopFiresFixedReminder(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, rec, Config{})
	nine := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	h.put("t1", policy.Fixed(policy.TimeOfDay{Hour: 9}), nine)
	h.start()

	h.waitWaiting(nine)
	h.clk.Add(time.Hour)

	tuesday := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	h.waitWaiting(tuesday)

	calls := rec.snapshot()
	if len(calls) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(calls))
	}
	if calls[0].ItemID != "t1" || !calls[0].FireTime.Equal(nine) || calls[0].Attempt != 1 {
		t.Fatalf("unexpected delivery %+v", calls[0])
	}
	e := h.entry("t1")
	if !e.NextFire.Equal(tuesday) {
		t.Fatalf("NextFire = %v, want %v", e.NextFire, tuesday)
	}
	if e.LastFired == nil || !e.LastFired.Equal(nine) {
		t.Fatalf("LastFired = %v, want %v", e.LastFired, nine)
	}
}

func TestLoopRetriesUntilDelivered(t *testing.T) {
	rec := &recorder{fail: func(n int) error {
		if n == 1 {
			return errors.New("sink down")
		}
		return nil
	}}
	bus := eventbus.New()
	failed, unsub := bus.Subscribe(4, eventbus.TypeDeliveryFailed)
	defer unsub()

	h := newHarness(t, rec, Config{RetryBase: time.Minute, RetryMaxDelay: time.Hour}, WithBus(bus))
	nine := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	h.put("t1", policy.Random(time.Hour, time.Hour), nine)
	h.start()

	h.waitWaiting(nine)
	h.clk.Add(time.Hour)

	// first attempt fails; the entry stays due and is retried after the base delay
	h.waitWaiting(nine.Add(time.Minute))
	if e := h.entry("t1"); !e.NextFire.Equal(nine) {
		t.Fatalf("NextFire after failure = %v, want unchanged %v", e.NextFire, nine)
	}
	select {
	case ev := <-failed:
		d := ev.Data.(eventbus.Delivery)
		if d.ItemID != "t1" || d.Attempt != 1 || d.RetryIn != time.Minute {
			t.Fatalf("unexpected failure event %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("no delivery_failed event")
	}

	h.clk.Add(time.Minute)
	success := nine.Add(time.Minute)
	h.waitWaiting(success.Add(time.Hour))

	calls := rec.snapshot()
	if len(calls) != 2 {
		t.Fatalf("deliveries = %d, want 2", len(calls))
	}
	for i, d := range calls {
		if !d.FireTime.Equal(nine) || d.Attempt != i+1 {
			t.Fatalf("delivery %d = %+v", i, d)
		}
	}
	if e := h.entry("t1"); !e.NextFire.Equal(success.Add(time.Hour)) {
		t.Fatalf("NextFire = %v, want one hour after the successful fire", e.NextFire)
	}
}

func TestLoopPreemptedByEarlierEntry(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, rec, Config{})
	noon := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	ten := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	h.put("late", policy.Fixed(policy.TimeOfDay{Hour: 12}), noon)
	h.start()
	h.waitWaiting(noon)

	h.put("early", policy.Fixed(policy.TimeOfDay{Hour: 10}), ten)
	h.loop.Notify()
	h.waitWaiting(ten)

	h.clk.Add(2 * time.Hour)
	h.waitWaiting(noon)

	calls := rec.snapshot()
	if len(calls) != 1 || calls[0].ItemID != "early" {
		t.Fatalf("deliveries = %+v, want only early", calls)
	}
}

func TestLoopIdleWithoutEntries(t *testing.T) {
	h := newHarness(t, &recorder{}, Config{})
	h.start()
	eventually(t, func() bool {
		st, _ := h.loop.State()
		return st == Idle
	}, "idle state")

	h.put("t1", policy.Fixed(policy.TimeOfDay{Hour: 9}), monday0800.Add(time.Hour))
	h.loop.Notify()
	h.waitWaiting(monday0800.Add(time.Hour))
}

func TestStopCompletesInFlightBatch(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var delivered atomic.Int32
	blocking := sink.Func(func(ctx context.Context, d reminder.Delivery) error {
		close(started)
		<-release
		delivered.Add(1)
		return nil
	})
	h := newHarness(t, blocking, Config{})
	h.put("t1", policy.Fixed(policy.TimeOfDay{Hour: 9}), monday0800)
	h.start()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never started")
	}
	if st, _ := h.loop.State(); st != Firing {
		t.Fatalf("state = %v, want firing", st)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- h.loop.Stop(context.Background()) }()
	select {
	case err := <-stopped:
		t.Fatalf("Stop returned before the batch finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	if err := <-h.errc; err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if delivered.Load() != 1 {
		t.Fatalf("delivered = %d, want 1", delivered.Load())
	}
	if e := h.entry("t1"); !e.NextFire.Equal(monday0800.Add(time.Hour)) {
		t.Fatalf("NextFire = %v, want rescheduled to 09:00", e.NextFire)
	}
	if st, _ := h.loop.State(); st != Stopped {
		t.Fatalf("state = %v, want stopped", st)
	}
}

func TestStopBeforeRun(t *testing.T) {
	h := newHarness(t, &recorder{}, Config{})
	if err := h.loop.Stop(context.Background()); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if err := h.loop.Run(context.Background()); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if err := h.loop.Run(context.Background()); err == nil {
		t.Fatal("second Run should fail")
	}
}

type flakyStore struct {
	storage.Store
	failing atomic.Bool
}

func (s *flakyStore) Due(ctx context.Context, now time.Time, limit int) ([]reminder.Entry, error) {
	if s.failing.Load() {
		return nil, reminder.Unavailable("due", errors.New("disk on fire"))
	}
	return s.Store.Due(ctx, now, limit)
}

func TestLoopPausesOnStorageError(t *testing.T) {
	rec := &recorder{}
	bus := eventbus.New()
	storeErrs, unsub := bus.Subscribe(4, eventbus.TypeStorageError)
	defer unsub()

	clk := clock.NewMock()
	clk.Set(monday0800)
	mem := storage.NewMemory()
	flaky := &flakyStore{Store: mem}
	flaky.failing.Store(true)
	_ = mem.Upsert(context.Background(), reminder.Entry{
		Item:     reminder.Item{ID: "t1", PayloadRef: "tweet:1"},
		Policy:   policy.Fixed(policy.TimeOfDay{Hour: 9}),
		NextFire: monday0800,
	})

	loop := New(flaky, policy.NewEvaluator(), rec,
		WithClock(clk), WithBus(bus),
		WithConfig(Config{RetryBase: 10 * time.Second, RetryMaxDelay: time.Minute}))
	go func() { _ = loop.Run(context.Background()) }()
	defer func() { _ = loop.Stop(context.Background()) }()

	eventually(t, func() bool {
		st, at := loop.State()
		return st == Waiting && at.Equal(monday0800.Add(10*time.Second))
	}, "storage pause")
	select {
	case <-storeErrs:
	case <-time.After(time.Second):
		t.Fatal("no storage_error event")
	}
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("deliveries during outage = %d", n)
	}

	// second failure doubles the pause
	clk.Add(10 * time.Second)
	eventually(t, func() bool {
		st, at := loop.State()
		return st == Waiting && at.Equal(monday0800.Add(30*time.Second))
	}, "doubled storage pause")

	flaky.failing.Store(false)
	clk.Add(20 * time.Second)
	eventually(t, func() bool { return len(rec.snapshot()) == 1 }, "delivery after recovery")
}

func TestRescheduleKeepsConcurrentChange(t *testing.T) {
	var h *harness
	moved := time.Date(2024, 1, 5, 18, 0, 0, 0, time.UTC)
	locks := &keylock.Map{}
	changing := sink.Func(func(ctx context.Context, d reminder.Delivery) error {
		unlock := locks.Lock(d.ItemID)
		defer unlock()
		e := h.entry(d.ItemID)
		e.Policy = policy.Fixed(policy.TimeOfDay{Hour: 18})
		e.NextFire = moved
		return h.store.Upsert(ctx, e)
	})
	h = newHarness(t, changing, Config{}, WithLocker(locks))
	h.put("t1", policy.Fixed(policy.TimeOfDay{Hour: 9}), monday0800)
	h.start()

	h.waitWaiting(moved)
	e := h.entry("t1")
	if e.LastFired != nil {
		t.Fatalf("LastFired = %v, want nil after concurrent change", e.LastFired)
	}
	if e.Policy.At.Hour != 18 {
		t.Fatalf("policy overwritten: %s", e.Policy)
	}
}

func TestBatchLimit(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, rec, Config{BatchLimit: 2})
	for _, id := range []string{"a", "b", "c"} {
		h.put(id, policy.Fixed(policy.TimeOfDay{Hour: 9}), monday0800)
	}
	h.start()
	h.waitWaiting(monday0800.Add(time.Hour))
	if n := len(rec.snapshot()); n != 3 {
		t.Fatalf("deliveries = %d, want 3 across batches", n)
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, time.Minute},
		{50, time.Minute},
		{1000, time.Minute},
	}
	for _, c := range cases {
		if got := Backoff(time.Second, time.Minute, c.attempt); got != c.want {
			t.Fatalf("Backoff(attempt=%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
	if got := Backoff(time.Minute, time.Second, 3); got != time.Minute {
		t.Fatalf("cap below base: got %v", got)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	for st, want := range map[State]string{Idle: "idle", Waiting: "waiting", Firing: "firing", Stopped: "stopped"} {
		if st.String() != want {
			t.Fatalf("%d.String() = %q, want %q", st, st.String(), want)
		}
	}
}
