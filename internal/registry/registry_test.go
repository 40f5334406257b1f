package registry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"tweetup/internal/eventbus"
	"tweetup/internal/policy"
	"tweetup/internal/reminder"
	"tweetup/internal/storage"
)

// 2024-01-01 is a Monday.
var monday0800 = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

type countWaker struct{ n atomic.Int32 }

func (w *countWaker) Notify() { w.n.Add(1) }

func newRegistry(t *testing.T, opts ...policy.Option) (*Registry, *clock.Mock, *countWaker, storage.Store) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(monday0800)
	store := storage.NewMemory()
	w := &countWaker{}
	r := New(store, policy.NewEvaluator(opts...), WithClock(clk), WithWaker(w))
	return r, clk, w, store
}

func TestRegisterComputesNextFire(t *testing.T) {
	t.Parallel()
	r, _, w, _ := newRegistry(t)
	ctx := context.Background()

	e, err := r.Register(ctx, "t1", "tweet:1", policy.Fixed(policy.TimeOfDay{Hour: 9}))
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	want := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	if !e.NextFire.Equal(want) {
		t.Fatalf("NextFire = %v, want %v", e.NextFire, want)
	}
	if !e.CreatedAt.Equal(monday0800) || e.LastFired != nil {
		t.Fatalf("unexpected entry %+v", e)
	}
	if w.n.Load() != 1 {
		t.Fatalf("wake count = %d, want 1", w.n.Load())
	}

	got, err := r.Get(ctx, "t1")
	if err != nil || !got.Equal(e) {
		t.Fatalf("Get = %+v, %v", got, err)
	}
}

func TestRegisterSeededRandomIsReproducible(t *testing.T) {
	t.Parallel()
	run := func() time.Time {
		r, _, _, _ := newRegistry(t, policy.WithSource(policy.NewSource(42)))
		e, err := r.Register(context.Background(), "t2", "tweet:2", policy.Random(time.Hour, 3*time.Hour))
		if err != nil {
			t.Fatalf("Register error: %v", err)
		}
		return e.NextFire
	}
	a, b := run(), run()
	if !a.Equal(b) {
		t.Fatalf("same seed gave %v and %v", a, b)
	}
	if a.Before(monday0800.Add(time.Hour)) || a.After(monday0800.Add(3*time.Hour)) {
		t.Fatalf("NextFire %v outside [T+1h, T+3h]", a)
	}
}

func TestRegisterExistingKeepsCreatedAt(t *testing.T) {
	t.Parallel()
	r, clk, w, _ := newRegistry(t)
	ctx := context.Background()
	nine := policy.Fixed(policy.TimeOfDay{Hour: 9})

	if _, err := r.Register(ctx, "t1", "tweet:1", nine); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	clk.Add(30 * time.Minute)

	// same policy: payload replaced, schedule kept
	e, err := r.Register(ctx, "t1", "tweet:1b", nine)
	if err != nil {
		t.Fatalf("re-Register error: %v", err)
	}
	if e.PayloadRef != "tweet:1b" || !e.CreatedAt.Equal(monday0800) {
		t.Fatalf("unexpected entry %+v", e)
	}
	if !e.NextFire.Equal(monday0800.Add(time.Hour)) {
		t.Fatalf("NextFire moved to %v", e.NextFire)
	}

	// identical registration writes nothing
	before := w.n.Load()
	if _, err := r.Register(ctx, "t1", "tweet:1b", nine); err != nil {
		t.Fatalf("identical Register error: %v", err)
	}
	if w.n.Load() != before {
		t.Fatal("identical registration woke the loop")
	}

	// new policy recomputes from now
	e, err = r.Register(ctx, "t1", "tweet:1b", policy.Fixed(policy.TimeOfDay{Hour: 8}))
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if want := time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC); !e.NextFire.Equal(want) {
		t.Fatalf("NextFire = %v, want %v", e.NextFire, want)
	}

	list, err := r.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("List = %d entries, %v", len(list), err)
	}
}

func TestRegisterRejectsInvalidPolicy(t *testing.T) {
	t.Parallel()
	r, _, w, store := newRegistry(t)
	ctx := context.Background()
	bad := []policy.Policy{
		policy.Random(0, time.Hour),
		policy.Random(2*time.Hour, time.Hour),
		policy.Cron("not a cron"),
		policy.Fixed(policy.TimeOfDay{Hour: 25}),
		{},
	}
	for _, p := range bad {
		if _, err := r.Register(ctx, "t1", "x", p); !errors.Is(err, reminder.ErrInvalidPolicy) {
			t.Fatalf("Register(%+v) err = %v, want ErrInvalidPolicy", p, err)
		}
	}
	if all, _ := store.All(ctx); len(all) != 0 {
		t.Fatalf("invalid policies were stored: %d", len(all))
	}
	if w.n.Load() != 0 {
		t.Fatal("loop woken for rejected registration")
	}
	if _, err := r.Register(ctx, " ", "x", policy.Fixed(policy.TimeOfDay{Hour: 9})); !errors.Is(err, reminder.ErrEmptyID) {
		t.Fatalf("blank id err = %v", err)
	}
}

func TestUpdatePolicyAndUnregister(t *testing.T) {
	t.Parallel()
	r, _, _, _ := newRegistry(t)
	ctx := context.Background()

	if _, err := r.UpdatePolicy(ctx, "nope", policy.Fixed(policy.TimeOfDay{Hour: 9})); !errors.Is(err, reminder.ErrItemNotFound) {
		t.Fatalf("UpdatePolicy unknown err = %v", err)
	}
	if err := r.Unregister(ctx, "nope"); !errors.Is(err, reminder.ErrItemNotFound) {
		t.Fatalf("Unregister unknown err = %v", err)
	}

	if _, err := r.Register(ctx, "t1", "tweet:1", policy.Fixed(policy.TimeOfDay{Hour: 9})); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	e, err := r.UpdatePolicy(ctx, "t1", policy.Random(time.Hour, time.Hour))
	if err != nil {
		t.Fatalf("UpdatePolicy error: %v", err)
	}
	if !e.NextFire.Equal(monday0800.Add(time.Hour)) || e.Policy.Kind != policy.KindRandom {
		t.Fatalf("unexpected entry %+v", e)
	}
	if _, err := r.UpdatePolicy(ctx, "t1", policy.Cron("bad")); !errors.Is(err, reminder.ErrInvalidPolicy) {
		t.Fatalf("invalid UpdatePolicy err = %v", err)
	}

	if err := r.Unregister(ctx, "t1"); err != nil {
		t.Fatalf("Unregister error: %v", err)
	}
	if _, err := r.Get(ctx, "t1"); !errors.Is(err, reminder.ErrItemNotFound) {
		t.Fatalf("Get after Unregister err = %v", err)
	}
}

func TestSync(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock()
	clk.Set(monday0800)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, eventbus.TypeRegistered, eventbus.TypeUnregistered)
	defer unsub()
	r := New(storage.NewMemory(), policy.NewEvaluator(), WithClock(clk), WithBus(bus))
	ctx := context.Background()

	nine := policy.Fixed(policy.TimeOfDay{Hour: 9})
	res, err := r.Sync(ctx, []Declared{
		{ID: "a", PayloadRef: "tweet:a", Policy: nine},
		{ID: "b", PayloadRef: "tweet:b", Policy: nine},
	}, nil)
	if err != nil || res.Registered != 2 {
		t.Fatalf("first Sync = %+v, %v", res, err)
	}
	if _, err := r.Register(ctx, "manual", "tweet:m", nine); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	res, err = r.Sync(ctx, []Declared{
		{ID: "a", PayloadRef: "tweet:a", Policy: nine},
		{ID: "c", PayloadRef: "tweet:c", Policy: policy.Cron("0 12 * * *")},
		{ID: "b", PayloadRef: "tweet:b2", Policy: nine},
	}, []string{"a", "b", "gone"})
	if err != nil {
		t.Fatalf("second Sync error: %v", err)
	}
	want := SyncResult{Registered: 1, Updated: 1, Unchanged: 1}
	if res != want {
		t.Fatalf("second Sync = %+v, want %+v", res, want)
	}

	res, err = r.Sync(ctx, []Declared{{ID: "c", PayloadRef: "tweet:c", Policy: policy.Cron("0 12 * * *")}}, []string{"a", "b", "c"})
	if err != nil || res.Unregistered != 2 || res.Unchanged != 1 {
		t.Fatalf("third Sync = %+v, %v", res, err)
	}
	list, _ := r.List(ctx)
	ids := map[string]bool{}
	for _, e := range list {
		ids[e.ID] = true
	}
	if len(ids) != 2 || !ids["c"] || !ids["manual"] {
		t.Fatalf("remaining ids = %v", ids)
	}
	if len(events) == 0 {
		t.Fatal("no registry events published")
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()
	eval := policy.NewEvaluator()
	got, err := Preview(eval, policy.Fixed(policy.TimeOfDay{Hour: 9}), monday0800, 3)
	if err != nil {
		t.Fatalf("Preview error: %v", err)
	}
	for i, ts := range got {
		want := time.Date(2024, 1, 1+i, 9, 0, 0, 0, time.UTC)
		if !ts.Equal(want) {
			t.Fatalf("preview[%d] = %v, want %v", i, ts, want)
		}
	}
	if _, err := Preview(eval, policy.Random(0, 0), monday0800, 1); !errors.Is(err, reminder.ErrInvalidPolicy) {
		t.Fatalf("Preview invalid err = %v", err)
	}
}
