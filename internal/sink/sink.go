// Package sink defines where fired reminders go.
//
// The dispatch loop only knows the Sink interface. Implementations here are
// transport adapters (structured log, Telegram, HTTP callback) plus the
// Dedup, Multi and Swappable combinators.
package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"tweetup/internal/reminder"
	logx "tweetup/pkg/logx"
)

// Sink receives due reminders. A non-nil error leaves the entry due and the
// delivery is retried later, so implementations must tolerate repeats of
// the same (ItemID, FireTime).
type Sink interface {
	Deliver(ctx context.Context, d reminder.Delivery) error
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, d reminder.Delivery) error

func (f Func) Deliver(ctx context.Context, d reminder.Delivery) error { return f(ctx, d) }

// DefaultTemplate is used when a transport has no message template configured.
const DefaultTemplate = "⏰ Reminder {id}: {payload}"

// Render expands {id}, {payload}, {fire_time} and {attempt} in tmpl.
func Render(tmpl string, d reminder.Delivery) string {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultTemplate
	}
	return strings.NewReplacer(
		"{id}", d.ItemID,
		"{payload}", d.PayloadRef,
		"{fire_time}", d.FireTime.Format(time.RFC3339),
		"{attempt}", fmt.Sprint(d.Attempt),
	).Replace(tmpl)
}

// Log writes every delivery to the structured log. It never fails.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log.With(logx.String("comp", "sink.log"))}
}

func (s *Log) Deliver(ctx context.Context, d reminder.Delivery) error {
	_ = ctx
	s.log.Info("reminder",
		logx.String("id", d.ItemID),
		logx.String("payload_ref", d.PayloadRef),
		logx.Time("fire_time", d.FireTime),
		logx.Int("attempt", d.Attempt),
	)
	return nil
}

// Multi fans a delivery out to every sink. All sinks are attempted; the
// delivery fails if any of them fails.
type Multi []Sink

func (m Multi) Deliver(ctx context.Context, d reminder.Delivery) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Deliver(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dedup suppresses repeats of an already acknowledged occurrence. A repeat
// happens when a delivery succeeded but the following schedule write did
// not, leaving the entry due with the same fire time.
//
// Keys live in a bounded LRU; the least recently acknowledged is evicted first.
type Dedup struct {
	next Sink
	seen *lru.Cache[string, struct{}]
}

func NewDedup(next Sink, maxEntries int) *Dedup {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	seen, _ := lru.New[string, struct{}](maxEntries)
	return &Dedup{next: next, seen: seen}
}

func (s *Dedup) Deliver(ctx context.Context, d reminder.Delivery) error {
	key := d.Key()
	if s.seen.Contains(key) {
		return nil
	}
	if err := s.next.Deliver(ctx, d); err != nil {
		return err
	}
	s.seen.Add(key, struct{}{})
	return nil
}

// Len reports the number of remembered occurrences.
func (s *Dedup) Len() int { return s.seen.Len() }

// Swappable forwards to a sink that can be replaced at runtime (config
// reload) without restarting the dispatch loop.
type Swappable struct {
	cur atomic.Pointer[Sink]
}

func NewSwappable(s Sink) *Swappable {
	w := &Swappable{}
	w.Swap(s)
	return w
}

// Swap installs s for all later deliveries; in-flight ones finish on the
// previous sink.
func (w *Swappable) Swap(s Sink) {
	w.cur.Store(&s)
}

func (w *Swappable) Deliver(ctx context.Context, d reminder.Delivery) error {
	p := w.cur.Load()
	if p == nil || *p == nil {
		return errors.New("no sink configured")
	}
	return (*p).Deliver(ctx, d)
}
