package policy

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// maxFixedScan bounds the day walk for fixed policies: two weeks plus one day,
// so an eligible weekday whose wall time falls in a DST gap is skipped once.
const maxFixedScan = 15

// Source produces the randomness for random-interval policies.
type Source interface {
	Int63() int64
}

// NewSource returns a deterministic source. The same seed yields the same
// sequence of random intervals.
func NewSource(seed int64) Source {
	return rand.NewSource(seed)
}

// Evaluator computes next fire times. It is safe for concurrent use.
//
// Evaluation is pure for fixed and cron policies. Random policies draw from
// the evaluator's source, so the sequence of draws depends on call order.
type Evaluator struct {
	mu     sync.Mutex
	rng    *rand.Rand
	loc    *time.Location
	parser cron.Parser

	cacheMu sync.Mutex
	zones   map[string]*time.Location
	scheds  map[string]cron.Schedule
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLocation sets the zone used by policies that do not name one.
func WithLocation(loc *time.Location) Option {
	return func(e *Evaluator) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithSource sets the random source. Default is seeded from the wall clock.
func WithSource(src Source) Option {
	return func(e *Evaluator) {
		if src == nil {
			return
		}
		if s, ok := src.(rand.Source); ok {
			e.rng = rand.New(s)
			return
		}
		e.rng = rand.New(sourceAdapter{src})
	}
}

// NewEvaluator builds an evaluator. Default location is UTC.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{
		loc:    time.UTC,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		zones:  map[string]*time.Location{},
		scheds: map[string]cron.Schedule{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return e
}

// Location returns the default zone.
func (e *Evaluator) Location() *time.Location { return e.loc }

// Next returns the next fire time of p relative to ref. The result is always
// strictly after ref.
func (e *Evaluator) Next(p Policy, ref time.Time) (time.Time, error) {
	if err := p.Validate(); err != nil {
		return time.Time{}, err
	}
	switch p.Kind {
	case KindFixed:
		loc, err := e.location(p.Location)
		if err != nil {
			return time.Time{}, err
		}
		return nextFixed(p, ref, loc)
	case KindRandom:
		return ref.Add(e.draw(p.Min, p.Max)), nil
	case KindCron:
		return e.nextCron(p, ref)
	}
	return time.Time{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidPolicy, p.Kind)
}

// Check validates p fully, including cron expression syntax and the zone name.
func (e *Evaluator) Check(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Kind == KindCron {
		if _, err := e.schedule(p.Expr); err != nil {
			return err
		}
	}
	if p.Kind != KindRandom {
		if _, err := e.location(p.Location); err != nil {
			return err
		}
	}
	return nil
}

func nextFixed(p Policy, ref time.Time, loc *time.Location) (time.Time, error) {
	r := ref.In(loc)
	for i := 0; i < maxFixedScan; i++ {
		cand := time.Date(r.Year(), r.Month(), r.Day()+i, p.At.Hour, p.At.Minute, p.At.Second, 0, loc)
		if !cand.After(ref) {
			continue
		}
		if !p.allowsDay(cand.Weekday()) {
			continue
		}
		// time.Date normalizes a wall time inside a DST gap forward; that
		// day has no such time of day.
		if !p.At.Matches(cand) {
			continue
		}
		return cand, nil
	}
	return time.Time{}, fmt.Errorf("%w: no eligible day for %s", ErrInvalidPolicy, p)
}

func (e *Evaluator) nextCron(p Policy, ref time.Time) (time.Time, error) {
	sched, err := e.schedule(p.Expr)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := e.location(p.Location)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(ref.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: cron %q never fires", ErrInvalidPolicy, p.Expr)
	}
	return next, nil
}

// draw samples a duration uniformly from [min, max].
func (e *Evaluator) draw(lo, hi time.Duration) time.Duration {
	span := int64(hi - lo)
	if span <= 0 {
		return lo
	}
	e.mu.Lock()
	n := e.rng.Int63n(span + 1)
	e.mu.Unlock()
	return lo + time.Duration(n)
}

func (e *Evaluator) location(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return e.loc, nil
	}
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if loc, ok := e.zones[name]; ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: location %q: %v", ErrInvalidPolicy, name, err)
	}
	e.zones[name] = loc
	return loc, nil
}

func (e *Evaluator) schedule(expr string) (cron.Schedule, error) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if s, ok := e.scheds[expr]; ok {
		return s, nil
	}
	s, err := e.parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidPolicy, expr, err)
	}
	e.scheds[expr] = s
	return s, nil
}

type sourceAdapter struct{ Source }

func (sourceAdapter) Seed(int64) {}
