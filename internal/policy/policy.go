// Package policy implements recurrence policies and the evaluator that maps
// a policy plus a reference time onto the next fire time.
//
// Three kinds are supported:
//   - fixed:  a wall-clock time of day, optionally limited to a weekday set
//   - random: a uniformly sampled delay in [min, max], re-drawn on every fire
//   - cron:   a robfig/cron expression (5 fields, optional seconds, descriptors)
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrInvalidPolicy is returned for malformed recurrence input.
var ErrInvalidPolicy = errors.New("invalid policy")

type Kind string

const (
	KindFixed  Kind = "fixed"
	KindRandom Kind = "random"
	KindCron   Kind = "cron"
)

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

func (t TimeOfDay) valid() bool {
	return t.Hour >= 0 && t.Hour < 24 && t.Minute >= 0 && t.Minute < 60 && t.Second >= 0 && t.Second < 60
}

func (t TimeOfDay) String() string {
	if t.Second != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
	}
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Matches reports whether ts shows this time of day (to the second, no sub-second part).
func (t TimeOfDay) Matches(ts time.Time) bool {
	return ts.Hour() == t.Hour && ts.Minute() == t.Minute && ts.Second() == t.Second && ts.Nanosecond() == 0
}

// Policy is a tagged variant; only the fields of its Kind are meaningful.
type Policy struct {
	Kind Kind

	// fixed
	At       TimeOfDay
	Weekdays []time.Weekday

	// random
	Min time.Duration
	Max time.Duration

	// cron
	Expr string

	// Location is an IANA zone name for fixed and cron policies.
	// Empty means the evaluator's default location.
	Location string
}

// Fixed builds a fixed-time policy. No weekdays means every day.
func Fixed(at TimeOfDay, days ...time.Weekday) Policy {
	return Policy{Kind: KindFixed, At: at, Weekdays: normalizeWeekdays(days)}
}

// Random builds a random-interval policy.
func Random(lo, hi time.Duration) Policy {
	return Policy{Kind: KindRandom, Min: lo, Max: hi}
}

// Cron builds a cron policy.
func Cron(expr string) Policy {
	return Policy{Kind: KindCron, Expr: strings.TrimSpace(expr)}
}

// In returns a copy of p evaluated in the named location.
func (p Policy) In(location string) Policy {
	p.Location = strings.TrimSpace(location)
	return p
}

// Validate checks structural invariants. Cron expressions and location names
// are resolved by the evaluator; here only their shape is checked.
func (p Policy) Validate() error {
	switch p.Kind {
	case KindFixed:
		if !p.At.valid() {
			return fmt.Errorf("%w: time of day %s out of range", ErrInvalidPolicy, p.At)
		}
		for _, d := range p.Weekdays {
			if d < time.Sunday || d > time.Saturday {
				return fmt.Errorf("%w: weekday %d out of range", ErrInvalidPolicy, int(d))
			}
		}
	case KindRandom:
		if p.Min <= 0 || p.Max <= 0 {
			return fmt.Errorf("%w: random durations must be > 0 (min=%s max=%s)", ErrInvalidPolicy, p.Min, p.Max)
		}
		if p.Min > p.Max {
			return fmt.Errorf("%w: random min %s > max %s", ErrInvalidPolicy, p.Min, p.Max)
		}
	case KindCron:
		if p.Expr == "" {
			return fmt.Errorf("%w: cron expression required", ErrInvalidPolicy)
		}
	case "":
		return fmt.Errorf("%w: kind required", ErrInvalidPolicy)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPolicy, p.Kind)
	}
	return nil
}

// Equal compares two policies by value.
func (p Policy) Equal(o Policy) bool {
	if p.Kind != o.Kind || p.Location != o.Location {
		return false
	}
	switch p.Kind {
	case KindFixed:
		if p.At != o.At {
			return false
		}
		a, b := normalizeWeekdays(p.Weekdays), normalizeWeekdays(o.Weekdays)
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return true
	case KindRandom:
		return p.Min == o.Min && p.Max == o.Max
	case KindCron:
		return p.Expr == o.Expr
	default:
		return true
	}
}

// String renders the canonical text form; Parse(p.String()) yields p.
func (p Policy) String() string {
	var b strings.Builder
	switch p.Kind {
	case KindFixed:
		b.WriteString(p.At.String())
		if days := normalizeWeekdays(p.Weekdays); len(days) > 0 {
			names := make([]string, 0, len(days))
			for _, d := range days {
				names = append(names, weekdayNames[d])
			}
			b.WriteString(" ")
			b.WriteString(strings.Join(names, ","))
		}
	case KindRandom:
		b.WriteString("random:")
		b.WriteString(shortDuration(p.Min))
		b.WriteString("-")
		b.WriteString(shortDuration(p.Max))
	case KindCron:
		b.WriteString("cron:")
		b.WriteString(p.Expr)
	default:
		return string(p.Kind)
	}
	if p.Location != "" && p.Kind != KindRandom {
		b.WriteString(" tz=")
		b.WriteString(p.Location)
	}
	return b.String()
}

func (p Policy) allowsDay(d time.Weekday) bool {
	if len(p.Weekdays) == 0 {
		return true
	}
	for _, w := range p.Weekdays {
		if w == d {
			return true
		}
	}
	return false
}

// policyJSON is the persisted form. Durations and times of day are strings
// so stored rows stay readable.
type policyJSON struct {
	Kind     Kind     `json:"kind"`
	At       string   `json:"at,omitempty"`
	Weekdays []string `json:"weekdays,omitempty"`
	Min      string   `json:"min,omitempty"`
	Max      string   `json:"max,omitempty"`
	Expr     string   `json:"expr,omitempty"`
	Location string   `json:"tz,omitempty"`
}

func (p Policy) MarshalJSON() ([]byte, error) {
	out := policyJSON{Kind: p.Kind, Location: p.Location}
	switch p.Kind {
	case KindFixed:
		out.At = p.At.String()
		for _, d := range normalizeWeekdays(p.Weekdays) {
			out.Weekdays = append(out.Weekdays, weekdayNames[d])
		}
	case KindRandom:
		out.Min = p.Min.String()
		out.Max = p.Max.String()
	case KindCron:
		out.Expr = p.Expr
	}
	return json.Marshal(out)
}

func (p *Policy) UnmarshalJSON(b []byte) error {
	var in policyJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	out := Policy{Kind: in.Kind, Expr: in.Expr, Location: in.Location}
	switch in.Kind {
	case KindFixed:
		at, err := parseTimeOfDay(in.At)
		if err != nil {
			return err
		}
		out.At = at
		for _, name := range in.Weekdays {
			d, ok := weekdayByName[strings.ToLower(name)]
			if !ok {
				return fmt.Errorf("%w: weekday %q", ErrInvalidPolicy, name)
			}
			out.Weekdays = append(out.Weekdays, d)
		}
		out.Weekdays = normalizeWeekdays(out.Weekdays)
	case KindRandom:
		var err error
		if out.Min, err = time.ParseDuration(in.Min); err != nil {
			return fmt.Errorf("%w: min: %v", ErrInvalidPolicy, err)
		}
		if out.Max, err = time.ParseDuration(in.Max); err != nil {
			return fmt.Errorf("%w: max: %v", ErrInvalidPolicy, err)
		}
	}
	*p = out
	return nil
}

var weekdayNames = [...]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

var weekdayByName = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// normalizeWeekdays sorts and de-duplicates; a full week collapses to "any day".
func normalizeWeekdays(in []time.Weekday) []time.Weekday {
	if len(in) == 0 {
		return nil
	}
	seen := map[time.Weekday]bool{}
	out := make([]time.Weekday, 0, len(in))
	for _, d := range in {
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if len(out) == 7 {
		return nil
	}
	return out
}

// shortDuration formats 1h0m0s as 1h and 1h30m0s as 1h30m.
func shortDuration(d time.Duration) string {
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = strings.TrimSuffix(s, "0s")
	}
	if strings.HasSuffix(s, "h0m") {
		s = strings.TrimSuffix(s, "0m")
	}
	return s
}
