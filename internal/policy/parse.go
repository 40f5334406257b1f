package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var reTimeOfDay = regexp.MustCompile(`^(\d{1,2}):(\d{2})(?::(\d{2}))?$`)

// Parse reads the textual policy syntax used in config files and the CLI.
//
// Supported forms:
//   - Fixed:  "09:00", "09:00:30", "09:00 mon,wed,fri", "at:09:00 mon-fri",
//     "18:00 weekends"
//   - Random: "random:1h-3h", "random:30m..90m"
//   - Cron:   "cron:0 9-17 * * *", "@hourly", "@every 90m"
//
// Fixed and cron forms accept a trailing "tz=Area/City" token.
func Parse(raw string) (Policy, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Policy{}, fmt.Errorf("%w: policy required", ErrInvalidPolicy)
	}
	low := strings.ToLower(s)

	switch {
	case strings.HasPrefix(low, "random:"):
		return parseRandom(strings.TrimSpace(s[len("random:"):]))
	case strings.HasPrefix(low, "cron:"):
		expr, tz := splitTZ(strings.TrimSpace(s[len("cron:"):]))
		return checked(Cron(expr).In(tz))
	case strings.HasPrefix(low, "@"):
		expr, tz := splitTZ(s)
		return checked(Cron(expr).In(tz))
	case strings.HasPrefix(low, "at:"):
		return parseFixed(strings.TrimSpace(s[len("at:"):]))
	}

	fields := strings.Fields(s)
	if reTimeOfDay.MatchString(fields[0]) {
		return parseFixed(s)
	}
	return Policy{}, fmt.Errorf(
		"%w: %q (use '09:00 mon-fri', 'random:1h-3h' or 'cron:0 9-17 * * *')",
		ErrInvalidPolicy, raw,
	)
}

// mustParse is Parse for static inputs; it panics on error.
func mustParse(raw string) Policy {
	p, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func parseRandom(v string) (Policy, error) {
	var lo, hi string
	if i := strings.Index(v, ".."); i >= 0 {
		lo, hi = v[:i], v[i+2:]
	} else if i := strings.Index(v, "-"); i >= 0 {
		lo, hi = v[:i], v[i+1:]
	} else {
		return Policy{}, fmt.Errorf("%w: random range %q (use MIN-MAX like '1h-3h')", ErrInvalidPolicy, v)
	}
	minD, err := time.ParseDuration(strings.TrimSpace(lo))
	if err != nil {
		return Policy{}, fmt.Errorf("%w: random min %q: %v", ErrInvalidPolicy, lo, err)
	}
	maxD, err := time.ParseDuration(strings.TrimSpace(hi))
	if err != nil {
		return Policy{}, fmt.Errorf("%w: random max %q: %v", ErrInvalidPolicy, hi, err)
	}
	return checked(Random(minD, maxD))
}

func parseFixed(v string) (Policy, error) {
	rest, tz := splitTZ(v)
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return Policy{}, fmt.Errorf("%w: time of day required", ErrInvalidPolicy)
	}
	at, err := parseTimeOfDay(fields[0])
	if err != nil {
		return Policy{}, err
	}
	var days []time.Weekday
	if len(fields) > 1 {
		days, err = parseWeekdays(strings.Join(fields[1:], ","))
		if err != nil {
			return Policy{}, err
		}
	}
	return checked(Fixed(at, days...).In(tz))
}

func parseTimeOfDay(v string) (TimeOfDay, error) {
	m := reTimeOfDay.FindStringSubmatch(strings.TrimSpace(v))
	if m == nil {
		return TimeOfDay{}, fmt.Errorf("%w: time of day %q (use HH:MM or HH:MM:SS)", ErrInvalidPolicy, v)
	}
	h, _ := strconv.Atoi(m[1])
	mi, _ := strconv.Atoi(m[2])
	sec := 0
	if m[3] != "" {
		sec, _ = strconv.Atoi(m[3])
	}
	t := TimeOfDay{Hour: h, Minute: mi, Second: sec}
	if !t.valid() {
		return TimeOfDay{}, fmt.Errorf("%w: time of day %q out of range", ErrInvalidPolicy, v)
	}
	return t, nil
}

// parseWeekdays accepts comma separated names, ranges ("mon-fri", wrapping
// ranges like "fri-mon" included) and the aliases daily, weekdays, weekends.
func parseWeekdays(v string) ([]time.Weekday, error) {
	var out []time.Weekday
	for _, tok := range strings.Split(strings.ToLower(v), ",") {
		tok = strings.TrimSpace(tok)
		switch tok {
		case "":
			continue
		case "daily", "everyday", "*":
			return nil, nil
		case "weekdays":
			out = append(out, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)
			continue
		case "weekends":
			out = append(out, time.Saturday, time.Sunday)
			continue
		}
		if a, b, ok := strings.Cut(tok, "-"); ok {
			from, ok1 := weekdayByName[a]
			to, ok2 := weekdayByName[b]
			if !ok1 || !ok2 {
				return nil, fmt.Errorf("%w: weekday range %q", ErrInvalidPolicy, tok)
			}
			for d := from; ; d = (d + 1) % 7 {
				out = append(out, d)
				if d == to {
					break
				}
			}
			continue
		}
		d, ok := weekdayByName[tok]
		if !ok {
			return nil, fmt.Errorf("%w: weekday %q", ErrInvalidPolicy, tok)
		}
		out = append(out, d)
	}
	return normalizeWeekdays(out), nil
}

// splitTZ removes a trailing "tz=NAME" token.
func splitTZ(v string) (rest, tz string) {
	fields := strings.Fields(v)
	if n := len(fields); n > 0 && strings.HasPrefix(strings.ToLower(fields[n-1]), "tz=") {
		return strings.Join(fields[:n-1], " "), fields[n-1][len("tz="):]
	}
	return strings.Join(fields, " "), ""
}

func checked(p Policy) (Policy, error) {
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	if p.Location != "" && p.Kind != KindRandom {
		if _, err := time.LoadLocation(p.Location); err != nil {
			return Policy{}, fmt.Errorf("%w: location %q: %v", ErrInvalidPolicy, p.Location, err)
		}
	}
	return p, nil
}
