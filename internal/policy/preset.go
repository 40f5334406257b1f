package policy

import (
	"fmt"
	"strings"
	"time"
)

// Frequency names accepted by Preset.
const (
	FrequencyHourly = "hourly"
	FrequencyDaily  = "daily"
	FrequencyCustom = "custom"
)

// Random-mode ranges per frequency.
var presetRanges = map[string][2]time.Duration{
	FrequencyHourly: {30 * time.Minute, 90 * time.Minute},
	FrequencyDaily:  {12 * time.Hour, 24 * time.Hour},
	FrequencyCustom: {15 * time.Minute, 3 * time.Hour},
}

// presetWorkHours is the fixed-mode hourly schedule: top of every hour, 09-17.
const presetWorkHours = "0 9-17 * * *"

// Preset maps the legacy notification settings (frequency, random mode,
// start time) onto a policy.
//
// Random mode falls back to the custom range for unknown frequencies.
// Fixed mode has no custom schedule and rejects it.
func Preset(frequency string, random bool, startTime string) (Policy, error) {
	f := strings.ToLower(strings.TrimSpace(frequency))
	if f == "" {
		f = FrequencyHourly
	}
	if random {
		r, ok := presetRanges[f]
		if !ok {
			r = presetRanges[FrequencyCustom]
		}
		return Random(r[0], r[1]), nil
	}

	switch f {
	case FrequencyHourly:
		return Cron(presetWorkHours), nil
	case FrequencyDaily:
		st := strings.TrimSpace(startTime)
		if st == "" {
			st = "09:00"
		}
		at, err := parseTimeOfDay(st)
		if err != nil {
			return Policy{}, err
		}
		return Fixed(at), nil
	case FrequencyCustom:
		return Policy{}, fmt.Errorf("%w: fixed mode has no custom schedule", ErrInvalidPolicy)
	default:
		return Policy{}, fmt.Errorf("%w: unknown frequency %q", ErrInvalidPolicy, frequency)
	}
}
