package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"tweetup/internal/policy"
	"tweetup/internal/reminder"
)

// Validate checks a parsed config before it is committed. All problems are
// reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory", "mem":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path: required for driver " + cfg.Storage.Driver))
		}
	case "redis":
		if cfg.Storage.Redis == nil || strings.TrimSpace(cfg.Storage.Redis.Addr) == "" {
			add(errors.New("storage.redis.addr: required for driver redis"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	_, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)
	if cfg.Storage.CompactEvery < 0 {
		add(errors.New("storage.compact_every: must be >= 0"))
	}
	if cfg.Storage.Redis != nil {
		_, err := ParseDurationField("storage.redis.dial_timeout", cfg.Storage.Redis.DialTimeout)
		add(err)
	}

	base, err := ParseDurationField("dispatch.retry_base", cfg.Dispatch.RetryBase)
	add(err)
	maxDelay, err := ParseDurationField("dispatch.retry_max_delay", cfg.Dispatch.RetryMaxDelay)
	add(err)
	if base > 0 && maxDelay > 0 && maxDelay < base {
		add(fmt.Errorf("dispatch.retry_max_delay: %s is below retry_base %s", maxDelay, base))
	}
	_, err = ParseDurationField("dispatch.delivery_timeout", cfg.Dispatch.DeliveryTimeout)
	add(err)
	if cfg.Dispatch.BatchLimit < 0 {
		add(errors.New("dispatch.batch_limit: must be >= 0"))
	}

	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("schedule.timezone: %w", err))
		}
	}

	if t := cfg.Sink.Telegram; t != nil && t.Enabled {
		if strings.TrimSpace(t.Token) == "" {
			add(errors.New("sink.telegram.token: required"))
		}
		if t.ChatID == 0 {
			add(errors.New("sink.telegram.chat_id: required"))
		}
		_, err := ParseDurationField("sink.telegram.timeout", t.Timeout)
		add(err)
	}
	if w := cfg.Sink.Webhook; w != nil && w.Enabled {
		u, err := url.Parse(strings.TrimSpace(w.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add(fmt.Errorf("sink.webhook.url: %q is not an http(s) url", w.URL))
		}
		_, err = ParseDurationField("sink.webhook.timeout", w.Timeout)
		add(err)
	}
	if cfg.Sink.DedupMaxEntries < 0 {
		add(errors.New("sink.dedup_max_entries: must be >= 0"))
	}

	seen := make(map[string]bool, len(cfg.Reminders))
	for i, r := range cfg.Reminders {
		path := fmt.Sprintf("reminders[%d]", i)
		if err := reminder.ValidateID(r.ID); err != nil {
			add(fmt.Errorf("%s.id: %w", path, err))
			continue
		}
		if seen[r.ID] {
			add(fmt.Errorf("%s.id: duplicate id %q", path, r.ID))
		}
		seen[r.ID] = true
		if _, err := r.Resolve(); err != nil {
			add(fmt.Errorf("%s (%s): %w", path, r.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Resolve turns the declared policy or preset into a Policy.
func (r ReminderConfig) Resolve() (policy.Policy, error) {
	raw := strings.TrimSpace(r.Policy)
	switch {
	case raw != "" && r.Preset != nil:
		return policy.Policy{}, fmt.Errorf("%w: set either policy or preset, not both", policy.ErrInvalidPolicy)
	case raw != "":
		return policy.Parse(raw)
	case r.Preset != nil:
		return policy.Preset(r.Preset.Frequency, r.Preset.Random, r.Preset.StartTime)
	}
	return policy.Policy{}, fmt.Errorf("%w: policy or preset required", policy.ErrInvalidPolicy)
}
