package app

import (
	"fmt"
	"strings"
	"time"

	"tweetup/internal/config"
	"tweetup/internal/dispatch"
	"tweetup/internal/policy"
	"tweetup/internal/registry"
	"tweetup/internal/sink"
	"tweetup/internal/sink/telegram"
	"tweetup/internal/sink/webhook"
	"tweetup/internal/storage"
	logx "tweetup/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    cfg.Logging.File.Enabled,
			Path:       cfg.Logging.File.Path,
			MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAgeDays: cfg.Logging.File.MaxAgeDays,
			Compress:   cfg.Logging.File.Compress,
		},
	}
}

// MapStorageConfig converts the storage section into driver options.
func MapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	out := storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		BusyTimeout:  busy,
		CompactEvery: sc.CompactEvery,
	}
	if r := sc.Redis; r != nil {
		dial, err := config.ParseDurationField("storage.redis.dial_timeout", r.DialTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		out.Redis = storage.RedisConfig{
			Addr:        strings.TrimSpace(r.Addr),
			Username:    r.Username,
			Password:    r.Password,
			DB:          r.DB,
			Prefix:      r.Prefix,
			DialTimeout: dial,
		}
	}
	return out, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	out := dispatch.DefaultConfig()
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("dispatch.retry_base", dc.RetryBase, out.RetryBase); err != nil {
		return dispatch.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("dispatch.retry_max_delay", dc.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return dispatch.Config{}, err
	}
	if out.DeliveryTimeout, err = config.ParseDurationOrDefault("dispatch.delivery_timeout", dc.DeliveryTimeout, out.DeliveryTimeout); err != nil {
		return dispatch.Config{}, err
	}
	if dc.BatchLimit > 0 {
		out.BatchLimit = dc.BatchLimit
	}
	return out, nil
}

// NewEvaluator builds the policy evaluator for cfg's timezone and seed.
func NewEvaluator(cfg *config.Config) (*policy.Evaluator, error) {
	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("schedule.timezone: %w", err)
		}
		loc = l
	}
	opts := []policy.Option{policy.WithLocation(loc)}
	if cfg.Dispatch.Seed != nil {
		opts = append(opts, policy.WithSource(policy.NewSource(*cfg.Dispatch.Seed)))
	}
	return policy.NewEvaluator(opts...), nil
}

// buildSink assembles the configured transports. The log sink is used when
// nothing else is enabled.
func buildSink(cfg *config.Config, log logx.Logger) (sink.Sink, error) {
	var out sink.Multi
	if t := cfg.Sink.Telegram; t != nil && t.Enabled {
		timeout, err := config.ParseDurationField("sink.telegram.timeout", t.Timeout)
		if err != nil {
			return nil, err
		}
		s, err := telegram.New(telegram.Config{
			Token:      t.Token,
			ChatID:     t.ChatID,
			ThreadID:   t.ThreadID,
			RatePerSec: t.RatePerSec,
			Template:   t.Template,
			ParseMode:  t.ParseMode,
			Timeout:    timeout,
			APIURL:     t.APIURL,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("sink.telegram: %w", err)
		}
		out = append(out, s)
	}
	if w := cfg.Sink.Webhook; w != nil && w.Enabled {
		timeout, err := config.ParseDurationField("sink.webhook.timeout", w.Timeout)
		if err != nil {
			return nil, err
		}
		s, err := webhook.New(webhook.Config{URL: w.URL, Timeout: timeout, Headers: w.Headers}, log)
		if err != nil {
			return nil, fmt.Errorf("sink.webhook: %w", err)
		}
		out = append(out, s)
	}
	if cfg.Sink.Log || len(out) == 0 {
		out = append(out, sink.NewLog(log))
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}

func declaredReminders(cfg *config.Config) ([]registry.Declared, error) {
	out := make([]registry.Declared, 0, len(cfg.Reminders))
	for _, r := range cfg.Reminders {
		p, err := r.Resolve()
		if err != nil {
			return nil, fmt.Errorf("reminder %s: %w", r.ID, err)
		}
		out = append(out, registry.Declared{ID: r.ID, PayloadRef: r.PayloadRef, Policy: p})
	}
	return out, nil
}
