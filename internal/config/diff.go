package config

import (
	"sort"
	"strings"

	logx "tweetup/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes tokens, passwords or
// header values), and (3) the ids of declared reminders that were added,
// changed or removed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if hashValue(oldCfg.Logging) != hashValue(newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage changes take effect on restart only.
	if hashValue(oldCfg.Storage) != hashValue(newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.redis_set", newCfg.Storage.Redis != nil),
		)
	}

	if hashValue(oldCfg.Dispatch) != hashValue(newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.retry_base", strings.TrimSpace(newCfg.Dispatch.RetryBase)),
			logx.String("dispatch.retry_max_delay", strings.TrimSpace(newCfg.Dispatch.RetryMaxDelay)),
			logx.String("dispatch.delivery_timeout", strings.TrimSpace(newCfg.Dispatch.DeliveryTimeout)),
			logx.Int("dispatch.batch_limit", newCfg.Dispatch.BatchLimit),
			logx.Bool("dispatch.seed_set", newCfg.Dispatch.Seed != nil),
		)
	}

	if strings.TrimSpace(oldCfg.Schedule.Timezone) != strings.TrimSpace(newCfg.Schedule.Timezone) {
		changed = append(changed, "schedule")
		attrs = append(attrs, logx.String("schedule.timezone", strings.TrimSpace(newCfg.Schedule.Timezone)))
	}

	if hashValue(oldCfg.Sink) != hashValue(newCfg.Sink) {
		changed = append(changed, "sink")
		attrs = append(attrs,
			logx.Bool("sink.log", newCfg.Sink.Log),
			logx.Bool("sink.telegram", newCfg.Sink.Telegram != nil && newCfg.Sink.Telegram.Enabled),
			logx.Bool("sink.webhook", newCfg.Sink.Webhook != nil && newCfg.Sink.Webhook.Enabled),
			logx.Int("sink.dedup_max_entries", newCfg.Sink.DedupMaxEntries),
		)
	}

	reminders := diffReminders(oldCfg.Reminders, newCfg.Reminders)
	if len(reminders) > 0 {
		changed = append(changed, "reminders")
		attrs = append(attrs,
			logx.Int("reminders.changed_count", len(reminders)),
			logx.Int("reminders.declared_count", len(newCfg.Reminders)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, reminders
}

func diffReminders(oldL, newL []ReminderConfig) []string {
	index := func(l []ReminderConfig) map[string]uint64 {
		m := make(map[string]uint64, len(l))
		for _, r := range l {
			m[r.ID] = hashValue(r)
		}
		return m
	}
	oldM, newM := index(oldL), index(newL)

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		o, inOld := oldM[id]
		n, inNew := newM[id]
		if inOld != inNew || o != n {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
