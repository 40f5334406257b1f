package config

// Config is the daemon's file-backed configuration. JSON and YAML are both
// accepted; unknown keys are rejected.
type Config struct {
	Logging   LoggingConfig    `json:"logging"`
	Storage   StorageConfig    `json:"storage"`
	Dispatch  DispatchConfig   `json:"dispatch"`
	Schedule  ScheduleConfig   `json:"schedule"`
	Sink      SinkConfig       `json:"sink"`
	Reminders []ReminderConfig `json:"reminders,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

// LoggingFile enables the JSON log file. Rotation fields map to lumberjack;
// zero values keep its defaults.
type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// StorageConfig selects the schedule store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/tweetup" }
type StorageConfig struct {
	Driver       string       `json:"driver"`
	Path         string       `json:"path,omitempty"`
	BusyTimeout  string       `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	CompactEvery int          `json:"compact_every,omitempty"`
	Redis        *RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr        string `json:"addr"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"` // never logged
	DB          int    `json:"db,omitempty"`
	Prefix      string `json:"prefix,omitempty"`
	DialTimeout string `json:"dial_timeout,omitempty"`
}

// DispatchConfig controls retry pacing of the dispatch loop.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - retry_base: "5s"
//   - retry_max_delay: "10m"
//   - delivery_timeout: "30s"
//   - batch_limit: 100
//
// Seed fixes the random-interval source; omit it for a time-seeded source.
type DispatchConfig struct {
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DeliveryTimeout string `json:"delivery_timeout,omitempty"`
	BatchLimit      int    `json:"batch_limit,omitempty"`
	Seed            *int64 `json:"seed,omitempty"`
}

type ScheduleConfig struct {
	// Timezone for fixed and cron policies that do not name one.
	Timezone string `json:"timezone,omitempty"`
}

// SinkConfig selects where fired reminders go. With nothing enabled the
// structured log is used.
type SinkConfig struct {
	Log             bool          `json:"log"`
	DedupMaxEntries int           `json:"dedup_max_entries,omitempty"`
	Telegram        *TelegramSink `json:"telegram,omitempty"`
	Webhook         *WebhookSink  `json:"webhook,omitempty"`
}

type TelegramSink struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"` // never logged
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Template   string `json:"template,omitempty"`
	ParseMode  string `json:"parse_mode,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	APIURL     string `json:"api_url,omitempty"`
}

type WebhookSink struct {
	Enabled bool              `json:"enabled"`
	URL     string            `json:"url"`
	Timeout string            `json:"timeout,omitempty"`
	Headers map[string]string `json:"headers,omitempty"` // values never logged
}

// ReminderConfig declares one reminder. Exactly one of Policy and Preset is
// set. Policy uses the textual syntax ("09:00 mon-fri", "random:1h-3h",
// "cron:0 9-17 * * *").
type ReminderConfig struct {
	ID         string        `json:"id"`
	PayloadRef string        `json:"payload_ref"`
	Policy     string        `json:"policy,omitempty"`
	Preset     *PresetConfig `json:"preset,omitempty"`
}

// PresetConfig mirrors the frequency settings of the legacy scheduler UI.
type PresetConfig struct {
	Frequency string `json:"frequency"` // hourly, daily, custom
	Random    bool   `json:"random"`
	StartTime string `json:"start_time,omitempty"`
}
