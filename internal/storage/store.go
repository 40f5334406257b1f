package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"tweetup/internal/reminder"
	logx "tweetup/pkg/logx"
)

// SchemaVersion is the persisted layout version shared by all durable drivers.
// Opening state written with another version fails with reminder.ErrCorrupt.
const SchemaVersion = 1

// Store is the durable schedule store.
//
// All methods are safe for concurrent use; writes for the same id are applied
// in arrival order. I/O failures wrap reminder.ErrStorageUnavailable.
type Store interface {
	// Upsert inserts or replaces the entry keyed by e.ID. Writing an identical
	// entry twice leaves one stored entry.
	Upsert(ctx context.Context, e reminder.Entry) error
	// Remove deletes the entry; reminder.ErrItemNotFound if absent.
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (reminder.Entry, bool, error)
	// All returns every entry ordered by (NextFire, ID).
	All(ctx context.Context) ([]reminder.Entry, error)
	// Earliest returns the entry with the smallest NextFire.
	Earliest(ctx context.Context) (reminder.Entry, bool, error)
	// NextAfter returns the earliest entry with NextFire strictly after t.
	NextAfter(ctx context.Context, t time.Time) (reminder.Entry, bool, error)
	// Due returns entries with NextFire <= now, ordered, at most limit (0 = all).
	Due(ctx context.Context, now time.Time, limit int) ([]reminder.Entry, error)
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty): not durable
//   - "file": snapshot + journal next to Path
//   - "sqlite": SQLite database at Path
//   - "redis": Redis server at Redis.Addr
type Config struct {
	Driver       string
	Path         string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	CompactEvery int           // file only; journal records between snapshots
	Redis        RedisConfig
}

type RedisConfig struct {
	Addr        string
	Username    string
	Password    string
	DB          int
	Prefix      string
	DialTimeout time.Duration
}

const (
	defaultCompactEvery = 1000
	defaultBusyTimeout  = 5 * time.Second
	defaultRedisPrefix  = "tweetup:"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driverName(driver)))

	switch driver {
	case "", "memory", "mem":
		log.Warn("memory storage selected; schedule is lost on exit")
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func driverName(d string) string {
	if d == "" {
		return "memory"
	}
	return d
}
