package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"tweetup/internal/reminder"
	logx "tweetup/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Timestamps are stored as unix nanoseconds so ORDER BY next_fire is exact.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, reminder.Unavailable("sqlite open", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, reminder.Unavailable("sqlite open", err)
	}
	// Single writer; per-id ordering follows from serialized statements.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, reminder.Unavailable("sqlite pragma", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return reminder.Unavailable("sqlite migrate", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO meta(key, value) VALUES('schema_version', ?)`,
		strconv.Itoa(SchemaVersion),
	); err != nil {
		return reminder.Unavailable("sqlite migrate", err)
	}
	var v string
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&v); err != nil {
		return reminder.Unavailable("sqlite schema version", err)
	}
	if v != strconv.Itoa(SchemaVersion) {
		return reminder.Corrupt("sqlite schema version %q, want %d", v, SchemaVersion)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Upsert(ctx context.Context, e reminder.Entry) error {
	if err := reminder.ValidateID(e.ID); err != nil {
		return err
	}
	pol, err := json.Marshal(e.Policy)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedule_entries(id, payload_ref, created_at, policy, next_fire, last_fired)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   payload_ref=excluded.payload_ref,
		   created_at=excluded.created_at,
		   policy=excluded.policy,
		   next_fire=excluded.next_fire,
		   last_fired=excluded.last_fired`,
		e.ID, e.PayloadRef, e.CreatedAt.UnixNano(), string(pol), e.NextFire.UnixNano(), nullTime(e.LastFired),
	)
	return reminder.Unavailable("sqlite upsert", err)
}

func (s *sqliteStore) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedule_entries WHERE id = ?`, id)
	if err != nil {
		return reminder.Unavailable("sqlite remove", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return reminder.Unavailable("sqlite remove", err)
	}
	if n == 0 {
		return reminder.ErrItemNotFound
	}
	return nil
}

const selectEntry = `SELECT id, payload_ref, created_at, policy, next_fire, last_fired FROM schedule_entries`

func (s *sqliteStore) Get(ctx context.Context, id string) (reminder.Entry, bool, error) {
	return s.queryOne(ctx, "sqlite get", selectEntry+` WHERE id = ?`, id)
}

func (s *sqliteStore) All(ctx context.Context) ([]reminder.Entry, error) {
	return s.queryMany(ctx, "sqlite all", selectEntry+` ORDER BY next_fire, id`)
}

func (s *sqliteStore) Earliest(ctx context.Context) (reminder.Entry, bool, error) {
	return s.queryOne(ctx, "sqlite earliest", selectEntry+` ORDER BY next_fire, id LIMIT 1`)
}

func (s *sqliteStore) NextAfter(ctx context.Context, t time.Time) (reminder.Entry, bool, error) {
	return s.queryOne(ctx, "sqlite next", selectEntry+` WHERE next_fire > ? ORDER BY next_fire, id LIMIT 1`, t.UnixNano())
}

func (s *sqliteStore) Due(ctx context.Context, now time.Time, limit int) ([]reminder.Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryMany(ctx, "sqlite due",
		selectEntry+` WHERE next_fire <= ? ORDER BY next_fire, id LIMIT ?`, now.UnixNano(), limit)
}

func (s *sqliteStore) queryOne(ctx context.Context, op, q string, args ...any) (reminder.Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, q, args...)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Entry{}, false, nil
	}
	if err != nil {
		return reminder.Entry{}, false, reminder.Unavailable(op, err)
	}
	return e, true, nil
}

func (s *sqliteStore) queryMany(ctx context.Context, op, q string, args ...any) ([]reminder.Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, reminder.Unavailable(op, err)
	}
	defer rows.Close()
	var out []reminder.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, reminder.Unavailable(op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, reminder.Unavailable(op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (reminder.Entry, error) {
	var (
		e         reminder.Entry
		createdAt int64
		pol       string
		nextFire  int64
		lastFired sql.NullInt64
	)
	if err := r.Scan(&e.ID, &e.PayloadRef, &createdAt, &pol, &nextFire, &lastFired); err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(pol), &e.Policy); err != nil {
		return e, reminder.Corrupt("sqlite entry %q: policy: %v", e.ID, err)
	}
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	e.NextFire = time.Unix(0, nextFire).UTC()
	if lastFired.Valid {
		lf := time.Unix(0, lastFired.Int64).UTC()
		e.LastFired = &lf
	}
	return e, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
