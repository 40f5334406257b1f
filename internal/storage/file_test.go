package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"tweetup/internal/reminder"
	logx "tweetup/pkg/logx"
)

func openFileAt(t *testing.T, path string, compactEvery int) (Store, error) {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: path, CompactEvery: compactEvery}, logx.Nop())
	if err == nil {
		t.Cleanup(func() { _ = st.Close() })
	}
	return st, err
}

func TestFileTornTailIsDropped(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "schedule.db")
	st, err := openFileAt(t, path, 100)
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	if err := st.Upsert(ctx, mkEntry("kept", base)); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}

	// Simulate a crash mid-append: half a record, no newline.
	journal := filepath.Join(filepath.Dir(path), "schedule.journal.jsonl")
	f, err := os.OpenFile(journal, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if _, err := f.WriteString(`1234abcd {"op":"put","id":"lost","ent`); err != nil {
		t.Fatalf("write torn tail: %v", err)
	}
	_ = f.Close()

	st2, err := openFileAt(t, path, 100)
	if err != nil {
		t.Fatalf("reopen after torn tail error: %v", err)
	}
	all, _ := st2.All(ctx)
	if ids(all) != "kept" {
		t.Fatalf("All after torn tail = %s, want kept", ids(all))
	}

	// Appends after recovery land on a clean line boundary.
	if err := st2.Upsert(ctx, mkEntry("after", base.Add(time.Hour))); err != nil {
		t.Fatalf("Upsert after recovery error: %v", err)
	}
	st3, err := openFileAt(t, path, 100)
	if err != nil {
		t.Fatalf("third open error: %v", err)
	}
	all, _ = st3.All(ctx)
	if ids(all) != "kept,after" {
		t.Fatalf("All after third open = %s, want kept,after", ids(all))
	}
}

func TestFileCorruptJournalLine(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "schedule.db")
	st, err := openFileAt(t, path, 100)
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if err := st.Upsert(ctx, mkEntry(id, base)); err != nil {
			t.Fatalf("Upsert error: %v", err)
		}
	}

	journal := filepath.Join(filepath.Dir(path), "schedule.journal.jsonl")
	b, err := os.ReadFile(journal)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	// flip a payload byte in the first complete line
	corrupted := strings.Replace(string(b), `"id":"a"`, `"id":"x"`, 1)
	if corrupted == string(b) {
		t.Fatal("test setup: nothing replaced")
	}
	if err := os.WriteFile(journal, []byte(corrupted), 0o600); err != nil {
		t.Fatalf("write journal: %v", err)
	}

	if _, err := openFileAt(t, path, 100); !errors.Is(err, reminder.ErrCorrupt) {
		t.Fatalf("open corrupted journal error = %v, want ErrCorrupt", err)
	}
}

func TestFileCompactionAndSnapshotChecks(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "schedule.db")
	st, err := openFileAt(t, path, 3)
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		if err := st.Upsert(ctx, mkEntry(id, base)); err != nil {
			t.Fatalf("Upsert error: %v", err)
		}
	}

	snapPath := filepath.Join(filepath.Dir(path), "schedule.snapshot.json")
	raw, err := os.ReadFile(snapPath)
	if err != nil {
		t.Fatalf("snapshot not written after compaction: %v", err)
	}

	st2, err := openFileAt(t, path, 3)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	all, _ := st2.All(ctx)
	if ids(all) != "a,b,c,d" {
		t.Fatalf("All after compaction = %s, want a,b,c,d", ids(all))
	}

	var snap snapshotFile
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(s snapshotFile) snapshotFile
	}{
		{"version", func(s snapshotFile) snapshotFile { s.Version = SchemaVersion + 1; return s }},
		{"checksum", func(s snapshotFile) snapshotFile { s.Checksum++; return s }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := json.Marshal(tt.mutate(snap))
			if err := os.WriteFile(snapPath, b, 0o600); err != nil {
				t.Fatalf("write snapshot: %v", err)
			}
			if _, err := openFileAt(t, path, 3); !errors.Is(err, reminder.ErrCorrupt) {
				t.Fatalf("open error = %v, want ErrCorrupt", err)
			}
		})
	}
}

func TestSQLiteSchemaMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.db")
	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	_ = st.Close()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if _, err := db.Exec(`UPDATE meta SET value = '99' WHERE key = 'schema_version'`); err != nil {
		t.Fatalf("update meta: %v", err)
	}
	_ = db.Close()

	if _, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop()); !errors.Is(err, reminder.ErrCorrupt) {
		t.Fatalf("open error = %v, want ErrCorrupt", err)
	}
}

func TestRedisSchemaMismatchAndUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.Set("tweetup:schema", "99")
	if _, err := Open(Config{Driver: "redis", Redis: RedisConfig{Addr: mr.Addr()}}, logx.Nop()); !errors.Is(err, reminder.ErrCorrupt) {
		t.Fatalf("open error = %v, want ErrCorrupt", err)
	}

	mr2 := miniredis.RunT(t)
	st := mustOpen(t, Config{Driver: "redis", Redis: RedisConfig{Addr: mr2.Addr(), DialTimeout: 200 * time.Millisecond}})
	mr2.Close()
	err := st.Upsert(context.Background(), mkEntry("a", base))
	if !errors.Is(err, reminder.ErrStorageUnavailable) {
		t.Fatalf("Upsert on stopped server error = %v, want ErrStorageUnavailable", err)
	}
	if !reminder.IsRetryable(err) {
		t.Fatalf("expected retryable error")
	}
}
