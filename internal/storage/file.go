package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"tweetup/internal/reminder"
	logx "tweetup/pkg/logx"
)

var errClosed = errors.New("store closed")

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json  (full state, versioned and checksummed)
//   - <prefix>.journal.jsonl  (append-only, one checksummed record per line)
//
// A journal line is "<crc32 hex> <json>\n". Every append is fsynced before
// the write is acknowledged. The snapshot is replaced atomically
// (tmp + fsync + rename), after which the journal is truncated. Replaying a
// journal over a snapshot that already contains its records is harmless:
// records carry full entries, not deltas.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalPath  string
	journal      *os.File
	journalSize  int64

	idx          *index
	writes       int
	compactEvery int
}

type journalRecord struct {
	Op    string          `json:"op"`
	ID    string          `json:"id"`
	Entry *reminder.Entry `json:"entry,omitempty"`
}

const (
	opPut = "put"
	opDel = "del"
)

type snapshotFile struct {
	Version   int             `json:"version"`
	WrittenAt time.Time       `json:"written_at"`
	Checksum  uint32          `json:"checksum"`
	Entries   json.RawMessage `json:"entries"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, reminder.Unavailable("file open", err)
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		journalPath:  prefix + ".journal.jsonl",
		idx:          newIndex(),
		compactEvery: cfg.CompactEvery,
	}
	if s.compactEvery <= 0 {
		s.compactEvery = defaultCompactEvery
	}

	if err := s.loadSnapshot(); err != nil {
		return nil, err
	}
	validLen, replayed, err := s.replayJournal()
	if err != nil {
		return nil, err
	}

	jf, err := os.OpenFile(s.journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, reminder.Unavailable("file open journal", err)
	}
	st, err := jf.Stat()
	if err != nil {
		_ = jf.Close()
		return nil, reminder.Unavailable("file stat journal", err)
	}
	if st.Size() > validLen {
		// Torn tail: the last append never completed, so it was never acknowledged.
		log.Warn("truncating torn journal tail",
			logx.Int64("size", st.Size()),
			logx.Int64("valid", validLen),
		)
		if err := jf.Truncate(validLen); err != nil {
			_ = jf.Close()
			return nil, reminder.Unavailable("file truncate journal", err)
		}
		if err := jf.Sync(); err != nil {
			_ = jf.Close()
			return nil, reminder.Unavailable("file sync journal", err)
		}
	}
	s.journal = jf
	s.journalSize = validLen
	s.writes = replayed

	log.Info("file store opened",
		logx.String("path", prefix),
		logx.Int("entries", len(s.idx.m)),
		logx.Int("journal_records", replayed),
	)
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) Upsert(ctx context.Context, e reminder.Entry) error {
	_ = ctx
	if err := reminder.ValidateID(e.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.idx.m[e.ID]; ok && cur.Equal(e) {
		return nil
	}
	ec := cloneEntry(e)
	if err := s.appendLocked(journalRecord{Op: opPut, ID: e.ID, Entry: &ec}); err != nil {
		return err
	}
	s.idx.put(e)
	s.afterWriteLocked()
	return nil
}

func (s *fileStore) Remove(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.idx.m[id]; !ok {
		return reminder.ErrItemNotFound
	}
	if err := s.appendLocked(journalRecord{Op: opDel, ID: id}); err != nil {
		return err
	}
	s.idx.del(id)
	s.afterWriteLocked()
	return nil
}

func (s *fileStore) Get(ctx context.Context, id string) (reminder.Entry, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.idx.get(id)
	return e, ok, nil
}

func (s *fileStore) All(ctx context.Context) ([]reminder.Entry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.all(), nil
}

func (s *fileStore) Earliest(ctx context.Context) (reminder.Entry, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.idx.earliest()
	return e, ok, nil
}

func (s *fileStore) NextAfter(ctx context.Context, t time.Time) (reminder.Entry, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.idx.nextAfter(t)
	return e, ok, nil
}

func (s *fileStore) Due(ctx context.Context, now time.Time, limit int) ([]reminder.Entry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.due(now, limit), nil
}

// appendLocked writes one journal line and fsyncs it. On failure the journal
// is cut back to its previous length so a half-written line never precedes a
// later record.
func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journal == nil {
		return reminder.Unavailable("file append", errClosed)
	}
	line, err := encodeJournalLine(rec)
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}
	if _, err := s.journal.Write(line); err != nil {
		_ = s.journal.Truncate(s.journalSize)
		return reminder.Unavailable("file append", err)
	}
	if err := s.journal.Sync(); err != nil {
		_ = s.journal.Truncate(s.journalSize)
		return reminder.Unavailable("file sync", err)
	}
	s.journalSize += int64(len(line))
	return nil
}

func (s *fileStore) afterWriteLocked() {
	s.writes++
	if s.writes < s.compactEvery {
		return
	}
	// The write itself is already durable; a failed compaction only delays it.
	if err := s.compactLocked(); err != nil {
		s.log.Warn("journal compaction failed", logx.Err(err))
	}
}

func (s *fileStore) compactLocked() error {
	entries, err := json.Marshal(s.idx.all())
	if err != nil {
		return err
	}
	snap := snapshotFile{
		Version:   SchemaVersion,
		WrittenAt: time.Now().UTC(),
		Checksum:  crc32.ChecksumIEEE(entries),
		Entries:   entries,
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.snapshotPath, b); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	s.journalSize = 0
	s.writes = 0
	s.log.Debug("journal compacted", logx.Int("entries", len(s.idx.m)))
	return nil
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return reminder.Unavailable("file read snapshot", err)
	}
	var snap snapshotFile
	if err := json.Unmarshal(b, &snap); err != nil {
		return reminder.Corrupt("snapshot %s: %v", s.snapshotPath, err)
	}
	if snap.Version != SchemaVersion {
		return reminder.Corrupt("snapshot %s: schema version %d, want %d", s.snapshotPath, snap.Version, SchemaVersion)
	}
	if got := crc32.ChecksumIEEE(snap.Entries); got != snap.Checksum {
		return reminder.Corrupt("snapshot %s: checksum %08x, want %08x", s.snapshotPath, got, snap.Checksum)
	}
	var entries []reminder.Entry
	if err := json.Unmarshal(snap.Entries, &entries); err != nil {
		return reminder.Corrupt("snapshot %s: entries: %v", s.snapshotPath, err)
	}
	for _, e := range entries {
		s.idx.put(e)
	}
	return nil
}

// replayJournal applies every complete journal line and returns the byte
// length of the valid prefix. A trailing fragment without newline is a torn
// append and is excluded; any complete line that fails its checksum is
// corruption.
func (s *fileStore) replayJournal() (validLen int64, records int, err error) {
	b, err := os.ReadFile(s.journalPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, reminder.Unavailable("file read journal", err)
	}

	var off int64
	lineNo := 0
	for len(b) > 0 {
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			break
		}
		line := b[:i]
		b = b[i+1:]
		lineNo++
		if len(bytes.TrimSpace(line)) > 0 {
			rec, derr := decodeJournalLine(line)
			if derr != nil {
				return 0, 0, reminder.Corrupt("journal %s line %d: %v", s.journalPath, lineNo, derr)
			}
			switch rec.Op {
			case opPut:
				if rec.Entry == nil || rec.Entry.ID != rec.ID {
					return 0, 0, reminder.Corrupt("journal %s line %d: put without matching entry", s.journalPath, lineNo)
				}
				s.idx.put(*rec.Entry)
			case opDel:
				s.idx.del(rec.ID)
			default:
				return 0, 0, reminder.Corrupt("journal %s line %d: unknown op %q", s.journalPath, lineNo, rec.Op)
			}
			records++
		}
		off += int64(i + 1)
	}
	return off, records, nil
}

func encodeJournalLine(rec journalRecord) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	line := make([]byte, 0, len(payload)+10)
	line = append(line, fmt.Sprintf("%08x ", crc32.ChecksumIEEE(payload))...)
	line = append(line, payload...)
	line = append(line, '\n')
	return line, nil
}

func decodeJournalLine(line []byte) (journalRecord, error) {
	var rec journalRecord
	if len(line) < 10 || line[8] != ' ' {
		return rec, errors.New("malformed line")
	}
	want, err := strconv.ParseUint(string(line[:8]), 16, 32)
	if err != nil {
		return rec, fmt.Errorf("bad checksum field: %w", err)
	}
	payload := line[9:]
	if got := crc32.ChecksumIEEE(payload); got != uint32(want) {
		return rec, fmt.Errorf("checksum %08x, want %08x", got, uint32(want))
	}
	if err := json.Unmarshal(payload, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	// Persist the rename itself.
	if d, err := os.Open(filepath.Dir(path)); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
