package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tweetup/internal/reminder"
	logx "tweetup/pkg/logx"
)

// redisStore keeps entries in a hash and a next-fire index in a sorted set.
//
// Keys:
//   - <prefix>entries   HASH  id -> entry JSON
//   - <prefix>schedule  ZSET  id scored by next fire (unix ms)
//   - <prefix>schema    STRING schema version
//
// Scores are millisecond-truncated; exact ordering comes from the entry JSON.
// Both keys are written in one MULTI/EXEC so a crash never leaves them apart.
type redisStore struct {
	client *redis.Client
	log    logx.Logger

	entriesKey  string
	scheduleKey string
	schemaKey   string
}

const redisScanBatch = 64

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}

	var opts *redis.Options
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
	}
	if cfg.Redis.DialTimeout > 0 {
		opts.DialTimeout = cfg.Redis.DialTimeout
	}

	prefix := cfg.Redis.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return newRedisStore(redis.NewClient(opts), prefix, log)
}

func newRedisStore(client *redis.Client, prefix string, log logx.Logger) (*redisStore, error) {
	s := &redisStore{
		client:      client,
		log:         log,
		entriesKey:  prefix + "entries",
		scheduleKey: prefix + "schedule",
		schemaKey:   prefix + "schema",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, reminder.Unavailable("redis ping", err)
	}
	if err := client.SetNX(ctx, s.schemaKey, SchemaVersion, 0).Err(); err != nil {
		_ = client.Close()
		return nil, reminder.Unavailable("redis schema", err)
	}
	v, err := client.Get(ctx, s.schemaKey).Result()
	if err != nil {
		_ = client.Close()
		return nil, reminder.Unavailable("redis schema", err)
	}
	if v != strconv.Itoa(SchemaVersion) {
		_ = client.Close()
		return nil, reminder.Corrupt("redis schema version %q, want %d", v, SchemaVersion)
	}
	log.Info("redis store opened", logx.String("prefix", prefix))
	return s, nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (s *redisStore) Upsert(ctx context.Context, e reminder.Entry) error {
	if err := reminder.ValidateID(e.ID); err != nil {
		return err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.entriesKey, e.ID, b)
		pipe.ZAdd(ctx, s.scheduleKey, redis.Z{Score: score(e.NextFire), Member: e.ID})
		return nil
	})
	return reminder.Unavailable("redis upsert", err)
}

func (s *redisStore) Remove(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.HDel(ctx, s.entriesKey, id)
		pipe.ZRem(ctx, s.scheduleKey, id)
		return nil
	})
	if err != nil {
		return reminder.Unavailable("redis remove", err)
	}
	if del.Val() == 0 {
		return reminder.ErrItemNotFound
	}
	return nil
}

func (s *redisStore) Get(ctx context.Context, id string) (reminder.Entry, bool, error) {
	raw, err := s.client.HGet(ctx, s.entriesKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return reminder.Entry{}, false, nil
	}
	if err != nil {
		return reminder.Entry{}, false, reminder.Unavailable("redis get", err)
	}
	e, err := decodeRedisEntry(id, raw)
	if err != nil {
		return reminder.Entry{}, false, err
	}
	return e, true, nil
}

func (s *redisStore) All(ctx context.Context) ([]reminder.Entry, error) {
	m, err := s.client.HGetAll(ctx, s.entriesKey).Result()
	if err != nil {
		return nil, reminder.Unavailable("redis all", err)
	}
	out := make([]reminder.Entry, 0, len(m))
	for id, raw := range m {
		e, err := decodeRedisEntry(id, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (s *redisStore) Earliest(ctx context.Context) (reminder.Entry, bool, error) {
	return s.scanFrom(ctx, "-inf", func(reminder.Entry) bool { return true })
}

func (s *redisStore) NextAfter(ctx context.Context, t time.Time) (reminder.Entry, bool, error) {
	from := strconv.FormatFloat(score(t), 'f', -1, 64)
	return s.scanFrom(ctx, from, func(e reminder.Entry) bool { return e.NextFire.After(t) })
}

// scanFrom walks the index upward from score `from` and returns the smallest entry
// accepted by keep. Entries sharing a millisecond score are compared on
// their exact next fire before the walk stops.
func (s *redisStore) scanFrom(ctx context.Context, from string, keep func(reminder.Entry) bool) (reminder.Entry, bool, error) {
	var (
		best  reminder.Entry
		found bool
	)
	for offset := int64(0); ; offset += redisScanBatch {
		zs, err := s.client.ZRangeByScoreWithScores(ctx, s.scheduleKey, &redis.ZRangeBy{
			Min:    from,
			Max:    "+inf",
			Offset: offset,
			Count:  redisScanBatch,
		}).Result()
		if err != nil {
			return reminder.Entry{}, false, reminder.Unavailable("redis scan", err)
		}
		if len(zs) == 0 {
			break
		}
		entries, err := s.load(ctx, zs)
		if err != nil {
			return reminder.Entry{}, false, err
		}
		for _, e := range entries {
			if keep(e) && (!found || entryLess(e, best)) {
				best, found = e, true
			}
		}
		if len(zs) < redisScanBatch {
			break
		}
		if found && score(best.NextFire) < zs[len(zs)-1].Score {
			break
		}
	}
	return best, found, nil
}

func (s *redisStore) Due(ctx context.Context, now time.Time, limit int) ([]reminder.Entry, error) {
	zs, err := s.client.ZRangeByScoreWithScores(ctx, s.scheduleKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(score(now), 'f', -1, 64),
	}).Result()
	if err != nil {
		return nil, reminder.Unavailable("redis due", err)
	}
	entries, err := s.load(ctx, zs)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if !e.NextFire.After(now) {
			out = append(out, e)
		}
	}
	sortEntries(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// load fetches the hash values for the index members in zs. Members whose
// hash field is missing are skipped.
func (s *redisStore) load(ctx context.Context, zs []redis.Z) ([]reminder.Entry, error) {
	if len(zs) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(zs))
	for _, z := range zs {
		if id, ok := z.Member.(string); ok {
			ids = append(ids, id)
		}
	}
	vals, err := s.client.HMGet(ctx, s.entriesKey, ids...).Result()
	if err != nil {
		return nil, reminder.Unavailable("redis load", err)
	}
	out := make([]reminder.Entry, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			s.log.Warn("schedule index references missing entry", logx.String("id", ids[i]))
			continue
		}
		e, err := decodeRedisEntry(ids[i], raw)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeRedisEntry(id, raw string) (reminder.Entry, error) {
	var e reminder.Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return reminder.Entry{}, reminder.Corrupt("redis entry %q: %v", id, err)
	}
	if e.ID != id {
		return reminder.Entry{}, reminder.Corrupt("redis entry %q: stored id %q", id, e.ID)
	}
	return e, nil
}
