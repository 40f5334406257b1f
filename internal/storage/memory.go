package storage

import (
	"context"
	"sync"
	"time"

	"tweetup/internal/reminder"
)

// Memory is a non-durable Store.
type Memory struct {
	mu     sync.Mutex
	idx    *index
	closed bool
}

func NewMemory() *Memory {
	return &Memory{idx: newIndex()}
}

func (s *Memory) Upsert(ctx context.Context, e reminder.Entry) error {
	_ = ctx
	if err := reminder.ValidateID(e.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return reminder.Unavailable("memory upsert", errClosed)
	}
	s.idx.put(e)
	return nil
}

func (s *Memory) Remove(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return reminder.Unavailable("memory remove", errClosed)
	}
	if !s.idx.del(id) {
		return reminder.ErrItemNotFound
	}
	return nil
}

func (s *Memory) Get(ctx context.Context, id string) (reminder.Entry, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.idx.get(id)
	return e, ok, nil
}

func (s *Memory) All(ctx context.Context) ([]reminder.Entry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.all(), nil
}

func (s *Memory) Earliest(ctx context.Context) (reminder.Entry, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.idx.earliest()
	return e, ok, nil
}

func (s *Memory) NextAfter(ctx context.Context, t time.Time) (reminder.Entry, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.idx.nextAfter(t)
	return e, ok, nil
}

func (s *Memory) Due(ctx context.Context, now time.Time, limit int) ([]reminder.Entry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.due(now, limit), nil
}

func (s *Memory) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
