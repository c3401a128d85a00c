package storage

import (
	"context"
	"sync"
	"time"

	"newsbeat/internal/domain"
)

type memoryStore struct {
	mu       sync.RWMutex
	subs     map[string]record
	lastSent map[string]time.Time
	closed   bool
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{subs: map[string]record{}, lastSent: map[string]time.Time{}}
}

func (s *memoryStore) List(ctx context.Context) ([]domain.Subscriber, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]domain.Subscriber, 0, len(s.subs))
	for _, r := range s.subs {
		out = append(out, r.toSubscriber())
	}
	sortSubscribers(out)
	return out, nil
}

func (s *memoryStore) FindByEmail(ctx context.Context, email string) (domain.Subscriber, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Subscriber{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.Subscriber{}, false, ErrClosed
	}
	r, ok := s.subs[email]
	if !ok {
		return domain.Subscriber{}, false, nil
	}
	return r.toSubscriber(), true, nil
}

func (s *memoryStore) Upsert(ctx context.Context, sub domain.Subscriber) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.subs[sub.ID] = toRecord(sub)
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, email string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.subs, email)
	delete(s.lastSent, email)
	return nil
}

func (s *memoryStore) PutLastSent(ctx context.Context, email string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.lastSent[email] = at
	return nil
}

func (s *memoryStore) LastSent(ctx context.Context) (map[string]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string]time.Time, len(s.lastSent))
	for k, v := range s.lastSent {
		out[k] = v
	}
	return out, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
