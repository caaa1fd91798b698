package session

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/FindIt/internal/core"
	"github.com/dkeye/FindIt/internal/domain"
)

type memEntry struct {
	sess    core.Session
	expires time.Time
}

// MemoryStore is the single-node mirror used when Redis is not configured.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[domain.UserID]memEntry
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[domain.UserID]memEntry),
	}
}

func (s *MemoryStore) Create(_ context.Context, sess *core.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sess.UserID] = memEntry{sess: *sess, expires: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, uid domain.UserID) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[uid]
	if !ok {
		return nil, nil
	}
	if !s.now().Before(e.expires) {
		delete(s.entries, uid)
		return nil, nil
	}
	sess := e.sess
	return &sess, nil
}

func (s *MemoryStore) Delete(_ context.Context, uid domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, uid)
	return nil
}

func (s *MemoryStore) RefreshTTL(_ context.Context, uid domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[uid]; ok {
		e.expires = s.now().Add(s.ttl)
		s.entries[uid] = e
	}
	return nil
}
