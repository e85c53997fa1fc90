// Package memorystore is an in-process sessions.Store suitable for a single
// server instance and for tests.
package memorystore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/mcp-runtime-go/sessions"
	"github.com/google/uuid"
)

var _ sessions.Store = (*Store)(nil)

// Store keeps sessions in a map guarded by a mutex. Expired sessions are
// invisible immediately and reclaimed by GC.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	now     func() time.Time
}

type entry struct {
	values  map[string]json.RawMessage
	expires time.Time
}

// Option configures the memory store.
type Option func(*Store)

// WithTTL sets the sliding session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		ttl:     sessions.DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Create(ctx context.Context) (sessions.Session, error) {
	id := uuid.NewString()

	s.mu.Lock()
	s.entries[id] = &entry{
		values:  make(map[string]json.RawMessage),
		expires: s.now().Add(s.ttl),
	}
	s.mu.Unlock()

	return sessions.NewHandle(id, nil, s.commit), nil
}

func (s *Store) CreateWithID(ctx context.Context, id string) (sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(id)
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	snapshot := make(map[string]json.RawMessage, len(e.values))
	for k, v := range e.values {
		snapshot[k] = v
	}
	return sessions.NewHandle(id, snapshot, s.commit), nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live(id)
	return ok, nil
}

func (s *Store) GC(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var reaped []string
	for id, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, id)
			reaped = append(reaped, id)
		}
	}
	sort.Strings(reaped)
	return reaped, nil
}

func (s *Store) Destroy(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored sessions, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) commit(ctx context.Context, id string, set map[string]json.RawMessage, del []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(id)
	if !ok {
		return sessions.ErrSessionNotFound
	}
	for k, v := range set {
		e.values[k] = v
	}
	for _, k := range del {
		delete(e.values, k)
	}
	e.expires = s.now().Add(s.ttl)
	return nil
}

// live must be called with s.mu held.
func (s *Store) live(id string) (*entry, bool) {
	e, ok := s.entries[id]
	if !ok || !s.now().Before(e.expires) {
		return nil, false
	}
	return e, true
}
