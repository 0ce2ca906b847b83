package store

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rendis/conductor/pkg/schema"
)

const defaultMaxSessions = 10000

// MemoryStore keeps encoded states in a bounded LRU whose entries expire
// after the configured TTL. States are stored as JSON so callers never share
// memory with the stored copy.
type MemoryStore struct {
	cache  *expirable.LRU[string, []byte]
	closed atomic.Bool
}

// NewMemoryStore creates a MemoryStore holding at most maxSessions states,
// each living for ttl after its last save. A zero ttl disables expiry.
func NewMemoryStore(maxSessions int, ttl time.Duration) *MemoryStore {
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	return &MemoryStore{cache: expirable.NewLRU[string, []byte](maxSessions, nil, ttl)}
}

func (s *MemoryStore) Load(_ context.Context, id string) (*schema.WorkflowState, error) {
	if s.closed.Load() {
		return nil, storeError("load", ErrClosed)
	}
	b, ok := s.cache.Get(id)
	if !ok {
		return nil, sessionNotFound(id)
	}
	return decodeState(b)
}

func (s *MemoryStore) Save(_ context.Context, state *schema.WorkflowState) error {
	if s.closed.Load() {
		return storeError("save", ErrClosed)
	}
	b, err := encodeState(state)
	if err != nil {
		return err
	}
	s.cache.Add(state.SessionID, b)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	if s.closed.Load() {
		return storeError("delete", ErrClosed)
	}
	s.cache.Remove(id)
	return nil
}

// Len returns the number of live sessions.
func (s *MemoryStore) Len() int { return s.cache.Len() }

func (s *MemoryStore) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.cache.Purge()
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
