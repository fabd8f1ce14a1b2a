package idempotency

import (
	"context"
	"sync"
	"time"
)

// entry is one processed (or in-flight reserved) request identifier.
type entry struct {
	result    []byte // nil while only reserved
	hasResult bool
	createdAt time.Time
}

// MemoryStore is the in-process Store. State is per-process and lost on
// restart; entries expire lazily after the retention window.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time // overridable in tests
}

// NewMemoryStore creates a MemoryStore. A non-positive ttl falls back to DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Reserve claims requestID for exactly one caller per retention window.
func (s *MemoryStore) Reserve(_ context.Context, requestID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()

	if _, ok := s.entries[requestID]; ok {
		return false, nil
	}
	s.entries[requestID] = entry{createdAt: s.now()}
	return true, nil
}

// Release drops a result-less reservation so the identifier can be claimed
// again. Completed entries are kept.
func (s *MemoryStore) Release(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[requestID]; ok && !e.hasResult {
		delete(s.entries, requestID)
	}
	return nil
}

// CheckAndStore implements the Store contract: first writer wins, later
// callers read the winner's result back.
func (s *MemoryStore) CheckAndStore(_ context.Context, requestID string, result []byte) (bool, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()

	if e, ok := s.entries[requestID]; ok {
		if e.hasResult {
			return true, e.result, nil
		}
		// Reserved but not yet completed: the reservation holder stores its
		// result here; anyone else sees "not processed yet".
		if result != nil {
			e.result = result
			e.hasResult = true
			s.entries[requestID] = e
		}
		return false, nil, nil
	}

	if result != nil {
		s.entries[requestID] = entry{result: result, hasResult: true, createdAt: s.now()}
	}
	return false, nil, nil
}

// purgeLocked drops entries older than the retention window.
// Caller must hold s.mu.
func (s *MemoryStore) purgeLocked() {
	cutoff := s.now().Add(-s.ttl)
	for k, e := range s.entries {
		if e.createdAt.Before(cutoff) {
			delete(s.entries, k)
		}
	}
}
