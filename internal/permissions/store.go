package permissions

import (
	"sync"
	"time"
)

// TTLStore is an in-memory set of keys that expire. It is safe for
// concurrent use.
type TTLStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewTTLStore(now func() time.Time) *TTLStore {
	if now == nil {
		now = time.Now
	}
	return &TTLStore{entries: make(map[string]time.Time), now: now}
}

// Put stores key until now+ttl and returns the expiry.
func (s *TTLStore) Put(key string, ttl time.Duration) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp := s.now().Add(ttl)
	s.entries[key] = exp
	return exp
}

// Take removes key and reports whether it was present and unexpired.
func (s *TTLStore) Take(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.entries[key]
	if !ok {
		return false
	}
	delete(s.entries, key)
	return s.now().Before(exp)
}

// Valid reports whether key is present and unexpired. Expired keys are
// removed.
func (s *TTLStore) Valid(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.entries[key]
	if !ok {
		return false
	}
	if !s.now().Before(exp) {
		delete(s.entries, key)
		return false
	}
	return true
}

func (s *TTLStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
