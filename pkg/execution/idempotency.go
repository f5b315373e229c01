package execution

import (
	"sync"
	"time"
)

// keyStore is a time-bounded idempotency store for decision keys. Keys are
// deterministic, so a retried or duplicated decision maps to an entry that
// is already present.
type keyStore struct {
	mu    sync.Mutex
	items map[string]time.Time
	ttl   time.Duration
}

func newKeyStore(ttl time.Duration) *keyStore {
	return &keyStore{
		items: make(map[string]time.Time),
		ttl:   ttl,
	}
}

// Claim records the key and reports whether this caller is the first to
// claim it inside the ttl window.
func (s *keyStore) Claim(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expiry, ok := s.items[key]; ok && now.Before(expiry) {
		return false
	}
	s.items[key] = now.Add(s.ttl)

	// Opportunistic pruning keeps the map bounded on a busy day.
	for k, expiry := range s.items {
		if now.After(expiry) {
			delete(s.items, k)
		}
	}
	return true
}
