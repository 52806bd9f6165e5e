package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultPendingTTL bounds how long a user may take at the consent screen.
const DefaultPendingTTL = 10 * time.Minute

var errPendingExpired = errors.New("pending authorization expired")

// PendingStore bridges the login redirect and the provider callback by
// holding the PKCE verifier under its state.
type PendingStore interface {
	// StoreVerifier registers a verifier for state, overwriting any prior entry.
	StoreVerifier(state, verifier string) error
	// TakeVerifier atomically returns and removes the verifier for state.
	TakeVerifier(state string) (string, error)
	// Sweep removes entries past their TTL and returns their states.
	Sweep() []string
	// Len reports the number of entries held.
	Len() int
}

type pendingEntry struct {
	verifier  string
	createdAt time.Time
}

// InMemoryPendingStore is a mutex-guarded PendingStore with a fixed TTL.
// An entry is issued by StoreVerifier and leaves the table exactly once:
// consumed by TakeVerifier, or expired by TakeVerifier/Sweep after the TTL.
type InMemoryPendingStore struct {
	mu      sync.Mutex
	entries map[string]pendingEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewInMemoryPendingStore creates a store; a non-positive ttl uses DefaultPendingTTL.
func NewInMemoryPendingStore(ttl time.Duration) *InMemoryPendingStore {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &InMemoryPendingStore{
		entries: make(map[string]pendingEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// StoreVerifier stores the code verifier for a given state.
func (s *InMemoryPendingStore) StoreVerifier(state, verifier string) error {
	if state == "" {
		return fmt.Errorf("state cannot be empty")
	}
	if verifier == "" {
		return fmt.Errorf("verifier cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[state] = pendingEntry{verifier: verifier, createdAt: s.now()}
	return nil
}

// TakeVerifier retrieves and deletes the code verifier for a given state.
// Expired entries are deleted and reported like unknown ones.
func (s *InMemoryPendingStore) TakeVerifier(state string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[state]
	if !ok {
		return "", fmt.Errorf("%w: no pending authorization", ErrUnknownOrExpiredState)
	}
	delete(s.entries, state)

	if s.expired(entry) {
		return "", fmt.Errorf("%w: %w", ErrUnknownOrExpiredState, errPendingExpired)
	}
	return entry.verifier, nil
}

// Sweep removes every expired entry and returns the dropped states.
func (s *InMemoryPendingStore) Sweep() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for state, entry := range s.entries {
		if s.expired(entry) {
			delete(s.entries, state)
			removed = append(removed, state)
		}
	}
	return removed
}

// Len returns the number of pending entries, expired or not.
func (s *InMemoryPendingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// TTL returns the lifetime of a pending entry.
func (s *InMemoryPendingStore) TTL() time.Duration {
	return s.ttl
}

// must be called with mu held
func (s *InMemoryPendingStore) expired(e pendingEntry) bool {
	return s.now().Sub(e.createdAt) >= s.ttl
}
