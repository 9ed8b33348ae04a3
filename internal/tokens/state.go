package tokens

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// stateTTL bounds how long an OAuth authorization round-trip may take.
const stateTTL = 10 * time.Minute

// StateStore issues single-use state tokens for OAuth flows. States are
// in-memory only; a restart mid-flow just means redoing the redirect.
type StateStore struct {
	mu     sync.Mutex
	states map[string]time.Time
	now    func() time.Time
}

func NewStateStore() *StateStore {
	return &StateStore{
		states: map[string]time.Time{},
		now:    func() time.Time { return time.Now() },
	}
}

// Issue creates a fresh state token.
func (s *StateStore) Issue() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	state := hex.EncodeToString(buf)

	s.mu.Lock()
	s.states[state] = s.now().Add(stateTTL)
	s.mu.Unlock()
	return state, nil
}

// Consume validates and retires a state token. A token is good exactly
// once, and only within its TTL.
func (s *StateStore) Consume(state string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	expires, ok := s.states[state]
	if !ok {
		return false
	}
	delete(s.states, state)
	return s.now().Before(expires)
}
