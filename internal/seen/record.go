// Package seen implements the handshake deduplication record.
//
// Every node receiving a handshake checks its origin against the record.
// If seen: drop silently (prevents re-propagation loops).
// If not seen: add, react locally and maybe relay once.
//
// Entries never expire. An origin is forgotten only when its link closes, so
// a peer that rejoins under the same PeerID propagates again. The record is
// keyed by a session epoch and Reset starts a new epoch when the local peer
// leaves.
package seen

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/Lukas-Petervary/Discharge/internal/identity"
)

// Set is a concurrent-safe record of processed handshake origins.
type Set struct {
	mu      sync.Mutex
	epoch   uuid.UUID
	origins map[identity.PeerID]struct{}
}

// New creates an empty Set with a fresh epoch.
func New() *Set {
	return &Set{
		epoch:   uuid.New(),
		origins: make(map[identity.PeerID]struct{}),
	}
}

// Has reports whether origin was already processed this epoch.
func (s *Set) Has(origin identity.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.origins[origin]
	return ok
}

// Add records origin.
// Returns true if the origin was not previously seen (i.e. this is new traffic).
func (s *Set) Add(origin identity.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.origins[origin]; ok {
		return false
	}
	s.origins[origin] = struct{}{}
	return true
}

// Forget drops origin and reports whether it was recorded.
func (s *Set) Forget(origin identity.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.origins[origin]; !ok {
		return false
	}
	delete(s.origins, origin)
	return true
}

// Len returns the number of recorded origins.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.origins)
}

// Origins returns the recorded origins in sorted order.
func (s *Set) Origins() []identity.PeerID {
	s.mu.Lock()
	out := make([]identity.PeerID, 0, len(s.origins))
	for o := range s.origins {
		out = append(out, o)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Epoch identifies the current session.
func (s *Set) Epoch() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Reset clears the record and starts a new epoch.
func (s *Set) Reset() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch = uuid.New()
	s.origins = make(map[identity.PeerID]struct{})
	return s.epoch
}
