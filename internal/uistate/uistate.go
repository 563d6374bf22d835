// Package uistate keeps the shared UI lock and the free form state synced between UI clients.
// Nothing here is persisted.
package uistate

import (
	"maps"
	"sync"

	"github.com/guregu/null/v6"
)

type Lock struct {
	Locked bool        `json:"locked"`
	Owner  null.String `json:"owner"`
}

type Store struct {
	mu    sync.Mutex
	lock  Lock
	state map[string]any
}

func New() *Store {
	return &Store{state: make(map[string]any)}
}

// SetLock sets or clears the lock. Clearing it also clears the owner.
func (s *Store) SetLock(locked bool, owner string) Lock {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lock = Lock{Locked: locked}
	if locked && owner != "" {
		s.lock.Owner = null.StringFrom(owner)
	}
	return s.lock
}

func (s *Store) Lock() Lock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lock
}

// Merge sets the given top level keys, replacing nested values wholesale, and returns the result
func (s *Store) Merge(update map[string]any) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	maps.Copy(s.state, update)
	return maps.Clone(s.state)
}

func (s *Store) State() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.state)
}
