package controls

import (
	"sync"

	"github.com/bryanchriswhite/OverlayCam/internal/logger"
)

// Store owns the current State. Dispatch is the single write path;
// observers read with Get or receive snapshots from Subscribe.
type Store struct {
	mu        sync.RWMutex
	current   State
	listeners []chan State
	hooks     []func(prev, next State)
}

// NewStore creates a store holding initial
func NewStore(initial State) *Store {
	return &Store{current: initial}
}

// Get returns the current snapshot
func (s *Store) Get() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Dispatch applies action and publishes the resulting snapshot
func (s *Store) Dispatch(action Action) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current
	s.current = Transition(prev, action)

	logger.WithComponent("controls").Debug().
		Stringer("action", action).
		Uint64("revision", s.current.Revision).
		Msg("Control state updated")

	for _, hook := range s.hooks {
		hook(prev, s.current)
	}
	for _, ch := range s.listeners {
		publish(ch, s.current)
	}
	return s.current
}

// OnCommit registers fn to run synchronously after every Dispatch, under
// the store lock. fn must not call back into the store.
func (s *Store) OnCommit(fn func(prev, next State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Subscribe returns a channel that receives the current snapshot
// immediately and then every new one. A subscriber that falls behind only
// sees the latest snapshot.
func (s *Store) Subscribe() chan State {
	ch := make(chan State, 1)
	s.mu.Lock()
	ch <- s.current
	s.listeners = append(s.listeners, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener and closes its channel
func (s *Store) Unsubscribe(ch chan State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, listener := range s.listeners {
		if listener == ch {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// publish replaces any pending snapshot in ch with st. Callers hold the
// store lock, so snapshots never arrive out of order.
func publish(ch chan State, st State) {
	select {
	case ch <- st:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- st:
	default:
	}
}
