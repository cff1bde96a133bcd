package guard

import "sync"

// StateStore is a small versioned value container with subscribe-on-change
// semantics. Subscribers get latest-wins delivery: a slow consumer sees the
// newest value, not every intermediate one.
type StateStore[T any] struct {
	mu      sync.Mutex
	value   T
	version uint64
	subs    map[int]chan T
	nextID  int
}

func NewStateStore[T any](initial T) *StateStore[T] {
	return &StateStore[T]{value: initial, subs: make(map[int]chan T)}
}

func (s *StateStore[T]) Get() (T, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.version
}

func (s *StateStore[T]) Set(value T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = value
	s.version++
	for _, ch := range s.subs {
		select {
		case ch <- value:
		default:
			// Replace the stale pending value.
			select {
			case <-ch:
			default:
			}
			ch <- value
		}
	}
}

// Subscribe returns a channel receiving future values and a cancel func.
func (s *StateStore[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan T, 1)
	s.subs[id] = ch
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}
