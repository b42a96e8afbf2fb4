package mcp

import "sync"

// DefaultStoreCapacity bounds how many resolutions get_resolution remembers.
const DefaultStoreCapacity = 256

// ResultStore keeps the most recent resolutions for get_resolution.
// The oldest entry is dropped once capacity is reached.
type ResultStore struct {
	mu       sync.RWMutex
	capacity int
	order    []string
	byID     map[string]Resolution
}

func NewResultStore(capacity int) *ResultStore {
	if capacity < 1 {
		capacity = DefaultStoreCapacity
	}
	return &ResultStore{
		capacity: capacity,
		byID:     make(map[string]Resolution),
	}
}

// Store saves r under its request id.
func (s *ResultStore) Store(r Resolution) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[r.RequestID]; !ok {
		s.order = append(s.order, r.RequestID)
	}
	s.byID[r.RequestID] = r

	for len(s.order) > s.capacity {
		delete(s.byID, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *ResultStore) Get(requestID string) (Resolution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[requestID]
	return r, ok
}

func (s *ResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
