package hitl

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists checkpoint requests.
type Store interface {
	Save(ctx context.Context, req *Request) error
	Load(ctx context.Context, id string) (*Request, error)
	// List returns requests with status, or all of them when status is empty,
	// oldest first.
	List(ctx context.Context, status Status) ([]*Request, error)
	Update(ctx context.Context, req *Request) error
}

// MemoryStore keeps copies of requests in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]Request
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]Request)}
}

func (s *MemoryStore) Save(_ context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = *req
	return nil
}

func (s *MemoryStore) Load(_ context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("checkpoint request not found: %s", id)
	}
	return &req, nil
}

func (s *MemoryStore) List(_ context.Context, status Status) ([]*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Request
	for _, req := range s.requests {
		if status == "" || req.Status == status {
			out = append(out, &req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; !ok {
		return fmt.Errorf("checkpoint request not found: %s", req.ID)
	}
	s.requests[req.ID] = *req
	return nil
}
