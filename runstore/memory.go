package runstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/zeroechelon/blueprint/executor"
)

// MemoryStore keeps reports in process memory. Reports are stored as JSON so
// callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	reports map[string][]byte
	index   map[string]Summary
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reports: make(map[string][]byte),
		index:   make(map[string]Summary),
	}
}

func (s *MemoryStore) Save(_ context.Context, report *executor.Report) error {
	if err := checkReport(report); err != nil {
		return err
	}
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[report.RunID] = data
	s.index[report.RunID] = Summarize(report)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, runID string) (*executor.Report, error) {
	s.mu.RLock()
	data, ok := s.reports[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var report executor.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]Summary, error) {
	s.mu.RLock()
	out := make([]Summary, 0, len(s.index))
	for _, sum := range s.index {
		out = append(out, sum)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[runID]; !ok {
		return ErrNotFound
	}
	delete(s.reports, runID)
	delete(s.index, runID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
