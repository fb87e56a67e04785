package executor

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory audit Store for demo/test use.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[string][]*Result // wallet → results, oldest first
}

// NewMemoryStore creates an in-memory action audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		results: make(map[string][]*Result),
	}
}

func (s *MemoryStore) Record(ctx context.Context, result *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *result
	s.results[result.WalletAddress] = append(s.results[result.WalletAddress], &r)
	return nil
}

func (s *MemoryStore) ListByWallet(ctx context.Context, wallet string, limit int) ([]*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.results[wallet]
	if len(all) == 0 {
		return nil, nil
	}

	start := len(all) - limit
	if start < 0 {
		start = 0
	}

	// Most recent first.
	out := make([]*Result, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		r := *all[i]
		out = append(out, &r)
	}
	return out, nil
}
