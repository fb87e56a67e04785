package risk

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory ProfileStore for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string][]*WalletRiskProfile // wallet → profiles, oldest first
}

// NewMemoryStore creates an in-memory profile audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string][]*WalletRiskProfile),
	}
}

func (s *MemoryStore) Record(ctx context.Context, profile *WalletRiskProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Shallow copy; indicators are immutable after creation.
	p := *profile
	s.profiles[profile.WalletAddress] = append(s.profiles[profile.WalletAddress], &p)
	return nil
}

func (s *MemoryStore) ListByWallet(ctx context.Context, wallet string, limit int) ([]*WalletRiskProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.profiles[wallet]
	if len(all) == 0 {
		return nil, nil
	}

	start := len(all) - limit
	if start < 0 {
		start = 0
	}

	// Most recent first.
	result := make([]*WalletRiskProfile, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		p := *all[i]
		result = append(result, &p)
	}
	return result, nil
}
