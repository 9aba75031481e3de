package fraud

import (
	"context"
	"sync"
)

// MemoryPredictionStore is an in-memory PredictionStore for demo/test use.
type MemoryPredictionStore struct {
	mu          sync.RWMutex
	predictions map[string][]*Prediction // uid -> entries
}

// NewMemoryPredictionStore creates an in-memory prediction audit store.
func NewMemoryPredictionStore() *MemoryPredictionStore {
	return &MemoryPredictionStore{
		predictions: make(map[string][]*Prediction),
	}
}

func (s *MemoryPredictionStore) Record(ctx context.Context, p *Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.predictions[p.AccountUID] = append(s.predictions[p.AccountUID], &cp)
	return nil
}

func (s *MemoryPredictionStore) ListByAccount(ctx context.Context, uid string, limit int) ([]*Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.predictions[uid]
	if len(all) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	start := len(all) - limit
	if start < 0 {
		start = 0
	}

	// Most recent first.
	result := make([]*Prediction, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		cp := *all[i]
		result = append(result, &cp)
	}
	return result, nil
}
