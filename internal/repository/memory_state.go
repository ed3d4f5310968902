package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"TradeGuard/internal/domain/models"
)

// MemoryStateStore implements StateStore and Deduper in process memory, for
// runs without Redis. State does not survive a restart.
type MemoryStateStore struct {
	mu        sync.Mutex
	state     *models.ControlState
	incidents map[string]*models.Incident
	seen      map[string]time.Time
	dedupTTL  time.Duration
}

// NewMemoryStateStore creates the store.
func NewMemoryStateStore(dedupTTL time.Duration) *MemoryStateStore {
	if dedupTTL <= 0 {
		dedupTTL = 10 * time.Minute
	}
	return &MemoryStateStore{
		incidents: make(map[string]*models.Incident),
		seen:      make(map[string]time.Time),
		dedupTTL:  dedupTTL,
	}
}

func (m *MemoryStateStore) SaveState(ctx context.Context, s *models.ControlState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.state = &cp
	return nil
}

func (m *MemoryStateStore) LoadState(ctx context.Context) (*models.ControlState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	cp := *m.state
	return &cp, nil
}

func (m *MemoryStateStore) SaveIncident(ctx context.Context, inc *models.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inc
	m.incidents[inc.ID] = &cp
	return nil
}

func (m *MemoryStateStore) LoadIncident(ctx context.Context, id string) (*models.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, nil
	}
	cp := *inc
	return &cp, nil
}

func (m *MemoryStateStore) ListIncidents(ctx context.Context, limit int) ([]*models.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Incident, 0, len(m.incidents))
	for _, inc := range m.incidents {
		cp := *inc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStateStore) Seen(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.seen[key] = now.Add(m.dedupTTL)
	// opportunistic cleanup keeps the map from growing without bound
	if len(m.seen) > 100000 {
		for k, exp := range m.seen {
			if now.After(exp) {
				delete(m.seen, k)
			}
		}
	}
	return true, nil
}

func (m *MemoryStateStore) Close() error { return nil }
