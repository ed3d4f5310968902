package audit

import (
	"context"
	"sync"
	"time"

	"TradeGuard/internal/domain/models"
)

// MemorySink keeps entries in memory. Used in tests and as the sink when no
// ClickHouse backend is configured.
type MemorySink struct {
	mu      sync.Mutex
	entries []*models.AuditEntry
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Append(ctx context.Context, e *models.AuditEntry) error {
	m.mu.Lock()
	cp := *e
	m.entries = append(m.entries, &cp)
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) AppendBatch(ctx context.Context, entries []*models.AuditEntry) error {
	for _, e := range entries {
		if err := m.Append(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemorySink) Entries(ctx context.Context, from, to time.Time, limit int) ([]*models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.AuditEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if !from.IsZero() && e.At.Before(from) {
			continue
		}
		if !to.IsZero() && e.At.After(to) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemorySink) Close() error { return nil }

// All returns every entry in append order, for test assertions.
func (m *MemorySink) All() []*models.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.AuditEntry, len(m.entries))
	copy(out, m.entries)
	return out
}
