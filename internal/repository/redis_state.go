package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"TradeGuard/internal/domain/models"
	"TradeGuard/pkg/cache"
)

const (
	stateKey       = "control:state"
	incidentKeyFmt = "control:incident:%s"
	incidentIndex  = "control:incidents"
	dedupKeyFmt    = "dedup:%s"

	// incidentIndexCap bounds the recent-incident index.
	incidentIndexCap = 200
)

// RedisStateStore implements StateStore and Deduper on the shared Redis cache.
// State writes are small and frequent; incidents are written on every
// transition of an open incident.
type RedisStateStore struct {
	cache    *cache.RedisCache
	dedupTTL time.Duration

	mu sync.Mutex // serializes read-modify-write of the incident index
}

// NewRedisStateStore creates the store.
func NewRedisStateStore(c *cache.RedisCache, dedupTTL time.Duration) *RedisStateStore {
	if dedupTTL <= 0 {
		dedupTTL = 10 * time.Minute
	}
	return &RedisStateStore{cache: c, dedupTTL: dedupTTL}
}

func (r *RedisStateStore) SaveState(ctx context.Context, s *models.ControlState) error {
	if err := r.cache.Set(ctx, stateKey, s, 0); err != nil {
		return fmt.Errorf("save control state: %w", err)
	}
	return nil
}

// LoadState returns nil with no error when no snapshot has been written yet.
func (r *RedisStateStore) LoadState(ctx context.Context) (*models.ControlState, error) {
	var s models.ControlState
	err := r.cache.Get(ctx, stateKey, &s)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, nil
		}
		return nil, fmt.Errorf("load control state: %w", err)
	}
	return &s, nil
}

func (r *RedisStateStore) SaveIncident(ctx context.Context, inc *models.Incident) error {
	if inc == nil || inc.ID == "" {
		return errors.New("incident without id")
	}
	if err := r.cache.Set(ctx, fmt.Sprintf(incidentKeyFmt, inc.ID), inc, 0); err != nil {
		return fmt.Errorf("save incident %s: %w", inc.ID, err)
	}
	return r.indexIncident(ctx, inc.ID)
}

func (r *RedisStateStore) LoadIncident(ctx context.Context, id string) (*models.Incident, error) {
	var inc models.Incident
	err := r.cache.Get(ctx, fmt.Sprintf(incidentKeyFmt, id), &inc)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, nil
		}
		return nil, fmt.Errorf("load incident %s: %w", id, err)
	}
	return &inc, nil
}

// ListIncidents returns the most recent incidents, newest first.
func (r *RedisStateStore) ListIncidents(ctx context.Context, limit int) ([]*models.Incident, error) {
	if limit <= 0 || limit > incidentIndexCap {
		limit = incidentIndexCap
	}
	ids, err := r.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Incident, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		inc, err := r.LoadIncident(ctx, ids[i])
		if err != nil {
			return nil, err
		}
		if inc != nil {
			out = append(out, inc)
		}
	}
	return out, nil
}

// Seen marks a sample key and reports whether this was its first delivery
// within the dedup window.
func (r *RedisStateStore) Seen(ctx context.Context, key string) (bool, error) {
	wrapped := fmt.Sprintf(dedupKeyFmt, key)
	first, err := r.cache.TryLock(ctx, wrapped, r.dedupTTL)
	if err != nil {
		return false, fmt.Errorf("dedup check: %w", err)
	}
	return first, nil
}

func (r *RedisStateStore) Close() error {
	return nil // Connection managed by pkg/cache
}

func (r *RedisStateStore) indexIncident(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids, err := r.loadIndex(ctx)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	if len(ids) > incidentIndexCap {
		ids = ids[len(ids)-incidentIndexCap:]
	}
	if err := r.cache.Set(ctx, incidentIndex, ids, 0); err != nil {
		return fmt.Errorf("update incident index: %w", err)
	}
	return nil
}

func (r *RedisStateStore) loadIndex(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.cache.Get(ctx, incidentIndex, &ids)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, nil
		}
		return nil, fmt.Errorf("load incident index: %w", err)
	}
	return ids, nil
}
