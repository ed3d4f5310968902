package detector

import (
	"fmt"
	"sync"

	"TradeGuard/internal/domain/models"
)

// Scorer scores one source's sample stream against a learned baseline. A Scorer
// owns exactly one source; callers must not share one instance across sources.
// Implementations serialize their own baseline updates.
type Scorer interface {
	// Score evaluates the sample against the baseline as it stood before the
	// sample arrived, then folds the sample in. Order matters: a sample must
	// never suppress its own anomaly.
	Score(s *models.MetricSample) models.AnomalyScore
	Stats() models.SourceStats
}

// Factory builds a scorer for one source.
type Factory func(sourceID string) Scorer

// Registry is a capability-keyed set of scorer implementations. Scorers are
// created lazily per source from the kind configured for that source; distinct
// sources score fully in parallel.
type Registry struct {
	mu          sync.RWMutex
	factories   map[string]Factory
	scorers     map[string]Scorer
	defaultKind string
	kindFor     map[string]string
}

// NewRegistry creates a registry with the given default scorer kind.
func NewRegistry(defaultKind string) *Registry {
	return &Registry{
		factories:   make(map[string]Factory),
		scorers:     make(map[string]Scorer),
		defaultKind: defaultKind,
		kindFor:     make(map[string]string),
	}
}

// Register adds a scorer implementation under kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	r.factories[kind] = f
	r.mu.Unlock()
}

// Bind pins a source to a specific scorer kind, overriding the default.
func (r *Registry) Bind(sourceID, kind string) {
	r.mu.Lock()
	r.kindFor[sourceID] = kind
	r.mu.Unlock()
}

// Score routes the sample to its source's scorer, creating it on first use.
func (r *Registry) Score(s *models.MetricSample) (models.AnomalyScore, error) {
	r.mu.RLock()
	sc, ok := r.scorers[s.SourceID]
	r.mu.RUnlock()
	if ok {
		return sc.Score(s), nil
	}

	r.mu.Lock()
	if sc, ok = r.scorers[s.SourceID]; !ok {
		kind := r.defaultKind
		if k, bound := r.kindFor[s.SourceID]; bound {
			kind = k
		}
		f, found := r.factories[kind]
		if !found {
			r.mu.Unlock()
			return models.AnomalyScore{}, fmt.Errorf("no scorer registered for kind %q", kind)
		}
		sc = f(s.SourceID)
		r.scorers[s.SourceID] = sc
	}
	r.mu.Unlock()

	return sc.Score(s), nil
}

// Stats snapshots the rolling statistics of every known source.
func (r *Registry) Stats() []models.SourceStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.SourceStats, 0, len(r.scorers))
	for _, sc := range r.scorers {
		out = append(out, sc.Stats())
	}
	return out
}
