package health

import (
	"sync"
	"time"

	"TradeGuard/internal/domain/models"
)

// Config parameterizes score fusion and hysteresis.
type Config struct {
	// HardCeiling: any single score at or above it forces CRITICAL.
	HardCeiling float64
	// SoftThreshold: scores at or above it count toward the window quotas and
	// reset the quiet period.
	SoftThreshold float64
	// Window is the trailing period over which soft hits are counted.
	Window time.Duration
	// CriticalQuota and DegradedQuota are the soft-hit counts that escalate.
	CriticalQuota int
	DegradedQuota int
	// QuietPeriod of continuously clean scores required before any
	// de-escalation. Prevents flapping when anomaly rates oscillate near a
	// threshold.
	QuietPeriod time.Duration
	// MinConfidence: scores below it never escalate.
	MinConfidence float64
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithInitialState restores a persisted state instead of starting NORMAL.
func WithInitialState(state models.HealthState, stableSince time.Time) Option {
	return func(a *Aggregator) {
		a.state = state
		a.changedAt = stableSince
		a.lastDirty = stableSince
	}
}

type softHit struct {
	at    time.Time
	score float64
}

// Aggregator fuses anomaly scores into one discretized health level. It is the
// sole owner of the current HealthState; there is no external write path.
type Aggregator struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	state     models.HealthState
	changedAt time.Time
	lastDirty time.Time
	hits      []softHit
	ceilingAt time.Time
}

// New creates an aggregator starting at NORMAL.
func New(cfg Config, opts ...Option) *Aggregator {
	a := &Aggregator{
		cfg:   cfg,
		now:   time.Now,
		state: models.HealthNormal,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.changedAt.IsZero() {
		a.changedAt = a.now()
	}
	return a
}

// Update folds a batch of scores into the trailing window and returns the
// resulting health state. Escalation is immediate; de-escalation requires the
// quiet period to have elapsed with no qualifying score.
func (a *Aggregator) Update(scores []models.AnomalyScore) models.HealthState {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	for i := range scores {
		s := &scores[i]
		if s.Confidence < a.cfg.MinConfidence {
			continue
		}
		if s.Score >= a.cfg.SoftThreshold {
			a.hits = append(a.hits, softHit{at: now, score: s.Score})
			a.lastDirty = now
		}
		if s.Score >= a.cfg.HardCeiling {
			a.ceilingAt = now
		}
	}
	a.prune(now)

	target := a.target(now)
	switch {
	case target.Severity() > a.state.Severity():
		a.state = target
		a.changedAt = now
	case target.Severity() < a.state.Severity():
		// hysteresis: hold until the quiet period is fully clean
		if a.quietFor(now) >= a.cfg.QuietPeriod {
			a.state = target
			a.changedAt = now
		}
	}

	return a.state
}

// State returns the current level and when it was last entered.
func (a *Aggregator) State() (models.HealthState, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, a.changedAt
}

// QuietFor reports how long scores have been continuously clean.
func (a *Aggregator) QuietFor() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.quietFor(a.now())
}

func (a *Aggregator) quietFor(now time.Time) time.Duration {
	if a.lastDirty.IsZero() {
		return now.Sub(a.changedAt)
	}
	return now.Sub(a.lastDirty)
}

func (a *Aggregator) prune(now time.Time) {
	cutoff := now.Add(-a.cfg.Window)
	keep := a.hits[:0]
	for _, h := range a.hits {
		if h.at.After(cutoff) {
			keep = append(keep, h)
		}
	}
	a.hits = keep
}

func (a *Aggregator) target(now time.Time) models.HealthState {
	if !a.ceilingAt.IsZero() && a.ceilingAt.After(now.Add(-a.cfg.Window)) {
		return models.HealthCritical
	}
	n := len(a.hits)
	switch {
	case n > a.cfg.CriticalQuota:
		return models.HealthCritical
	case n > a.cfg.DegradedQuota:
		return models.HealthDegraded
	default:
		return models.HealthNormal
	}
}
