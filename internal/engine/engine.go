package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"TradeGuard/internal/audit"
	"TradeGuard/internal/domain/models"
	"TradeGuard/internal/domain/repository"
	"TradeGuard/pkg/logger"
)

// ActionDispatcher receives committed transitions and fires their side
// effects. Dispatch must return once the actions are accepted for execution,
// not once they complete; the engine will not evaluate the next transition
// until the previous dispatch has been acknowledged.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, t models.Transition, pol models.Policy) error
}

// Config holds the transition guards' timing parameters.
type Config struct {
	// Cooldown is the sustained-NORMAL period required for any de-escalating
	// transition out of THROTTLED or RECOVERING.
	Cooldown time.Duration
	// RecoveryWindow is the sustained-NORMAL period required to leave HALTED.
	RecoveryWindow time.Duration
	// AutoClearance permits HALTED->RECOVERING without an operator clear.
	AutoClearance bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the trading-mode state machine. It is the sole owner of
// {HealthState, TradingMode, open Incident}; all three are mutated only inside
// its critical section, so observers never see an intermediate mode and only
// one transition is ever in flight system-wide.
type Engine struct {
	cfg        Config
	now        func() time.Time
	auditLog   *audit.Log
	store      repository.StateStore
	dispatcher ActionDispatcher
	metrics    repository.Metrics
	log        *logger.Logger

	mu          sync.Mutex
	health      models.HealthState
	healthSince time.Time
	normalSince time.Time
	mode        models.TradingMode
	modeSince   time.Time
	policy      models.Policy
	incident    *models.Incident
	cleared     bool
	// deescalating marks a pending cooldown countdown, so a re-escalation
	// mid-countdown can be logged as a veto.
	deescalating bool
}

// New creates an engine starting in ACTIVE with NORMAL health.
func New(cfg Config, pol models.Policy, auditLog *audit.Log, store repository.StateStore,
	dispatcher ActionDispatcher, metrics repository.Metrics, lgr *logger.Logger, opts ...Option) *Engine {

	e := &Engine{
		cfg:        cfg,
		now:        time.Now,
		auditLog:   auditLog,
		store:      store,
		dispatcher: dispatcher,
		metrics:    metrics,
		log:        lgr,
		health:     models.HealthNormal,
		mode:       models.ModeActive,
		policy:     pol,
	}
	for _, opt := range opts {
		opt(e)
	}
	now := e.now()
	e.healthSince = now
	e.normalSince = now
	e.modeSince = now
	return e
}

// Restore resumes from a persisted snapshot. The engine re-arms its timers
// from the snapshot's timestamps rather than resetting to ACTIVE.
func (e *Engine) Restore(ctx context.Context, s *models.ControlState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.health = s.Health
	e.healthSince = s.StableSince
	if s.Health == models.HealthNormal {
		e.normalSince = s.StableSince
	} else {
		e.normalSince = time.Time{}
	}
	e.mode = s.Mode
	e.modeSince = s.UpdatedAt
	if s.PolicyVersion > e.policy.Version {
		e.policy.Version = s.PolicyVersion
	}
	if s.OpenIncident != "" && e.store != nil {
		inc, err := e.store.LoadIncident(ctx, s.OpenIncident)
		if err != nil {
			return fmt.Errorf("load open incident %s: %w", s.OpenIncident, err)
		}
		e.incident = inc
	}
	e.log.Info("engine state restored",
		logger.String("mode", string(e.mode)),
		logger.String("health", string(e.health)))
	return nil
}

// Evaluate folds a new health reading into the machine and commits at most one
// transition. Trigger scores are attached to any incident the evaluation opens.
func (e *Engine) Evaluate(ctx context.Context, health models.HealthState, trigger []models.AnomalyScore) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	changed := health != e.health
	if changed {
		prev := e.health
		if err := e.auditLog.HealthChange(ctx, prev, health, now); err != nil {
			return err
		}
		e.health = health
		e.healthSince = now
		if health == models.HealthNormal {
			e.normalSince = now
		} else {
			e.normalSince = time.Time{}
			if e.deescalating {
				// re-escalation mid-cooldown: veto the pending de-escalation
				// and reset its timer
				e.deescalating = false
				_ = e.auditLog.Veto(ctx, e.mode, models.ModeActive,
					"cooldown reset: health degraded to "+string(health))
			}
		}
		e.metrics.RecordHealth(health)
	}

	to, reason := e.next(now)
	if to == "" {
		if changed {
			e.persistSnapshot(ctx, now)
		}
		return nil
	}
	return e.commit(ctx, to, reason, trigger, false)
}

// next evaluates the guard table. Exactly one guard can produce a target mode
// for any given machine state.
func (e *Engine) next(now time.Time) (models.TradingMode, string) {
	switch e.mode {
	case models.ModeActive:
		switch e.health {
		case models.HealthCritical:
			return models.ModeHalted, "health critical"
		case models.HealthDegraded:
			return models.ModeThrottled, "health degraded"
		}

	case models.ModeThrottled:
		if e.health == models.HealthCritical {
			return models.ModeHalted, "health critical"
		}
		if e.sustainedNormal(now, e.cfg.Cooldown) {
			return models.ModeActive, "health normal, cooldown elapsed"
		}
		if e.health == models.HealthNormal {
			e.deescalating = true
		}

	case models.ModeHalted:
		if (e.cleared || e.cfg.AutoClearance) && e.sustainedNormal(now, e.cfg.RecoveryWindow) {
			return models.ModeRecovering, "clearance granted, recovery window elapsed"
		}
		if e.health == models.HealthNormal && (e.cleared || e.cfg.AutoClearance) {
			e.deescalating = true
		}

	case models.ModeRecovering:
		if e.health != models.HealthNormal {
			// any anomaly recurrence aborts recovery immediately
			return models.ModeHalted, "anomaly recurrence during recovery"
		}
		if e.sustainedNormal(now, e.cfg.Cooldown) && now.Sub(e.modeSince) >= e.cfg.Cooldown {
			return models.ModeActive, "recovery complete"
		}
		e.deescalating = true
	}
	return "", ""
}

func (e *Engine) sustainedNormal(now time.Time, period time.Duration) bool {
	return e.health == models.HealthNormal &&
		!e.normalSince.IsZero() &&
		now.Sub(e.normalSince) >= period
}

// commit performs the write-ahead sequence for one transition: audit entry,
// incident mutation, persisted snapshot, then action dispatch. The caller
// holds e.mu, so the whole sequence is atomic to observers.
func (e *Engine) commit(ctx context.Context, to models.TradingMode, reason string,
	trigger []models.AnomalyScore, operator bool) error {

	now := e.now()
	from := e.mode
	t := models.Transition{From: from, To: to, At: now, Reason: reason, Operator: operator}

	// incident bookkeeping decided before the WAL write so the entry carries
	// the incident id
	opening := from == models.ModeActive && to != models.ModeActive
	closing := to == models.ModeActive && e.incident != nil
	if opening {
		e.incident = &models.Incident{
			ID:            uuid.NewString(),
			OpenedAt:      now,
			TriggerScores: trigger,
		}
	}
	if e.incident != nil {
		t.IncidentID = e.incident.ID
	}

	if err := e.auditLog.Transition(ctx, t); err != nil {
		if to == models.ModeHalted {
			// safety beats bookkeeping: halting proceeds even when the audit
			// backend is down
			e.log.Error("audit write failed on halt, continuing", logger.Error(err))
		} else {
			e.metrics.RecordError("transition_audit")
			return fmt.Errorf("transition %s->%s aborted: %w", from, to, err)
		}
	}

	if e.incident != nil {
		e.incident.AddTransition(t)
	}
	if closing {
		closed := now
		e.incident.ClosedAt = &closed
	}
	if e.store != nil && e.incident != nil {
		if err := e.store.SaveIncident(ctx, e.incident); err != nil {
			e.log.Warn("incident save failed", logger.Error(err))
		}
	}

	e.mode = to
	e.modeSince = now
	e.deescalating = false
	if to != models.ModeHalted {
		e.cleared = false
	}
	e.metrics.RecordTransition(from, to)
	e.log.Info("mode transition",
		logger.String("from", string(from)),
		logger.String("to", string(to)),
		logger.String("reason", reason))

	e.persistSnapshot(ctx, now)

	pol := e.policy
	if closing {
		e.incident = nil
	}

	if e.dispatcher != nil {
		if err := e.dispatcher.Dispatch(ctx, t, pol); err != nil {
			e.metrics.RecordError("dispatch")
			e.log.Error("action dispatch failed", logger.Error(err))
		}
	}
	return nil
}

func (e *Engine) persistSnapshot(ctx context.Context, now time.Time) {
	if e.store == nil {
		return
	}
	s := e.snapshotLocked(now)
	if err := e.auditLog.Snapshot(ctx, s); err != nil {
		e.log.Warn("snapshot audit failed", logger.Error(err))
	}
	if err := e.store.SaveState(ctx, s); err != nil {
		e.metrics.RecordError("state_save")
		e.log.Error("state save failed", logger.Error(err))
	}
}

func (e *Engine) snapshotLocked(now time.Time) *models.ControlState {
	s := &models.ControlState{
		Health:        e.health,
		Mode:          e.mode,
		PolicyVersion: e.policy.Version,
		StableSince:   e.healthSince,
		UpdatedAt:     now,
	}
	if e.incident != nil && e.incident.Open() {
		s.OpenIncident = e.incident.ID
	}
	return s
}

// ForceHalt commits an immediate HALTED transition regardless of health. Used
// by operator overrides and by the fail-safe path when external interfaces
// exhaust their retry budget.
func (e *Engine) ForceHalt(ctx context.Context, reason string, operator bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode == models.ModeHalted {
		return e.auditLog.Veto(ctx, e.mode, models.ModeHalted, "already halted")
	}
	return e.commit(ctx, models.ModeHalted, reason, nil, operator)
}

// Clear grants recovery clearance while HALTED. The transition itself still
// waits for the recovery window of sustained NORMAL health.
func (e *Engine) Clear(ctx context.Context, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode != models.ModeHalted {
		return e.auditLog.Veto(ctx, e.mode, models.ModeRecovering, "clear requested outside HALTED")
	}
	e.cleared = true
	return e.auditLog.Action(ctx, e.incidentID(), "clearance", "granted", reason)
}

// SetPolicy atomically swaps the active policy. Swaps are frozen while HALTED.
func (e *Engine) SetPolicy(pol models.Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode == models.ModeHalted {
		return fmt.Errorf("policy frozen while halted")
	}
	if pol.Version <= e.policy.Version {
		return fmt.Errorf("policy version %d not newer than %d", pol.Version, e.policy.Version)
	}
	e.policy = pol
	return nil
}

// Policy returns the active policy value.
func (e *Engine) Policy() models.Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy
}

// Note appends a note to the open incident, if any.
func (e *Engine) Note(note string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.incident != nil {
		e.incident.AddNote(note)
	}
}

// Snapshot returns the current control state.
func (e *Engine) Snapshot() models.ControlState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.snapshotLocked(e.now())
}

// Incident returns a copy of the open incident, or nil.
func (e *Engine) Incident() *models.Incident {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.incident == nil {
		return nil
	}
	cp := *e.incident
	return &cp
}

// Mode returns the current trading mode.
func (e *Engine) Mode() models.TradingMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

func (e *Engine) incidentID() string {
	if e.incident != nil {
		return e.incident.ID
	}
	return ""
}
