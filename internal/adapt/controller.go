package adapt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"TradeGuard/internal/audit"
	"TradeGuard/internal/domain/models"
	"TradeGuard/internal/domain/repository"
	"TradeGuard/pkg/logger"
	"TradeGuard/pkg/queue"
)

const actionMessageType = "healing_action"

// Supervisor is the engine surface the controller escalates through when an
// action cannot be carried out. Set after construction to break the
// engine/controller cycle.
type Supervisor interface {
	ForceHalt(ctx context.Context, reason string, operator bool) error
	Note(note string)
}

// Config holds the adaptation controller's timing and acceptance parameters.
type Config struct {
	// CallTimeout bounds each individual registry or execution call.
	CallTimeout time.Duration
	// RetryMax is the per-action retry budget.
	RetryMax   int
	BackoffMin time.Duration
	BackoffMax time.Duration
	// ShadowDuration is how long a candidate model is scored before promotion.
	ShadowDuration time.Duration
	// ShadowMaxScore is the acceptance ceiling on the candidate's mean anomaly
	// score during shadow evaluation.
	ShadowMaxScore float64
	// ConfidenceFloor triggers a candidate proposal when the active model's
	// recent confidence drops below it.
	ConfidenceFloor float64
	// ConfidenceSource names the metric stream carrying model confidence.
	ConfidenceSource string
}

// actionSet is the queue payload for one committed transition.
type actionSet struct {
	Transition models.Transition `json:"transition"`
	Policy     models.Policy     `json:"policy"`
}

// Controller executes the side effects of committed mode transitions:
// throttling and restoring execution limits, halting, staged resumes, and the
// shadow-evaluate-then-promote model swap. Transitions are acknowledged on
// enqueue; the actions themselves run on the queue's workers so the engine's
// decision loop never waits on an external call.
type Controller struct {
	cfg      Config
	registry repository.ModelRegistry
	exec     repository.ExecutionControl
	q        queue.Service
	auditLog *audit.Log
	metrics  repository.Metrics
	log      *logger.Logger

	regBreaker  *gobreaker.CircuitBreaker
	execBreaker *gobreaker.CircuitBreaker

	mu         sync.Mutex
	supervisor Supervisor
	active     models.ModelHandle
	candidate  models.ModelHandle
	confEW     float64
	confInit   bool
	shadow     *shadowEval
}

// NewController creates the adaptation controller. It registers itself on the
// queue under the healing-action message type.
func NewController(cfg Config, registry repository.ModelRegistry, exec repository.ExecutionControl,
	q queue.Service, auditLog *audit.Log, metrics repository.Metrics, lgr *logger.Logger) *Controller {

	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 200 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = 5 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 3 * time.Second
	}
	if cfg.ConfidenceSource == "" {
		cfg.ConfidenceSource = "model_confidence"
	}
	if cfg.ShadowDuration <= 0 {
		cfg.ShadowDuration = 2 * time.Minute
	}
	if cfg.ShadowMaxScore <= 0 {
		cfg.ShadowMaxScore = 2.0
	}
	return &Controller{
		cfg:         cfg,
		registry:    registry,
		exec:        exec,
		q:           q,
		auditLog:    auditLog,
		metrics:     metrics,
		log:         lgr,
		regBreaker:  newBreaker("model-registry"),
		execBreaker: newBreaker("execution-control"),
	}
}

// SetSupervisor wires the engine back-reference. Must be called before the
// queue starts delivering messages.
func (c *Controller) SetSupervisor(s Supervisor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.supervisor = s
}

// ActiveModel returns the model handle currently in use.
func (c *Controller) ActiveModel() models.ModelHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Bootstrap resolves the active model from the registry. A registry that
// cannot be reached at startup is tolerated; the controller proposes a
// candidate later if confidence degrades.
func (c *Controller) Bootstrap(ctx context.Context) {
	h, err := c.registry.GetActive(ctx)
	if err != nil {
		c.log.Warn("active model lookup failed", logger.Error(err))
		return
	}
	c.mu.Lock()
	c.active = h
	c.mu.Unlock()
	_ = c.auditLog.ModelEvent(ctx, "activate", h, "ok")
}

// Dispatch enqueues the side effects for a committed transition. Halting is
// special-cased: the shadow evaluation is cancelled synchronously so no
// promotion can race a halt.
func (c *Controller) Dispatch(ctx context.Context, t models.Transition, pol models.Policy) error {
	if t.To == models.ModeHalted {
		c.cancelShadow("halted")
	}
	if err := c.q.PublishMessage(ctx, actionMessageType, actionSet{Transition: t, Policy: pol}); err != nil {
		return fmt.Errorf("enqueue healing actions: %w", err)
	}
	return nil
}

// Name implements queue.Job.
func (c *Controller) Name() string { return "adaptation-controller" }

// Type implements queue.Job.
func (c *Controller) Type() string { return actionMessageType }

// Handle implements queue.Job. Errors from individual actions are absorbed
// here after their own retry budget; an error return would only make the queue
// re-run already-exhausted calls.
func (c *Controller) Handle(ctx context.Context, payload interface{}) error {
	set, err := queue.ParsePayload[actionSet](payload)
	if err != nil {
		return fmt.Errorf("parse action set: %w", err)
	}
	c.execute(ctx, set.Transition, set.Policy)
	return nil
}

func (c *Controller) execute(ctx context.Context, t models.Transition, pol models.Policy) {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordLatency("healing_actions", time.Since(start))
		}
	}()

	switch {
	case t.To == models.ModeHalted:
		c.doHalt(ctx, t)
	case t.From == models.ModeActive && t.To == models.ModeThrottled:
		c.doThrottle(ctx, t, pol)
	case t.From == models.ModeHalted && t.To == models.ModeRecovering:
		c.doStagedResume(ctx, t, pol)
	case t.From == models.ModeRecovering && t.To == models.ModeActive,
		t.From == models.ModeThrottled && t.To == models.ModeActive:
		c.doFullResume(ctx, t, pol)
	default:
		c.log.Warn("no actions for transition",
			logger.String("from", string(t.From)),
			logger.String("to", string(t.To)))
	}
}

// doHalt stops execution. Failure here cannot escalate further, the system is
// already in its terminal safe state, so exhausted retries raise a fatal-class
// alert instead.
func (c *Controller) doHalt(ctx context.Context, t models.Transition) {
	err := c.call(ctx, t.IncidentID, "execution_halt", c.execBreaker, func(cctx context.Context) error {
		return c.exec.Halt(cctx)
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordError("halt_unconfirmed")
		}
		c.log.Error("execution halt unconfirmed after retries", logger.Error(err))
		c.note(fmt.Sprintf("execution halt unconfirmed: %v", err))
	}
}

func (c *Controller) doThrottle(ctx context.Context, t models.Transition, pol models.Policy) {
	limits := pol.RiskLimits.Scale(pol.ThrottleFactor)
	err := c.call(ctx, t.IncidentID, "limits_throttle", c.execBreaker, func(cctx context.Context) error {
		return c.exec.Resume(cctx, limits)
	})
	if err != nil {
		c.failSafe(ctx, "throttle limits unconfirmed", err)
		return
	}
	c.maybeProposeCandidate(ctx, t.IncidentID)
}

// doStagedResume re-enables execution at reduced limits and starts shadow
// evaluation of a candidate model if one is warranted.
func (c *Controller) doStagedResume(ctx context.Context, t models.Transition, pol models.Policy) {
	limits := pol.RiskLimits.Scale(pol.ResumeFactor)
	err := c.call(ctx, t.IncidentID, "staged_resume", c.execBreaker, func(cctx context.Context) error {
		return c.exec.Resume(cctx, limits)
	})
	if err != nil {
		c.failSafe(ctx, "staged resume unconfirmed", err)
		return
	}
	c.maybeProposeCandidate(ctx, t.IncidentID)
	c.mu.Lock()
	cand := c.candidate
	c.mu.Unlock()
	if !cand.Zero() {
		c.startShadow(ctx, cand)
	}
}

func (c *Controller) doFullResume(ctx context.Context, t models.Transition, pol models.Policy) {
	err := c.call(ctx, t.IncidentID, "limits_restore", c.execBreaker, func(cctx context.Context) error {
		return c.exec.Resume(cctx, pol.RiskLimits)
	})
	if err != nil {
		c.failSafe(ctx, "limit restore unconfirmed", err)
		return
	}
	c.settleCandidate(ctx, t.IncidentID)
}

// settleCandidate promotes the shadowed candidate when its evaluation passed,
// or declines it otherwise. A candidate that never entered shadow (proposed
// during a throttle, with live trading uninterrupted) is promoted on the
// registry's proposal alone. A promotion failure retains the prior model,
// drops the candidate so a fresh one can be proposed later, and never blocks
// the transition that already committed.
func (c *Controller) settleCandidate(ctx context.Context, incidentID string) {
	c.mu.Lock()
	cand := c.candidate
	hadShadow := c.shadow != nil
	c.mu.Unlock()
	if cand.Zero() {
		c.finishShadow()
		return
	}
	if hadShadow {
		accepted, detail := c.finishShadow()
		if !accepted {
			c.note("candidate model declined: " + detail)
			_ = c.auditLog.ModelEvent(ctx, "decline", cand, detail)
			c.mu.Lock()
			c.candidate = models.ModelHandle{}
			c.mu.Unlock()
			return
		}
		_ = c.auditLog.ModelEvent(ctx, "shadow_pass", cand, detail)
	}
	err := c.call(ctx, incidentID, "model_promote", c.regBreaker, func(cctx context.Context) error {
		return c.registry.Promote(cctx, cand)
	})
	if err != nil {
		// Model management degrades independently of trading recovery.
		c.note(fmt.Sprintf("model promote failed, retaining %s: %v", c.activeLabel(), err))
		_ = c.auditLog.ModelEvent(ctx, "promote", cand, "failed")
		c.mu.Lock()
		c.candidate = models.ModelHandle{}
		c.mu.Unlock()
		return
	}
	c.mu.Lock()
	cand.ActivatedAt = time.Now()
	c.active = cand
	c.candidate = models.ModelHandle{}
	c.mu.Unlock()
	_ = c.auditLog.ModelEvent(ctx, "promote", cand, "ok")
	c.log.Info("candidate model promoted",
		logger.String("model", cand.ID),
		logger.String("version", cand.Version))
}

// maybeProposeCandidate asks the registry for a replacement model when the
// active one's recent confidence has sunk below the floor.
func (c *Controller) maybeProposeCandidate(ctx context.Context, incidentID string) {
	c.mu.Lock()
	degraded := c.confInit && c.confEW < c.cfg.ConfidenceFloor
	have := !c.candidate.Zero()
	conf := c.confEW
	c.mu.Unlock()
	if !degraded || have {
		return
	}
	criteria := map[string]string{
		"reason":         "confidence_degraded",
		"min_confidence": fmt.Sprintf("%.2f", c.cfg.ConfidenceFloor),
	}
	var h models.ModelHandle
	err := c.call(ctx, incidentID, "model_propose", c.regBreaker, func(cctx context.Context) error {
		var perr error
		h, perr = c.registry.ProposeCandidate(cctx, criteria)
		return perr
	})
	if err != nil {
		c.note(fmt.Sprintf("candidate proposal failed, retaining %s: %v", c.activeLabel(), err))
		return
	}
	c.mu.Lock()
	c.candidate = h
	c.mu.Unlock()
	_ = c.auditLog.ModelEvent(ctx, "propose", h, fmt.Sprintf("confidence %.2f below floor", conf))
}

// call runs one external action with a per-attempt timeout, a circuit breaker
// and bounded backoff. Every failed attempt leaves an audit record.
func (c *Controller) call(ctx context.Context, incidentID, action string,
	br *gobreaker.CircuitBreaker, fn func(ctx context.Context) error) error {

	backoff := c.cfg.BackoffMin
	var lastErr error
	for attempt := 1; attempt <= c.cfg.RetryMax; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		_, err := br.Execute(func() (interface{}, error) {
			return nil, fn(cctx)
		})
		cancel()
		if err == nil {
			_ = c.auditLog.Action(ctx, incidentID, action, "ok", "")
			if c.metrics != nil {
				c.metrics.RecordAction(action, "ok")
			}
			return nil
		}
		lastErr = err
		_ = c.auditLog.Action(ctx, incidentID, action, "retry_failed",
			fmt.Sprintf("attempt %d/%d: %v", attempt, c.cfg.RetryMax, err))
		if c.metrics != nil {
			c.metrics.RecordAction(action, "retry_failed")
		}
		c.log.Warn("adaptation action failed",
			logger.String("action", action),
			logger.Int("attempt", attempt),
			logger.Error(err))
		if attempt == c.cfg.RetryMax {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > c.cfg.BackoffMax {
			backoff = c.cfg.BackoffMax
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", action, lastErr)
}

// failSafe escalates an unconfirmed execution-control action to a halt. The
// safe state never depends on the action that just failed.
func (c *Controller) failSafe(ctx context.Context, reason string, err error) {
	if c.metrics != nil {
		c.metrics.RecordError("action_failsafe")
	}
	c.log.Error("action fail-safe engaged",
		logger.String("reason", reason),
		logger.Error(err))
	c.mu.Lock()
	sup := c.supervisor
	c.mu.Unlock()
	if sup == nil {
		return
	}
	if herr := sup.ForceHalt(ctx, fmt.Sprintf("fail-safe: %s: %v", reason, err), false); herr != nil {
		c.log.Error("fail-safe halt rejected", logger.Error(herr))
	}
}

// FailureHook adapts the fail-safe into the queue's retry-exhaustion hook.
func (c *Controller) FailureHook() queue.FailureHandler {
	return func(msg queue.Message, err error) {
		c.failSafe(context.Background(), "action delivery exhausted retries", err)
	}
}

func (c *Controller) note(note string) {
	c.mu.Lock()
	sup := c.supervisor
	c.mu.Unlock()
	if sup != nil {
		sup.Note(note)
	}
}

func (c *Controller) candidateHandle() models.ModelHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.candidate
}

func (c *Controller) shadowRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shadow != nil
}

func (c *Controller) activeLabel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active.Zero() {
		return "no active model"
	}
	return c.active.ID + "@" + c.active.Version
}
