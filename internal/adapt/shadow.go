package adapt

import (
	"context"
	"fmt"
	"time"

	"TradeGuard/internal/domain/models"
	"TradeGuard/pkg/logger"
)

// shadowEval accumulates the candidate model's scores while the active model
// keeps serving. It holds no goroutine of its own; the control loop feeds it
// through ObserveScore and the controller reads the verdict when the
// transition back to full trading fires.
type shadowEval struct {
	candidate models.ModelHandle
	started   time.Time
	cancel    context.CancelFunc
	n         int
	sum       float64
	cancelled string
}

// startShadow begins scoring the candidate alongside live traffic.
func (c *Controller) startShadow(ctx context.Context, cand models.ModelHandle) {
	_, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.shadow != nil {
		c.shadow.cancel()
	}
	c.shadow = &shadowEval{
		candidate: cand,
		started:   time.Now(),
		cancel:    cancel,
	}
	c.mu.Unlock()
	_ = c.auditLog.ModelEvent(ctx, "shadow_start", cand, "")
	c.log.Info("shadow evaluation started",
		logger.String("model", cand.ID),
		logger.String("version", cand.Version))
}

// cancelShadow drops an in-flight evaluation. Called synchronously on the halt
// path so a promotion can never land after a halt committed.
func (c *Controller) cancelShadow(reason string) {
	c.mu.Lock()
	sh := c.shadow
	if sh != nil {
		sh.cancel()
		sh.cancelled = reason
		c.shadow = nil
	}
	c.mu.Unlock()
	if sh != nil {
		c.log.Info("shadow evaluation cancelled", logger.String("reason", reason))
	}
}

// ObserveSample keeps the model-confidence estimate current from the raw
// metric stream that carries it.
func (c *Controller) ObserveSample(s *models.MetricSample) {
	if s == nil || s.SourceID != c.cfg.ConfidenceSource {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.confInit {
		c.confEW = s.Value
		c.confInit = true
		return
	}
	c.confEW = 0.8*c.confEW + 0.2*s.Value
}

// ObserveScore accumulates the candidate's performance while a shadow
// evaluation runs.
func (c *Controller) ObserveScore(s models.AnomalyScore) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shadow != nil {
		c.shadow.n++
		c.shadow.sum += s.Score
	}
}

// finishShadow closes the evaluation and returns its verdict.
func (c *Controller) finishShadow() (accepted bool, detail string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sh := c.shadow
	c.shadow = nil
	if sh == nil {
		return false, "no shadow evaluation"
	}
	sh.cancel()
	if sh.n == 0 {
		return false, "no samples during shadow evaluation"
	}
	elapsed := time.Since(sh.started)
	if elapsed < c.cfg.ShadowDuration {
		return false, fmt.Sprintf("evaluation too short: %s of %s", elapsed.Round(time.Second), c.cfg.ShadowDuration)
	}
	mean := sh.sum / float64(sh.n)
	if mean > c.cfg.ShadowMaxScore {
		return false, fmt.Sprintf("mean score %.2f above ceiling %.2f over %d samples", mean, c.cfg.ShadowMaxScore, sh.n)
	}
	return true, fmt.Sprintf("mean score %.2f over %d samples", mean, sh.n)
}
