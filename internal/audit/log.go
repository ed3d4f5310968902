package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"TradeGuard/internal/domain/models"
	"TradeGuard/internal/domain/repository"
	"TradeGuard/pkg/logger"
)

// Log is the append-only audit front end. Every record is persisted through the
// sink before the caller commits the state mutation it describes, so the sink
// contents always run ahead of in-memory state and can reconstruct it after a
// crash.
type Log struct {
	sink    repository.AuditSink
	log     *logger.Logger
	metrics repository.Metrics
	// scoreThreshold filters which anomaly scores are worth a log record.
	scoreThreshold float64
}

// NewLog creates the audit front end.
func NewLog(sink repository.AuditSink, lgr *logger.Logger, metrics repository.Metrics, scoreThreshold float64) *Log {
	return &Log{sink: sink, log: lgr, metrics: metrics, scoreThreshold: scoreThreshold}
}

// Score records an anomaly score if it clears the logging threshold.
func (l *Log) Score(ctx context.Context, s models.AnomalyScore) error {
	if s.Score < l.scoreThreshold {
		return nil
	}
	e := &models.AuditEntry{
		ID:         uuid.NewString(),
		Kind:       models.AuditScore,
		At:         s.Timestamp,
		SourceID:   s.SourceID,
		Score:      s.Score,
		Confidence: s.Confidence,
	}
	return l.append(ctx, e)
}

// HealthChange records a committed health level change.
func (l *Log) HealthChange(ctx context.Context, prev, next models.HealthState, at time.Time) error {
	e := &models.AuditEntry{
		ID:         uuid.NewString(),
		Kind:       models.AuditHealthChange,
		At:         at,
		Health:     next,
		PrevHealth: prev,
	}
	return l.append(ctx, e)
}

// Transition records a mode transition ahead of its commit.
func (l *Log) Transition(ctx context.Context, t models.Transition) error {
	kind := models.AuditTransition
	if t.Operator {
		kind = models.AuditOverride
	}
	e := &models.AuditEntry{
		ID:         uuid.NewString(),
		Kind:       kind,
		At:         t.At,
		Mode:       t.To,
		PrevMode:   t.From,
		IncidentID: t.IncidentID,
		Detail:     t.Reason,
	}
	return l.append(ctx, e)
}

// Veto records a guard rejecting a requested transition. Vetoes are logged,
// never surfaced as errors.
func (l *Log) Veto(ctx context.Context, from, to models.TradingMode, reason string) error {
	e := &models.AuditEntry{
		ID:       uuid.NewString(),
		Kind:     models.AuditVeto,
		At:       time.Now(),
		Mode:     to,
		PrevMode: from,
		Detail:   reason,
	}
	return l.append(ctx, e)
}

// Action records one adaptation action outcome, including retries and failures.
func (l *Log) Action(ctx context.Context, incidentID, action, outcome, detail string) error {
	e := &models.AuditEntry{
		ID:         uuid.NewString(),
		Kind:       models.AuditHealingAction,
		At:         time.Now(),
		IncidentID: incidentID,
		Action:     action,
		Outcome:    outcome,
		Detail:     detail,
	}
	return l.append(ctx, e)
}

// ModelEvent records model activation, promotion or rollback.
func (l *Log) ModelEvent(ctx context.Context, action string, h models.ModelHandle, outcome string) error {
	e := &models.AuditEntry{
		ID:      uuid.NewString(),
		Kind:    models.AuditModelEvent,
		At:      time.Now(),
		Action:  action,
		Outcome: outcome,
		Detail:  h.ID + "@" + h.Version,
	}
	return l.append(ctx, e)
}

// Snapshot records a versioned state snapshot write.
func (l *Log) Snapshot(ctx context.Context, s *models.ControlState) error {
	e := &models.AuditEntry{
		ID:     uuid.NewString(),
		Kind:   models.AuditSnapshot,
		At:     s.UpdatedAt,
		Health: s.Health,
		Mode:   s.Mode,
		Detail: fmt.Sprintf("policy_v%d", s.PolicyVersion),
	}
	return l.append(ctx, e)
}

// Entries reads back persisted entries in append order.
func (l *Log) Entries(ctx context.Context, from, to time.Time, limit int) ([]*models.AuditEntry, error) {
	return l.sink.Entries(ctx, from, to, limit)
}

func (l *Log) append(ctx context.Context, e *models.AuditEntry) error {
	if err := l.sink.Append(ctx, e); err != nil {
		if l.metrics != nil {
			l.metrics.RecordError("audit_append")
		}
		l.log.Error("audit append failed",
			logger.String("kind", string(e.Kind)),
			logger.Error(err))
		return fmt.Errorf("audit append: %w", err)
	}
	l.log.Debug("audit",
		logger.String("kind", string(e.Kind)),
		logger.String("detail", e.Detail))
	return nil
}
