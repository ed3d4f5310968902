package usecase

import (
	"context"
	"fmt"
	"time"

	"TradeGuard/internal/audit"
	"TradeGuard/internal/detector"
	"TradeGuard/internal/domain/models"
	"TradeGuard/internal/domain/repository"
	"TradeGuard/internal/engine"
	"TradeGuard/internal/health"
	"TradeGuard/pkg/logger"
)

// ScoreObserver receives committed samples and scores for model bookkeeping.
type ScoreObserver interface {
	ObserveSample(s *models.MetricSample)
	ObserveScore(s models.AnomalyScore)
}

// ControlLoop is the per-sample path from intake to decision: dedup, score,
// audit, health fusion, then the engine's transition evaluation. Every intake
// surface funnels through Process, so ordering and dedup semantics hold no
// matter where a sample came from.
type ControlLoop struct {
	dedup     repository.Deduper
	detectors *detector.Registry
	auditLog  *audit.Log
	health    *health.Aggregator
	engine    *engine.Engine
	observer  ScoreObserver
	metrics   repository.Metrics
	log       *logger.Logger
}

// NewControlLoop creates the loop.
func NewControlLoop(dedup repository.Deduper, detectors *detector.Registry, auditLog *audit.Log,
	agg *health.Aggregator, eng *engine.Engine, observer ScoreObserver,
	metrics repository.Metrics, lgr *logger.Logger) *ControlLoop {

	return &ControlLoop{
		dedup:     dedup,
		detectors: detectors,
		auditLog:  auditLog,
		health:    agg,
		engine:    eng,
		observer:  observer,
		metrics:   metrics,
		log:       lgr,
	}
}

// Process runs one sample through the full pipeline. Duplicate deliveries are
// dropped before they can touch detector state.
func (l *ControlLoop) Process(ctx context.Context, s *models.MetricSample) error {
	_, err := l.Ingest(ctx, s)
	return err
}

// Ingest is Process with the duplicate verdict surfaced, for intake surfaces
// that report acceptance counts back to the producer.
func (l *ControlLoop) Ingest(ctx context.Context, s *models.MetricSample) (accepted bool, err error) {
	start := time.Now()
	if err := validateSample(s); err != nil {
		if l.metrics != nil {
			l.metrics.RecordError("sample_invalid")
		}
		return false, err
	}

	if l.dedup != nil {
		first, err := l.dedup.Seen(ctx, s.Key())
		if err != nil {
			// A dedup outage must not stall the safety loop; at worst a
			// duplicate is scored twice.
			l.log.Warn("dedup check failed", logger.Error(err))
		} else if !first {
			if l.metrics != nil {
				l.metrics.RecordError("sample_duplicate")
			}
			return false, nil
		}
	}

	score, serr := l.detectors.Score(s)
	if serr != nil {
		if l.metrics != nil {
			l.metrics.RecordError("score")
		}
		return false, fmt.Errorf("score sample %s: %w", s.SourceID, serr)
	}
	if l.metrics != nil {
		l.metrics.RecordScore(s.SourceID, score.Score)
	}
	if err := l.auditLog.Score(ctx, score); err != nil {
		l.log.Warn("score audit failed", logger.Error(err))
	}
	if l.observer != nil {
		l.observer.ObserveSample(s)
		l.observer.ObserveScore(score)
	}

	h := l.health.Update([]models.AnomalyScore{score})
	if l.metrics != nil {
		l.metrics.RecordHealth(h)
	}
	if err := l.engine.Evaluate(ctx, h, []models.AnomalyScore{score}); err != nil {
		return true, fmt.Errorf("evaluate transition: %w", err)
	}

	if l.metrics != nil {
		l.metrics.RecordLatency("control_loop", time.Since(start))
	}
	return true, nil
}

// Stats exposes per-source detector baselines for the status surface.
func (l *ControlLoop) Stats() []models.SourceStats {
	return l.detectors.Stats()
}

func validateSample(s *models.MetricSample) error {
	if s == nil {
		return fmt.Errorf("sample nil")
	}
	if s.SourceID == "" {
		return fmt.Errorf("source id empty")
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("timestamp missing")
	}
	return nil
}
