package detector

import (
	"math"
	"sync"
	"time"

	"TradeGuard/internal/domain/models"
)

// EWMAConfig parameterizes the exponentially weighted baseline.
type EWMAConfig struct {
	// Alpha is the smoothing factor for mean and variance.
	Alpha float64
	// WarmupSamples is the minimum stream length before the scorer reports any
	// confidence; below it every score is 0 so cold starts never false-alarm.
	WarmupSamples int
	// LatenessWindow bounds how far behind the newest seen timestamp a sample
	// may arrive and still count as in-order.
	LatenessWindow time.Duration
	// LateConfidence caps the confidence of samples older than the window.
	LateConfidence float64
}

// EWMAScorer keeps an exponentially weighted mean/variance baseline for one
// source and scores samples as z-score magnitude against it.
type EWMAScorer struct {
	cfg      EWMAConfig
	sourceID string

	mu        sync.Mutex
	count     int64
	mean      float64
	variance  float64
	lastScore float64
	newest    time.Time
}

// NewEWMAScorer creates a scorer for sourceID.
func NewEWMAScorer(sourceID string, cfg EWMAConfig) *EWMAScorer {
	if cfg.Alpha <= 0 || cfg.Alpha >= 1 {
		cfg.Alpha = 0.05
	}
	if cfg.WarmupSamples <= 0 {
		cfg.WarmupSamples = 30
	}
	if cfg.LateConfidence <= 0 {
		cfg.LateConfidence = 0.2
	}
	return &EWMAScorer{cfg: cfg, sourceID: sourceID}
}

const minStdDev = 1e-9

// Score evaluates the sample against the prior baseline, then updates it.
// Samples older than the lateness window are scored against the current
// baseline at capped confidence and are not folded in.
func (e *EWMAScorer) Score(s *models.MetricSample) models.AnomalyScore {
	e.mu.Lock()
	defer e.mu.Unlock()

	late := !e.newest.IsZero() && e.cfg.LatenessWindow > 0 &&
		s.Timestamp.Before(e.newest.Add(-e.cfg.LatenessWindow))

	out := models.AnomalyScore{
		SourceID:  s.SourceID,
		Timestamp: s.Timestamp,
	}

	if e.count >= int64(e.cfg.WarmupSamples) {
		std := math.Sqrt(e.variance)
		if std < minStdDev {
			std = minStdDev
		}
		out.Score = math.Abs(s.Value-e.mean) / std
		out.Confidence = e.confidence()
		if late {
			if out.Confidence > e.cfg.LateConfidence {
				out.Confidence = e.cfg.LateConfidence
			}
		}
	}

	if !late {
		e.update(s.Value)
		if s.Timestamp.After(e.newest) {
			e.newest = s.Timestamp
		}
	}
	e.lastScore = out.Score

	return out
}

// confidence ramps from 0 at warmup toward 1 over roughly a third of the
// warmup length again.
func (e *EWMAScorer) confidence() float64 {
	ramp := float64(e.cfg.WarmupSamples) / 3
	if ramp < 1 {
		ramp = 1
	}
	c := float64(e.count-int64(e.cfg.WarmupSamples)+1) / ramp
	if c > 1 {
		return 1
	}
	if c < 0 {
		return 0
	}
	return c
}

func (e *EWMAScorer) update(v float64) {
	if e.count == 0 {
		e.mean = v
		e.variance = 0
		e.count = 1
		return
	}
	a := e.cfg.Alpha
	diff := v - e.mean
	e.mean += a * diff
	e.variance = (1 - a) * (e.variance + a*diff*diff)
	e.count++
}

// Stats snapshots the rolling baseline.
func (e *EWMAScorer) Stats() models.SourceStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return models.SourceStats{
		SourceID:  e.sourceID,
		Samples:   e.count,
		Mean:      e.mean,
		Variance:  e.variance,
		LastScore: e.lastScore,
		LastSeen:  e.newest,
	}
}
