package detector

import (
	"math"
	"sync"
	"time"

	"TradeGuard/internal/domain/models"
)

// StaticScorer scores against fixed center/scale bounds instead of a learned
// baseline. Useful for metrics with a known operating range, such as error
// counts that should sit at zero.
type StaticScorer struct {
	sourceID string
	center   float64
	scale    float64

	mu        sync.Mutex
	count     int64
	lastScore float64
	newest    time.Time
}

// NewStaticScorer creates a fixed-bounds scorer. scale must be positive.
func NewStaticScorer(sourceID string, center, scale float64) *StaticScorer {
	if scale <= 0 {
		scale = 1
	}
	return &StaticScorer{sourceID: sourceID, center: center, scale: scale}
}

// Score reports the scaled distance from center. Fixed bounds need no warmup,
// so confidence is always 1.
func (s *StaticScorer) Score(sample *models.MetricSample) models.AnomalyScore {
	s.mu.Lock()
	defer s.mu.Unlock()

	score := math.Abs(sample.Value-s.center) / s.scale
	s.count++
	s.lastScore = score
	if sample.Timestamp.After(s.newest) {
		s.newest = sample.Timestamp
	}

	return models.AnomalyScore{
		SourceID:   sample.SourceID,
		Timestamp:  sample.Timestamp,
		Score:      score,
		Confidence: 1,
	}
}

func (s *StaticScorer) Stats() models.SourceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SourceStats{
		SourceID:  s.sourceID,
		Samples:   s.count,
		Mean:      s.center,
		Variance:  s.scale * s.scale,
		LastScore: s.lastScore,
		LastSeen:  s.newest,
	}
}
