package detector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradeGuard/internal/domain/models"
)

func sampleAt(source string, ts time.Time, v float64) *models.MetricSample {
	return &models.MetricSample{SourceID: source, Timestamp: ts, Value: v}
}

func TestEWMAColdStartNeverAlarms(t *testing.T) {
	sc := NewEWMAScorer("latency", EWMAConfig{Alpha: 0.1, WarmupSamples: 30})
	base := time.Now()

	for i := 0; i < 29; i++ {
		// wildly varying values during warmup must still score zero
		v := float64(i%2) * 1000
		got := sc.Score(sampleAt("latency", base.Add(time.Duration(i)*time.Second), v))
		assert.Zero(t, got.Score, "sample %d", i)
		assert.Zero(t, got.Confidence, "sample %d", i)
	}
}

func TestEWMAOutlierAfterWarmup(t *testing.T) {
	sc := NewEWMAScorer("latency", EWMAConfig{Alpha: 0.1, WarmupSamples: 30})
	base := time.Now()

	for i := 0; i < 40; i++ {
		v := 100 + float64(i%5) // tight normal band
		sc.Score(sampleAt("latency", base.Add(time.Duration(i)*time.Second), v))
	}

	got := sc.Score(sampleAt("latency", base.Add(41*time.Second), 5000))
	assert.Greater(t, got.Score, 6.0, "extreme outlier must exceed any hard ceiling")
	assert.InDelta(t, 1.0, got.Confidence, 1e-9, "confidence saturates after 40 samples")
}

func TestEWMAScoresBeforeUpdating(t *testing.T) {
	sc := NewEWMAScorer("fill_rate", EWMAConfig{Alpha: 0.2, WarmupSamples: 5})
	base := time.Now()
	for i := 0; i < 20; i++ {
		sc.Score(sampleAt("fill_rate", base.Add(time.Duration(i)*time.Second), 1.0))
	}

	first := sc.Score(sampleAt("fill_rate", base.Add(21*time.Second), 50))
	// if the outlier had been folded in before scoring, it would suppress itself
	second := sc.Score(sampleAt("fill_rate", base.Add(22*time.Second), 50))
	require.Greater(t, first.Score, second.Score)
}

func TestEWMALateSampleLowConfidence(t *testing.T) {
	cfg := EWMAConfig{Alpha: 0.1, WarmupSamples: 5, LatenessWindow: time.Minute, LateConfidence: 0.2}
	sc := NewEWMAScorer("pnl_dev", cfg)
	base := time.Now()
	for i := 0; i < 20; i++ {
		sc.Score(sampleAt("pnl_dev", base.Add(time.Duration(i)*time.Second), 10))
	}

	before := sc.Stats()
	late := sc.Score(sampleAt("pnl_dev", base.Add(-5*time.Minute), 10000))
	after := sc.Stats()

	assert.Greater(t, late.Score, 0.0, "late samples are scored, not rejected")
	assert.LessOrEqual(t, late.Confidence, 0.2)
	assert.Equal(t, before.Mean, after.Mean, "late sample must not disturb the baseline")
	assert.Equal(t, before.Samples, after.Samples)
}

func TestRegistryRoutesPerSourceKind(t *testing.T) {
	r := NewRegistry("ewma")
	r.Register("ewma", func(id string) Scorer {
		return NewEWMAScorer(id, EWMAConfig{Alpha: 0.1, WarmupSamples: 3})
	})
	r.Register("static", func(id string) Scorer {
		return NewStaticScorer(id, 0, 1)
	})
	r.Bind("error_count", "static")

	now := time.Now()
	got, err := r.Score(sampleAt("error_count", now, 4))
	require.NoError(t, err)
	assert.Equal(t, 4.0, got.Score, "static scorer needs no warmup")
	assert.Equal(t, 1.0, got.Confidence)

	got, err = r.Score(sampleAt("latency", now, 100))
	require.NoError(t, err)
	assert.Zero(t, got.Score, "ewma scorer cold start")

	assert.Len(t, r.Stats(), 2)
}

func TestRegistryUnknownKind(t *testing.T) {
	r := NewRegistry("nope")
	_, err := r.Score(sampleAt("x", time.Now(), 1))
	require.Error(t, err)
}
