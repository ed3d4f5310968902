package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradeGuard/internal/audit"
	"TradeGuard/internal/detector"
	"TradeGuard/internal/domain/models"
	"TradeGuard/internal/engine"
	"TradeGuard/internal/health"
	"TradeGuard/pkg/logger"
)

type nopMetrics struct{}

func (nopMetrics) RecordScore(string, float64)                  {}
func (nopMetrics) RecordHealth(models.HealthState)              {}
func (nopMetrics) RecordTransition(_, _ models.TradingMode)     {}
func (nopMetrics) RecordAction(string, string)                  {}
func (nopMetrics) RecordError(string)                           {}
func (nopMetrics) RecordLatency(string, time.Duration)          {}

type mapDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMapDeduper() *mapDeduper { return &mapDeduper{seen: make(map[string]bool)} }

func (d *mapDeduper) Seen(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

type countingDispatcher struct {
	mu    sync.Mutex
	halts int
	all   []models.Transition
}

func (d *countingDispatcher) Dispatch(ctx context.Context, t models.Transition, pol models.Policy) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.all = append(d.all, t)
	if t.To == models.ModeHalted {
		d.halts++
	}
	return nil
}

type countingObserver struct {
	mu      sync.Mutex
	samples int
	scores  int
}

func (o *countingObserver) ObserveSample(*models.MetricSample) {
	o.mu.Lock()
	o.samples++
	o.mu.Unlock()
}

func (o *countingObserver) ObserveScore(models.AnomalyScore) {
	o.mu.Lock()
	o.scores++
	o.mu.Unlock()
}

type memStateStore struct {
	mu        sync.Mutex
	state     *models.ControlState
	incidents map[string]*models.Incident
}

func newMemStateStore() *memStateStore {
	return &memStateStore{incidents: make(map[string]*models.Incident)}
}

func (m *memStateStore) SaveState(ctx context.Context, s *models.ControlState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.state = &cp
	return nil
}

func (m *memStateStore) LoadState(ctx context.Context) (*models.ControlState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *memStateStore) SaveIncident(ctx context.Context, inc *models.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents[inc.ID] = inc
	return nil
}

func (m *memStateStore) LoadIncident(ctx context.Context, id string) (*models.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incidents[id], nil
}

func (m *memStateStore) ListIncidents(ctx context.Context, limit int) ([]*models.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Incident, 0, len(m.incidents))
	for _, inc := range m.incidents {
		out = append(out, inc)
	}
	return out, nil
}

func (m *memStateStore) Close() error { return nil }

type loopFixture struct {
	loop     *ControlLoop
	engine   *engine.Engine
	disp     *countingDispatcher
	observer *countingObserver
	sink     *audit.MemorySink
}

func newLoopFixture(t *testing.T) *loopFixture {
	t.Helper()
	lgr, err := logger.New(&logger.Config{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)

	reg := detector.NewRegistry("ewma")
	reg.Register("ewma", func(sourceID string) detector.Scorer {
		return detector.NewEWMAScorer(sourceID, detector.EWMAConfig{
			Alpha:          0.1,
			WarmupSamples:  30,
			LatenessWindow: time.Minute,
			LateConfidence: 0.2,
		})
	})

	agg := health.New(health.Config{
		HardCeiling:   6.0,
		SoftThreshold: 3.0,
		Window:        time.Minute,
		CriticalQuota: 5,
		DegradedQuota: 2,
		QuietPeriod:   30 * time.Second,
		MinConfidence: 0.5,
	})

	sink := audit.NewMemorySink()
	alog := audit.NewLog(sink, lgr, nopMetrics{}, 2.0)
	disp := &countingDispatcher{}
	store := newMemStateStore()

	pol := models.Policy{
		Version:        1,
		RiskLimits:     models.RiskLimits{MaxPositionUSD: 1e6, MaxOrderUSD: 5e4, MaxDailyLossUSD: 2.5e4},
		ThrottleFactor: 0.25,
		ResumeFactor:   0.5,
		Cooldown:       2 * time.Minute,
		RecoveryWindow: 5 * time.Minute,
	}
	eng := engine.New(engine.Config{
		Cooldown:       2 * time.Minute,
		RecoveryWindow: 5 * time.Minute,
		AutoClearance:  true,
	}, pol, alog, store, disp, nopMetrics{}, lgr)

	obs := &countingObserver{}
	loop := NewControlLoop(newMapDeduper(), reg, alog, agg, eng, obs, nopMetrics{}, lgr)
	return &loopFixture{loop: loop, engine: eng, disp: disp, observer: obs, sink: sink}
}

func sampleAt(base time.Time, i int, value float64) *models.MetricSample {
	return &models.MetricSample{
		SourceID:  "latency_ms",
		Timestamp: base.Add(time.Duration(i) * time.Second),
		Value:     value,
	}
}

func TestColdStartNeverTransitions(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	// Wild values during warmup must not move the mode.
	values := []float64{100, 5000, 3, 900, 42, 10000, 1, 777, 100, 100}
	for i, v := range values {
		require.NoError(t, f.loop.Process(ctx, sampleAt(base, i, v)))
	}

	assert.Equal(t, models.ModeActive, f.engine.Mode())
	assert.Empty(t, f.disp.all)
}

func TestSteadyStreamThenOutlierHalts(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	// 40 steady samples, small jitter keeps the variance honest.
	for i := 0; i < 40; i++ {
		v := 100.0
		if i%2 == 0 {
			v = 101.0
		}
		require.NoError(t, f.loop.Process(ctx, sampleAt(base, i, v)))
	}
	require.Equal(t, models.ModeActive, f.engine.Mode())

	// 10x spike clears the hard ceiling at full confidence.
	require.NoError(t, f.loop.Process(ctx, sampleAt(base, 40, 1000.0)))

	assert.Equal(t, models.ModeHalted, f.engine.Mode())
	assert.Equal(t, 1, f.disp.halts, "halt must fire exactly once")
	inc := f.engine.Incident()
	require.NotNil(t, inc)
	assert.True(t, inc.Open())
}

func TestDuplicateDeliveryProcessedOnce(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()
	s := sampleAt(time.Now(), 0, 100)

	require.NoError(t, f.loop.Process(ctx, s))
	require.NoError(t, f.loop.Process(ctx, s))

	assert.Equal(t, 1, f.observer.samples)
	stats := f.loop.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Samples)
}

func TestInvalidSampleRejected(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	err := f.loop.Process(ctx, &models.MetricSample{Timestamp: time.Now(), Value: 1})
	require.Error(t, err)
	assert.Equal(t, 0, f.observer.samples)
	assert.Equal(t, models.ModeActive, f.engine.Mode())
}
