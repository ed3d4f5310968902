package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradeGuard/internal/audit"
	"TradeGuard/internal/domain/models"
	"TradeGuard/pkg/logger"
)

type nopMetrics struct{}

func (nopMetrics) RecordScore(string, float64)                  {}
func (nopMetrics) RecordHealth(models.HealthState)              {}
func (nopMetrics) RecordTransition(_, _ models.TradingMode)     {}
func (nopMetrics) RecordAction(_, _ string)                     {}
func (nopMetrics) RecordError(string)                           {}
func (nopMetrics) RecordLatency(string, time.Duration)          {}

type recordingDispatcher struct {
	mu          sync.Mutex
	transitions []models.Transition
}

func (d *recordingDispatcher) Dispatch(_ context.Context, t models.Transition, _ models.Policy) error {
	d.mu.Lock()
	d.transitions = append(d.transitions, t)
	d.mu.Unlock()
	return nil
}

func (d *recordingDispatcher) all() []models.Transition {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.Transition, len(d.transitions))
	copy(out, d.transitions)
	return out
}

type memStateStore struct {
	mu        sync.Mutex
	state     *models.ControlState
	incidents map[string]*models.Incident
}

func newMemStateStore() *memStateStore {
	return &memStateStore{incidents: make(map[string]*models.Incident)}
}

func (s *memStateStore) SaveState(_ context.Context, st *models.ControlState) error {
	s.mu.Lock()
	cp := *st
	s.state = &cp
	s.mu.Unlock()
	return nil
}

func (s *memStateStore) LoadState(_ context.Context) (*models.ControlState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, nil
	}
	cp := *s.state
	return &cp, nil
}

func (s *memStateStore) SaveIncident(_ context.Context, inc *models.Incident) error {
	s.mu.Lock()
	cp := *inc
	s.incidents[inc.ID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *memStateStore) LoadIncident(_ context.Context, id string) (*models.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, nil
	}
	cp := *inc
	return &cp, nil
}

func (s *memStateStore) ListIncidents(_ context.Context, limit int) ([]*models.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		out = append(out, inc)
	}
	return out, nil
}

func (s *memStateStore) Close() error { return nil }

type fixture struct {
	engine *Engine
	sink   *audit.MemorySink
	disp   *recordingDispatcher
	store  *memStateStore
	clock  *fakeClock
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	lgr, err := logger.New(&logger.Config{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)

	sink := audit.NewMemorySink()
	alog := audit.NewLog(sink, lgr, nopMetrics{}, 2.0)
	disp := &recordingDispatcher{}
	store := newMemStateStore()
	clk := &fakeClock{t: time.Unix(1700000000, 0)}

	pol := models.Policy{
		Version:        1,
		RiskLimits:     models.RiskLimits{MaxPositionUSD: 1e6, MaxOrderUSD: 5e4, MaxDailyLossUSD: 2.5e4},
		ThrottleFactor: 0.25,
		ResumeFactor:   0.5,
		Cooldown:       cfg.Cooldown,
		RecoveryWindow: cfg.RecoveryWindow,
	}
	eng := New(cfg, pol, alog, store, disp, nopMetrics{}, lgr, WithClock(clk.now))
	return &fixture{engine: eng, sink: sink, disp: disp, store: store, clock: clk}
}

func defaultCfg() Config {
	return Config{Cooldown: 2 * time.Minute, RecoveryWindow: 5 * time.Minute, AutoClearance: true}
}

func TestCriticalHaltsAndOpensIncident(t *testing.T) {
	f := newFixture(t, defaultCfg())
	ctx := context.Background()

	trigger := []models.AnomalyScore{{SourceID: "latency", Score: 8.1, Confidence: 1}}
	require.NoError(t, f.engine.Evaluate(ctx, models.HealthCritical, trigger))

	assert.Equal(t, models.ModeHalted, f.engine.Mode())

	inc := f.engine.Incident()
	require.NotNil(t, inc)
	assert.True(t, inc.Open())
	assert.Equal(t, trigger, inc.TriggerScores)

	dispatched := f.disp.all()
	require.Len(t, dispatched, 1)
	assert.Equal(t, models.ModeHalted, dispatched[0].To)
}

func TestDegradedThrottlesThenCooldownRecovers(t *testing.T) {
	f := newFixture(t, defaultCfg())
	ctx := context.Background()

	require.NoError(t, f.engine.Evaluate(ctx, models.HealthDegraded, nil))
	assert.Equal(t, models.ModeThrottled, f.engine.Mode())

	// normal again, but cooldown not elapsed
	f.clock.advance(30 * time.Second)
	require.NoError(t, f.engine.Evaluate(ctx, models.HealthNormal, nil))
	assert.Equal(t, models.ModeThrottled, f.engine.Mode())

	f.clock.advance(2 * time.Minute)
	require.NoError(t, f.engine.Evaluate(ctx, models.HealthNormal, nil))
	assert.Equal(t, models.ModeActive, f.engine.Mode())
	assert.Nil(t, f.engine.Incident(), "incident closed on return to ACTIVE")
}

func TestCooldownResetOnReEscalation(t *testing.T) {
	f := newFixture(t, defaultCfg())
	ctx := context.Background()

	require.NoError(t, f.engine.Evaluate(ctx, models.HealthDegraded, nil))
	f.clock.advance(time.Minute)
	require.NoError(t, f.engine.Evaluate(ctx, models.HealthNormal, nil))

	// degrade again before the cooldown completes: timer must reset
	f.clock.advance(90 * time.Second)
	require.NoError(t, f.engine.Evaluate(ctx, models.HealthDegraded, nil))
	assert.Equal(t, models.ModeThrottled, f.engine.Mode())

	f.clock.advance(time.Minute)
	require.NoError(t, f.engine.Evaluate(ctx, models.HealthNormal, nil))
	f.clock.advance(time.Minute)
	require.NoError(t, f.engine.Evaluate(ctx, models.HealthNormal, nil))
	assert.Equal(t, models.ModeThrottled, f.engine.Mode(), "only 1m of the new countdown has elapsed")

	var vetoes int
	for _, e := range f.sink.All() {
		if e.Kind == models.AuditVeto {
			vetoes++
		}
	}
	assert.GreaterOrEqual(t, vetoes, 1, "the aborted countdown is logged as a veto")
}

func TestHaltedRecoveryLifecycle(t *testing.T) {
	f := newFixture(t, defaultCfg())
	ctx := context.Background()

	require.NoError(t, f.engine.Evaluate(ctx, models.HealthCritical, nil))
	incID := f.engine.Incident().ID

	// clean health, recovery window elapses
	f.clock.advance(time.Minute)
	require.NoError(t, f.engine.Evaluate(ctx, models.HealthNormal, nil))
	assert.Equal(t, models.ModeHalted, f.engine.Mode())

	f.clock.advance(5 * time.Minute)
	require.NoError(t, f.engine.Evaluate(ctx, models.HealthNormal, nil))
	assert.Equal(t, models.ModeRecovering, f.engine.Mode())

	// sustained normal again completes recovery
	f.clock.advance(2 * time.Minute)
	require.NoError(t, f.engine.Evaluate(ctx, models.HealthNormal, nil))
	assert.Equal(t, models.ModeActive, f.engine.Mode())

	inc, err := f.store.LoadIncident(ctx, incID)
	require.NoError(t, err)
	assert.False(t, inc.Open())
	assert.Len(t, inc.Transitions, 3)
}

func TestAnomalyDuringRecoveryHaltsImmediately(t *testing.T) {
	f := newFixture(t, defaultCfg())
	ctx := context.Background()

	require.NoError(t, f.engine.Evaluate(ctx, models.HealthCritical, nil))
	f.clock.advance(time.Minute)
	require.NoError(t, f.engine.Evaluate(ctx, models.HealthNormal, nil))
	f.clock.advance(5 * time.Minute)
	require.NoError(t, f.engine.Evaluate(ctx, models.HealthNormal, nil))
	require.Equal(t, models.ModeRecovering, f.engine.Mode())

	f.clock.advance(10 * time.Second)
	require.NoError(t, f.engine.Evaluate(ctx, models.HealthCritical, nil))
	assert.Equal(t, models.ModeHalted, f.engine.Mode())
}

func TestOperatorOverrides(t *testing.T) {
	f := newFixture(t, defaultCfg())
	ctx := context.Background()

	// clear outside HALTED is vetoed, not an error
	require.NoError(t, f.engine.Clear(ctx, "operator"))
	assert.Equal(t, models.ModeActive, f.engine.Mode())

	require.NoError(t, f.engine.ForceHalt(ctx, "manual kill switch", true))
	assert.Equal(t, models.ModeHalted, f.engine.Mode())

	var overrides int
	for _, e := range f.sink.All() {
		if e.Kind == models.AuditOverride {
			overrides++
		}
	}
	assert.Equal(t, 1, overrides)
}

func TestEveryTransitionHasExactlyOneAuditEntry(t *testing.T) {
	f := newFixture(t, defaultCfg())
	ctx := context.Background()

	require.NoError(t, f.engine.Evaluate(ctx, models.HealthCritical, nil))
	f.clock.advance(time.Minute)
	require.NoError(t, f.engine.Evaluate(ctx, models.HealthNormal, nil))
	f.clock.advance(5 * time.Minute)
	require.NoError(t, f.engine.Evaluate(ctx, models.HealthNormal, nil))
	f.clock.advance(2 * time.Minute)
	require.NoError(t, f.engine.Evaluate(ctx, models.HealthNormal, nil))

	var transitionEntries int
	for _, e := range f.sink.All() {
		if e.Kind == models.AuditTransition {
			transitionEntries++
		}
	}
	assert.Equal(t, len(f.disp.all()), transitionEntries)

	replayed := audit.Replay(f.sink.All())
	assert.Equal(t, models.ModeActive, replayed.Mode)
	assert.Equal(t, models.HealthNormal, replayed.Health)
}

func TestRestoreReArmsTimers(t *testing.T) {
	f := newFixture(t, defaultCfg())
	ctx := context.Background()

	require.NoError(t, f.engine.Evaluate(ctx, models.HealthCritical, nil))
	f.clock.advance(time.Minute)
	require.NoError(t, f.engine.Evaluate(ctx, models.HealthNormal, nil))
	snapshot, err := f.store.LoadState(ctx)
	require.NoError(t, err)

	// a fresh engine restored from the snapshot resumes HALTED, not ACTIVE
	f2 := newFixture(t, defaultCfg())
	f2.clock.t = f.clock.t
	require.NoError(t, f2.engine.Restore(ctx, snapshot))
	assert.Equal(t, models.ModeHalted, f2.engine.Mode())
}

func TestPolicyFrozenWhileHalted(t *testing.T) {
	f := newFixture(t, defaultCfg())
	ctx := context.Background()

	require.NoError(t, f.engine.Evaluate(ctx, models.HealthCritical, nil))
	next := f.engine.Policy()
	next.Version++
	require.Error(t, f.engine.SetPolicy(next))

	// recover, then the swap is accepted
	f.clock.advance(time.Minute)
	require.NoError(t, f.engine.Evaluate(ctx, models.HealthNormal, nil))
	f.clock.advance(5 * time.Minute)
	require.NoError(t, f.engine.Evaluate(ctx, models.HealthNormal, nil))
	require.Equal(t, models.ModeRecovering, f.engine.Mode())
	require.NoError(t, f.engine.SetPolicy(next))
	assert.Equal(t, next.Version, f.engine.Policy().Version)
}
