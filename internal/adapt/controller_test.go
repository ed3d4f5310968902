package adapt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradeGuard/internal/audit"
	"TradeGuard/internal/domain/models"
	"TradeGuard/pkg/logger"
	"TradeGuard/pkg/queue"
)

type fakeRegistry struct {
	mu           sync.Mutex
	active       models.ModelHandle
	proposed     models.ModelHandle
	proposeErr   error
	promoteErr   error
	promoteCalls int
}

func (f *fakeRegistry) GetActive(ctx context.Context) (models.ModelHandle, error) {
	return f.active, nil
}

func (f *fakeRegistry) ProposeCandidate(ctx context.Context, criteria map[string]string) (models.ModelHandle, error) {
	if f.proposeErr != nil {
		return models.ModelHandle{}, f.proposeErr
	}
	return f.proposed, nil
}

func (f *fakeRegistry) Promote(ctx context.Context, h models.ModelHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promoteCalls++
	return f.promoteErr
}

func (f *fakeRegistry) Rollback(ctx context.Context) error { return nil }

type fakeExec struct {
	mu        sync.Mutex
	resumeErr error
	haltErr   error
	resumes   []models.RiskLimits
	halts     int
}

func (f *fakeExec) Halt(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.halts++
	return f.haltErr
}

func (f *fakeExec) Resume(ctx context.Context, limits models.RiskLimits) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes = append(f.resumes, limits)
	return f.resumeErr
}

type fakeSupervisor struct {
	mu    sync.Mutex
	halts []string
	notes []string
}

func (f *fakeSupervisor) ForceHalt(ctx context.Context, reason string, operator bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.halts = append(f.halts, reason)
	return nil
}

func (f *fakeSupervisor) Note(note string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, note)
}

// recordingQueue captures published messages without running workers.
type recordingQueue struct {
	mu       sync.Mutex
	messages []queue.Message
}

func (q *recordingQueue) PublishMessage(ctx context.Context, msgType string, payload interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, queue.Message{Type: msgType, Payload: payload})
	return nil
}

type fixture struct {
	ctrl     *Controller
	registry *fakeRegistry
	exec     *fakeExec
	sup      *fakeSupervisor
	q        *recordingQueue
	sink     *audit.MemorySink
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	lgr, err := logger.New(&logger.Config{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)

	if cfg.RetryMax == 0 {
		cfg.RetryMax = 3
	}
	cfg.BackoffMin = time.Millisecond
	cfg.BackoffMax = 2 * time.Millisecond
	cfg.CallTimeout = 100 * time.Millisecond
	// Shadow windows close within a single test run.
	if cfg.ShadowDuration == 0 {
		cfg.ShadowDuration = time.Nanosecond
	}

	f := &fixture{
		registry: &fakeRegistry{active: models.ModelHandle{ID: "m-prior", Version: "3"}},
		exec:     &fakeExec{},
		sup:      &fakeSupervisor{},
		q:        &recordingQueue{},
		sink:     audit.NewMemorySink(),
	}
	auditLog := audit.NewLog(f.sink, lgr, nil, 100)
	f.ctrl = NewController(cfg, f.registry, f.exec, f.q, auditLog, nil, lgr)
	f.ctrl.SetSupervisor(f.sup)
	f.ctrl.Bootstrap(context.Background())
	return f
}

func (f *fixture) actionEntries(action, outcome string) int {
	n := 0
	for _, e := range f.sink.All() {
		if e.Kind == models.AuditHealingAction && e.Action == action && e.Outcome == outcome {
			n++
		}
	}
	return n
}

func policy() models.Policy {
	return models.Policy{
		Version:        1,
		RiskLimits:     models.RiskLimits{MaxPositionUSD: 1000, MaxOrderUSD: 100, MaxDailyLossUSD: 500},
		ThrottleFactor: 0.25,
		ResumeFactor:   0.5,
	}
}

func transition(from, to models.TradingMode) models.Transition {
	return models.Transition{From: from, To: to, At: time.Now(), Reason: "test", IncidentID: "inc-1"}
}

func TestDispatchAcksOnEnqueue(t *testing.T) {
	f := newFixture(t, Config{})

	err := f.ctrl.Dispatch(context.Background(), transition(models.ModeActive, models.ModeThrottled), policy())
	require.NoError(t, err)

	require.Len(t, f.q.messages, 1)
	assert.Equal(t, "healing_action", f.q.messages[0].Type)
	// Nothing executed yet; the queue's workers own that.
	assert.Empty(t, f.exec.resumes)
}

func TestThrottleScalesLimits(t *testing.T) {
	f := newFixture(t, Config{})

	err := f.ctrl.Handle(context.Background(), actionSet{
		Transition: transition(models.ModeActive, models.ModeThrottled),
		Policy:     policy(),
	})
	require.NoError(t, err)

	require.Len(t, f.exec.resumes, 1)
	assert.InDelta(t, 250.0, f.exec.resumes[0].MaxPositionUSD, 1e-9)
	assert.InDelta(t, 25.0, f.exec.resumes[0].MaxOrderUSD, 1e-9)
	assert.Equal(t, 1, f.actionEntries("limits_throttle", "ok"))
}

func TestHaltCallsExecutionControl(t *testing.T) {
	f := newFixture(t, Config{})

	err := f.ctrl.Handle(context.Background(), actionSet{
		Transition: transition(models.ModeActive, models.ModeHalted),
		Policy:     policy(),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, f.exec.halts)
	assert.Equal(t, 1, f.actionEntries("execution_halt", "ok"))
	assert.Empty(t, f.sup.halts)
}

func TestResumeFailureEngagesFailSafe(t *testing.T) {
	f := newFixture(t, Config{RetryMax: 2})
	f.exec.resumeErr = errors.New("connection refused")

	err := f.ctrl.Handle(context.Background(), actionSet{
		Transition: transition(models.ModeHalted, models.ModeRecovering),
		Policy:     policy(),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, f.actionEntries("staged_resume", "retry_failed"))
	require.Len(t, f.sup.halts, 1)
	assert.Contains(t, f.sup.halts[0], "fail-safe")
}

func TestHaltFailureDoesNotEscalateFurther(t *testing.T) {
	f := newFixture(t, Config{RetryMax: 2})
	f.exec.haltErr = errors.New("timeout")

	err := f.ctrl.Handle(context.Background(), actionSet{
		Transition: transition(models.ModeThrottled, models.ModeHalted),
		Policy:     policy(),
	})
	require.NoError(t, err)

	// Already heading to the terminal safe state; alert, do not recurse.
	assert.Empty(t, f.sup.halts)
	require.NotEmpty(t, f.sup.notes)
	assert.Contains(t, f.sup.notes[0], "halt unconfirmed")
}

func TestPromoteRetriesExhaustedRetainsPriorModel(t *testing.T) {
	f := newFixture(t, Config{RetryMax: 3, ConfidenceFloor: 0.5, ShadowMaxScore: 2.0})
	f.registry.proposed = models.ModelHandle{ID: "m-cand", Version: "4"}
	f.registry.promoteErr = errors.New("promote timed out")

	// Degrade model confidence below the floor so a candidate is proposed.
	for i := 0; i < 10; i++ {
		f.ctrl.ObserveSample(&models.MetricSample{SourceID: "model_confidence", Value: 0.2, Timestamp: time.Now()})
	}

	ctx := context.Background()
	require.NoError(t, f.ctrl.Handle(ctx, actionSet{
		Transition: transition(models.ModeHalted, models.ModeRecovering),
		Policy:     policy(),
	}))
	require.False(t, f.ctrl.candidateHandle().Zero())

	// Candidate scores cleanly during the shadow window.
	for i := 0; i < 5; i++ {
		f.ctrl.ObserveScore(models.AnomalyScore{SourceID: "latency", Score: 0.4, Confidence: 1})
	}

	require.NoError(t, f.ctrl.Handle(ctx, actionSet{
		Transition: transition(models.ModeRecovering, models.ModeActive),
		Policy:     policy(),
	}))

	assert.Equal(t, 3, f.registry.promoteCalls)
	assert.Equal(t, 3, f.actionEntries("model_promote", "retry_failed"))
	assert.Equal(t, "m-prior", f.ctrl.ActiveModel().ID)

	found := false
	for _, n := range f.sup.notes {
		if strings.Contains(n, "retaining m-prior@3") {
			found = true
		}
	}
	assert.True(t, found, "expected a note that the prior model was retained")
	// The failed candidate is dropped so a fresh proposal can follow.
	assert.True(t, f.ctrl.candidateHandle().Zero())
}

func TestZeroConfigGetsShadowDefaults(t *testing.T) {
	lgr, err := logger.New(&logger.Config{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)

	sink := audit.NewMemorySink()
	c := NewController(Config{}, &fakeRegistry{}, &fakeExec{}, &recordingQueue{},
		audit.NewLog(sink, lgr, nil, 100), nil, lgr)

	assert.Equal(t, 2*time.Minute, c.cfg.ShadowDuration)
	assert.InDelta(t, 2.0, c.cfg.ShadowMaxScore, 1e-9)
}

func TestShadowRejectsNoisyCandidate(t *testing.T) {
	f := newFixture(t, Config{ConfidenceFloor: 0.5, ShadowMaxScore: 2.0})
	f.registry.proposed = models.ModelHandle{ID: "m-cand", Version: "4"}

	for i := 0; i < 10; i++ {
		f.ctrl.ObserveSample(&models.MetricSample{SourceID: "model_confidence", Value: 0.1, Timestamp: time.Now()})
	}

	ctx := context.Background()
	require.NoError(t, f.ctrl.Handle(ctx, actionSet{
		Transition: transition(models.ModeHalted, models.ModeRecovering),
		Policy:     policy(),
	}))

	for i := 0; i < 5; i++ {
		f.ctrl.ObserveScore(models.AnomalyScore{SourceID: "latency", Score: 4.5, Confidence: 1})
	}

	require.NoError(t, f.ctrl.Handle(ctx, actionSet{
		Transition: transition(models.ModeRecovering, models.ModeActive),
		Policy:     policy(),
	}))

	assert.Equal(t, 0, f.registry.promoteCalls)
	assert.Equal(t, "m-prior", f.ctrl.ActiveModel().ID)
	assert.True(t, f.ctrl.candidateHandle().Zero(), "declined candidate must be dropped")
}

func TestHaltCancelsShadowBeforeEnqueue(t *testing.T) {
	f := newFixture(t, Config{ConfidenceFloor: 0.5})
	f.registry.proposed = models.ModelHandle{ID: "m-cand", Version: "4"}

	for i := 0; i < 10; i++ {
		f.ctrl.ObserveSample(&models.MetricSample{SourceID: "model_confidence", Value: 0.1, Timestamp: time.Now()})
	}
	ctx := context.Background()
	require.NoError(t, f.ctrl.Handle(ctx, actionSet{
		Transition: transition(models.ModeHalted, models.ModeRecovering),
		Policy:     policy(),
	}))
	require.True(t, f.ctrl.shadowRunning())

	require.NoError(t, f.ctrl.Dispatch(ctx, transition(models.ModeRecovering, models.ModeHalted), policy()))
	assert.False(t, f.ctrl.shadowRunning())
}

func TestFailureHookForcesHalt(t *testing.T) {
	f := newFixture(t, Config{})

	hook := f.ctrl.FailureHook()
	hook(queue.Message{Type: "healing_action"}, errors.New("worker crashed"))

	require.Len(t, f.sup.halts, 1)
	assert.Contains(t, f.sup.halts[0], "exhausted retries")
}
