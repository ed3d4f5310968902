package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradeGuard/internal/domain/models"
	"TradeGuard/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(&logger.Config{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	return l
}

func TestScoreThresholdFiltersEntries(t *testing.T) {
	sink := NewMemorySink()
	l := NewLog(sink, testLogger(t), nil, 2.0)
	ctx := context.Background()

	require.NoError(t, l.Score(ctx, models.AnomalyScore{SourceID: "latency", Score: 1.5, Confidence: 1}))
	require.NoError(t, l.Score(ctx, models.AnomalyScore{SourceID: "latency", Score: 4.2, Confidence: 1}))

	all := sink.All()
	require.Len(t, all, 1)
	assert.Equal(t, models.AuditScore, all[0].Kind)
	assert.Equal(t, 4.2, all[0].Score)
}

func TestReplayReconstructsFinalState(t *testing.T) {
	sink := NewMemorySink()
	l := NewLog(sink, testLogger(t), nil, 0)
	ctx := context.Background()
	at := time.Unix(1700000000, 0)

	require.NoError(t, l.HealthChange(ctx, models.HealthNormal, models.HealthCritical, at))
	require.NoError(t, l.Transition(ctx, models.Transition{
		From: models.ModeActive, To: models.ModeHalted, At: at, IncidentID: "inc-1", Reason: "health critical",
	}))
	require.NoError(t, l.HealthChange(ctx, models.HealthCritical, models.HealthNormal, at.Add(time.Minute)))
	require.NoError(t, l.Transition(ctx, models.Transition{
		From: models.ModeHalted, To: models.ModeRecovering, At: at.Add(2 * time.Minute), IncidentID: "inc-1",
	}))
	require.NoError(t, l.Transition(ctx, models.Transition{
		From: models.ModeRecovering, To: models.ModeActive, At: at.Add(3 * time.Minute), IncidentID: "inc-1",
	}))

	state := Replay(sink.All())
	assert.Equal(t, models.HealthNormal, state.Health)
	assert.Equal(t, models.ModeActive, state.Mode)
	assert.Empty(t, state.OpenIncident, "incident closed on return to ACTIVE")
}

func TestReplayIsIdempotent(t *testing.T) {
	entries := []*models.AuditEntry{
		{ID: "a", Kind: models.AuditTransition, Mode: models.ModeHalted, PrevMode: models.ModeActive, IncidentID: "inc-1"},
		{ID: "a", Kind: models.AuditTransition, Mode: models.ModeHalted, PrevMode: models.ModeActive, IncidentID: "inc-1"},
		{ID: "b", Kind: models.AuditHealthChange, Health: models.HealthCritical},
	}

	first := Replay(entries)
	second := Replay(append(entries, entries...))
	assert.Equal(t, first, second)
	assert.Equal(t, models.ModeHalted, first.Mode)
	assert.Equal(t, "inc-1", first.OpenIncident)
}

func TestEntriesRangeFilter(t *testing.T) {
	sink := NewMemorySink()
	base := time.Unix(1700000000, 0)
	for i := 0; i < 5; i++ {
		require.NoError(t, sink.Append(context.Background(), &models.AuditEntry{
			ID: string(rune('a' + i)), Kind: models.AuditScore, At: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	got, err := sink.Entries(context.Background(), base.Add(time.Minute), base.Add(3*time.Minute), 0)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}
