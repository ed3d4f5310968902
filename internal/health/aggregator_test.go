package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"TradeGuard/internal/domain/models"
)

func testConfig() Config {
	return Config{
		HardCeiling:   6.0,
		SoftThreshold: 3.0,
		Window:        time.Minute,
		CriticalQuota: 5,
		DegradedQuota: 2,
		QuietPeriod:   30 * time.Second,
		MinConfidence: 0.2,
	}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time               { return c.t }
func (c *fakeClock) advance(d time.Duration)      { c.t = c.t.Add(d) }
func score(v, conf float64) models.AnomalyScore {
	return models.AnomalyScore{SourceID: "latency", Score: v, Confidence: conf}
}

func TestHardCeilingEscalatesImmediately(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	a := New(testConfig(), WithClock(clk.now))

	got := a.Update([]models.AnomalyScore{score(7.5, 1)})
	assert.Equal(t, models.HealthCritical, got)
}

func TestQuotaEscalation(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	a := New(testConfig(), WithClock(clk.now))

	// three soft hits: above degraded quota, below critical
	for i := 0; i < 3; i++ {
		clk.advance(time.Second)
		a.Update([]models.AnomalyScore{score(3.5, 1)})
	}
	got, _ := a.State()
	assert.Equal(t, models.HealthDegraded, got)

	for i := 0; i < 3; i++ {
		clk.advance(time.Second)
		a.Update([]models.AnomalyScore{score(3.5, 1)})
	}
	got, _ = a.State()
	assert.Equal(t, models.HealthCritical, got)
}

func TestLowConfidenceNeverEscalates(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	a := New(testConfig(), WithClock(clk.now))

	for i := 0; i < 20; i++ {
		clk.advance(time.Second)
		a.Update([]models.AnomalyScore{score(100, 0.05)})
	}
	got, _ := a.State()
	assert.Equal(t, models.HealthNormal, got)
}

func TestDeEscalationRequiresQuietPeriod(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	a := New(testConfig(), WithClock(clk.now))

	a.Update([]models.AnomalyScore{score(7.5, 1)})
	got, _ := a.State()
	assert.Equal(t, models.HealthCritical, got)

	// clean scores, but quiet period not elapsed yet
	clk.advance(10 * time.Second)
	got = a.Update([]models.AnomalyScore{score(0.1, 1)})
	assert.Equal(t, models.HealthCritical, got, "held during quiet period")

	// window drains the ceiling hit, quiet period elapses
	clk.advance(70 * time.Second)
	got = a.Update([]models.AnomalyScore{score(0.1, 1)})
	assert.Equal(t, models.HealthNormal, got)
}

func TestDirtyScoreResetsQuietPeriod(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	a := New(testConfig(), WithClock(clk.now))

	a.Update([]models.AnomalyScore{score(7.5, 1)})

	// near-threshold oscillation keeps resetting the quiet period
	for i := 0; i < 6; i++ {
		clk.advance(25 * time.Second)
		a.Update([]models.AnomalyScore{score(3.2, 1)})
	}
	got, _ := a.State()
	assert.Equal(t, models.HealthCritical, got, "no flapping near the threshold")
}

func TestNoTwoDeEscalationsWithinQuietPeriod(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	a := New(testConfig(), WithClock(clk.now))

	a.Update([]models.AnomalyScore{score(7.5, 1)})
	var deescalations []time.Time
	prev, _ := a.State()
	for i := 0; i < 300; i++ {
		clk.advance(time.Second)
		cur := a.Update([]models.AnomalyScore{score(0.1, 1)})
		if cur.Severity() < prev.Severity() {
			deescalations = append(deescalations, clk.t)
		}
		prev = cur
	}
	for i := 1; i < len(deescalations); i++ {
		gap := deescalations[i].Sub(deescalations[i-1])
		assert.GreaterOrEqual(t, gap, testConfig().QuietPeriod)
	}
}

func TestRestoredStateHoldsUntilRuleFires(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	a := New(testConfig(),
		WithClock(clk.now),
		WithInitialState(models.HealthDegraded, clk.t.Add(-10*time.Second)))

	got, _ := a.State()
	assert.Equal(t, models.HealthDegraded, got)

	clk.advance(40 * time.Second)
	got = a.Update([]models.AnomalyScore{score(0.1, 1)})
	assert.Equal(t, models.HealthNormal, got)
}
