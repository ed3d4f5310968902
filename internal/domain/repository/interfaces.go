package repository

import (
	"context"
	"time"

	"TradeGuard/internal/domain/models"
)

// SampleStream is a live push feed of metric samples (websocket or similar).
type SampleStream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context) error
	Read(ctx context.Context) (<-chan *models.MetricSample, <-chan error)
	Reconnect(ctx context.Context) error
	Close() error
	IsConnected() bool
}

// AuditSink is the append-only audit log backend. Append must complete before
// the state mutation it describes is considered committed.
type AuditSink interface {
	Append(ctx context.Context, e *models.AuditEntry) error
	AppendBatch(ctx context.Context, entries []*models.AuditEntry) error
	// Entries returns entries in append order, oldest first.
	Entries(ctx context.Context, from, to time.Time, limit int) ([]*models.AuditEntry, error)
	Close() error
}

// StateStore persists the control snapshot and incident history across restarts.
type StateStore interface {
	SaveState(ctx context.Context, s *models.ControlState) error
	LoadState(ctx context.Context) (*models.ControlState, error)
	SaveIncident(ctx context.Context, inc *models.Incident) error
	LoadIncident(ctx context.Context, id string) (*models.Incident, error)
	ListIncidents(ctx context.Context, limit int) ([]*models.Incident, error)
	Close() error
}

// Deduper filters duplicate samples under at-least-once delivery. Seen returns
// true the first time a key is offered within the dedup window.
type Deduper interface {
	Seen(ctx context.Context, key string) (first bool, err error)
}

// ModelRegistry is the external model-scoring registry. Every call may fail or
// time out; callers must tolerate all four failure cases.
type ModelRegistry interface {
	GetActive(ctx context.Context) (models.ModelHandle, error)
	ProposeCandidate(ctx context.Context, criteria map[string]string) (models.ModelHandle, error)
	Promote(ctx context.Context, h models.ModelHandle) error
	Rollback(ctx context.Context) error
}

// ExecutionControl is the external order-execution control surface. The
// receiving side is assumed idempotent under at-least-once delivery.
type ExecutionControl interface {
	Halt(ctx context.Context) error
	Resume(ctx context.Context, limits models.RiskLimits) error
}

// Metrics records operational measurements for the control loop.
type Metrics interface {
	RecordScore(sourceID string, score float64)
	RecordHealth(h models.HealthState)
	RecordTransition(from, to models.TradingMode)
	RecordAction(kind, outcome string)
	RecordError(kind string)
	RecordLatency(op string, d time.Duration)
}
