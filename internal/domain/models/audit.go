package models

import "time"

// AuditKind classifies audit log entries.
type AuditKind string

const (
	AuditScore         AuditKind = "anomaly_score"
	AuditHealthChange  AuditKind = "health_change"
	AuditTransition    AuditKind = "mode_transition"
	AuditHealingAction AuditKind = "healing_action"
	AuditOverride      AuditKind = "operator_override"
	AuditVeto          AuditKind = "transition_veto"
	AuditModelEvent    AuditKind = "model_event"
	AuditSnapshot      AuditKind = "state_snapshot"
)

// AuditEntry is one append-only audit record. Entries are written ahead of the
// state mutation they describe, so replaying them in order reconstructs the
// exact state history.
type AuditEntry struct {
	ID         string      `json:"id"`
	Kind       AuditKind   `json:"kind"`
	At         time.Time   `json:"at"`
	SourceID   string      `json:"source_id,omitempty"`
	Score      float64     `json:"score,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
	Health     HealthState `json:"health,omitempty"`
	PrevHealth HealthState `json:"prev_health,omitempty"`
	Mode       TradingMode `json:"mode,omitempty"`
	PrevMode   TradingMode `json:"prev_mode,omitempty"`
	IncidentID string      `json:"incident_id,omitempty"`
	Action     string      `json:"action,omitempty"`
	Outcome    string      `json:"outcome,omitempty"`
	Detail     string      `json:"detail,omitempty"`
}
