package models

import "time"

// HealthState is the discretized system health level. Owned exclusively by the
// health aggregator; there is no external write path.
type HealthState string

const (
	HealthNormal   HealthState = "NORMAL"
	HealthDegraded HealthState = "DEGRADED"
	HealthCritical HealthState = "CRITICAL"
)

// Severity orders health states for escalation comparison.
func (h HealthState) Severity() int {
	switch h {
	case HealthDegraded:
		return 1
	case HealthCritical:
		return 2
	default:
		return 0
	}
}

// TradingMode is the operating mode of the execution side. Owned exclusively by
// the decision engine; changes only through guarded transitions.
type TradingMode string

const (
	ModeActive     TradingMode = "ACTIVE"
	ModeThrottled  TradingMode = "THROTTLED"
	ModeHalted     TradingMode = "HALTED"
	ModeRecovering TradingMode = "RECOVERING"
)

// Transition records one committed mode change.
type Transition struct {
	From       TradingMode `json:"from"`
	To         TradingMode `json:"to"`
	At         time.Time   `json:"at"`
	Reason     string      `json:"reason"`
	Operator   bool        `json:"operator,omitempty"`
	IncidentID string      `json:"incident_id,omitempty"`
}

// ControlState is the snapshot the engine persists after every commit. On
// restart the engine resumes from the last committed snapshot, not from ACTIVE.
type ControlState struct {
	Health        HealthState `json:"health"`
	Mode          TradingMode `json:"mode"`
	PolicyVersion int         `json:"policy_version"`
	OpenIncident  string      `json:"open_incident,omitempty"`
	// StableSince is when health last entered its current level; cooldown and
	// recovery timers re-arm from it across restarts.
	StableSince time.Time `json:"stable_since"`
	UpdatedAt   time.Time `json:"updated_at"`
}
