package models

import "time"

// RiskLimits bound what the execution side may do in a given mode.
type RiskLimits struct {
	MaxPositionUSD  float64 `json:"max_position_usd" yaml:"max_position_usd"`
	MaxOrderUSD     float64 `json:"max_order_usd" yaml:"max_order_usd"`
	MaxDailyLossUSD float64 `json:"max_daily_loss_usd" yaml:"max_daily_loss_usd"`
}

// Scale returns a copy with every limit multiplied by factor.
func (r RiskLimits) Scale(factor float64) RiskLimits {
	return RiskLimits{
		MaxPositionUSD:  r.MaxPositionUSD * factor,
		MaxOrderUSD:     r.MaxOrderUSD * factor,
		MaxDailyLossUSD: r.MaxDailyLossUSD * factor,
	}
}

// Policy is versioned control configuration. A Policy value is immutable once
// published; swaps are whole-value and atomic with respect to transition commits.
type Policy struct {
	Version    int        `json:"version"`
	RiskLimits RiskLimits `json:"risk_limits"`
	// ThrottleFactor scales RiskLimits down when entering THROTTLED.
	ThrottleFactor float64 `json:"throttle_factor"`
	// ResumeFactor scales RiskLimits for the staged resume in RECOVERING.
	ResumeFactor float64       `json:"resume_factor"`
	Cooldown     time.Duration `json:"cooldown"`
	// RecoveryWindow is the sustained-NORMAL period required to leave HALTED.
	RecoveryWindow time.Duration `json:"recovery_window"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ModelHandle references an externally managed scoring model version. The
// adaptation controller holds at most one active handle plus an optional
// candidate during rollback evaluation.
type ModelHandle struct {
	ID          string    `json:"id"`
	Version     string    `json:"version"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
}

// Zero reports whether the handle is unset.
func (m ModelHandle) Zero() bool { return m.ID == "" }
