package models

import "time"

// MetricSample is one timestamped health observation from the trading pipeline.
// Samples are immutable once recorded.
type MetricSample struct {
	SourceID  string            `json:"source_id"`
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Key identifies a sample for at-least-once dedup.
func (s *MetricSample) Key() string {
	return s.SourceID + "@" + s.Timestamp.UTC().Format(time.RFC3339Nano)
}

// AnomalyScore is the detector output for one sample. Derived, never mutated;
// exactly one per (SourceID, sample).
type AnomalyScore struct {
	SourceID   string    `json:"source_id"`
	Timestamp  time.Time `json:"timestamp"`
	Score      float64   `json:"score"`      // >= 0, z-score magnitude
	Confidence float64   `json:"confidence"` // [0,1]
}

// SourceStats is a rolling per-source summary exposed on the status surface.
type SourceStats struct {
	SourceID  string    `json:"source_id"`
	Samples   int64     `json:"samples"`
	Mean      float64   `json:"mean"`
	Variance  float64   `json:"variance"`
	LastScore float64   `json:"last_score"`
	LastSeen  time.Time `json:"last_seen"`
}
