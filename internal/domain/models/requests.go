package models

// Requests for control-plane HTTP endpoints. Defined in domain for consistency and reuse.

type SampleIn struct {
	SourceID  string            `json:"source_id" validate:"required"`
	Timestamp int64             `json:"timestamp" validate:"required"` // unix ms or s
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
}

type IngestRequest struct {
	Samples []SampleIn `json:"samples" validate:"required,min=1,max=5000,dive"`
}

type IngestResponse struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
}

type OverrideRequest struct {
	Action string `json:"action" validate:"required,oneof=halt clear"`
	Reason string `json:"reason" default:"operator request" validate:"max=512"`
}

type IncidentListRequest struct {
	Limit int `query:"limit" json:"limit" default:"50" validate:"gte=1,lte=500"`
}

// StatusResponse is the read surface over the control state.
type StatusResponse struct {
	Health        HealthState   `json:"health"`
	Mode          TradingMode   `json:"mode"`
	PolicyVersion int           `json:"policy_version"`
	OpenIncident  *Incident     `json:"open_incident,omitempty"`
	ActiveModel   ModelHandle   `json:"active_model"`
	Sources       []SourceStats `json:"sources,omitempty"`
}
