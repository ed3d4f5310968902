package models

import "time"

// Incident is one recorded episode of non-ACTIVE operation, opened when the
// mode leaves ACTIVE and closed when it returns. History is append-only.
type Incident struct {
	ID            string         `json:"id"`
	OpenedAt      time.Time      `json:"opened_at"`
	TriggerScores []AnomalyScore `json:"trigger_scores,omitempty"`
	Transitions   []Transition   `json:"transitions"`
	Notes         []string       `json:"notes,omitempty"`
	ClosedAt      *time.Time     `json:"closed_at,omitempty"`
}

// Open reports whether the incident has not been resolved yet.
func (i *Incident) Open() bool { return i.ClosedAt == nil }

// AddTransition appends a committed transition to the incident record.
func (i *Incident) AddTransition(t Transition) {
	i.Transitions = append(i.Transitions, t)
}

// AddNote appends a free-form note (rollback declined, retry exhausted, ...).
func (i *Incident) AddNote(note string) {
	i.Notes = append(i.Notes, note)
}
