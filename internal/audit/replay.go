package audit

import (
	"TradeGuard/internal/domain/models"
)

// Replay folds audit entries in append order into the final control state.
// Entries are deduplicated by ID, so replaying a log that contains retransmits
// is idempotent and always deterministic.
func Replay(entries []*models.AuditEntry) models.ControlState {
	state := models.ControlState{
		Health: models.HealthNormal,
		Mode:   models.ModeActive,
	}
	seen := make(map[string]struct{}, len(entries))

	for _, e := range entries {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}

		switch e.Kind {
		case models.AuditHealthChange:
			state.Health = e.Health
			state.StableSince = e.At
		case models.AuditTransition, models.AuditOverride:
			state.Mode = e.Mode
			state.UpdatedAt = e.At
			switch {
			case e.Mode != models.ModeActive:
				state.OpenIncident = e.IncidentID
			default:
				state.OpenIncident = ""
			}
		}
	}
	return state
}
