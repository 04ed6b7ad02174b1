package model

import "time"

// Cleaning action categories form a closed catalog. A plan proposing an
// action outside the catalog is rejected at parse time.
const (
	ActionTrimWhitespace   = "trim_whitespace"
	ActionNormalizeDates   = "normalize_dates"
	ActionCoerceNumbers    = "coerce_numbers"
	ActionDeriveTotalValue = "derive_total_value"
	ActionDropEmptyRows    = "drop_empty_rows"
	ActionDeduplicateSKU   = "deduplicate_sku"
)

// KnownAction reports whether category is part of the cleaning catalog.
func KnownAction(category string) bool {
	switch category {
	case ActionTrimWhitespace, ActionNormalizeDates, ActionCoerceNumbers,
		ActionDeriveTotalValue, ActionDropEmptyRows, ActionDeduplicateSKU:
		return true
	}
	return false
}

// CleaningAction is one named, toggleable transformation in a cleaning plan.
type CleaningAction struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Category string   `json:"category"`
	Fields   []string `json:"fields,omitempty"`
	Snippet  string   `json:"snippet,omitempty"`
	Enabled  bool     `json:"enabled"`
}

// CleaningSummary describes the expected effect of a plan before execution.
type CleaningSummary struct {
	RowCount         int      `json:"row_count"`
	EstimatedChanges int      `json:"estimated_changes"`
	Warnings         []string `json:"warnings,omitempty"`
}

// CleaningPlan is the reviewable document produced by the cleaning planner.
// It lives inside Analysis.Metadata under the cleaning namespace and is
// superseded each time it is regenerated.
type CleaningPlan struct {
	Actions     []CleaningAction `json:"actions"`
	Script      string           `json:"script"`
	Summary     CleaningSummary  `json:"summary"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// Action returns the plan action with the given ID, or nil.
func (p *CleaningPlan) Action(id string) *CleaningAction {
	for i := range p.Actions {
		if p.Actions[i].ID == id {
			return &p.Actions[i]
		}
	}
	return nil
}

// ApplyToggles overrides the enabled flag of plan actions from a user-edited
// toggle set. Unknown toggle IDs are ignored.
func (p *CleaningPlan) ApplyToggles(toggles map[string]bool) {
	for id, enabled := range toggles {
		if a := p.Action(id); a != nil {
			a.Enabled = enabled
		}
	}
}

// EnabledCategories returns the categories of all enabled actions.
func (p *CleaningPlan) EnabledCategories() map[string]bool {
	out := make(map[string]bool, len(p.Actions))
	for _, a := range p.Actions {
		if a.Enabled {
			out[a.Category] = true
		}
	}
	return out
}

// CleaningReport records what the executor actually did.
type CleaningReport struct {
	RowsProcessed   int      `json:"rows_processed"`
	RowsCleaned     int      `json:"rows_cleaned"`
	RowsDropped     int      `json:"rows_dropped"`
	Issues          []string `json:"issues,omitempty"`
	Transformations []string `json:"transformations,omitempty"`
}
