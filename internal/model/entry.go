package model

import "time"

// DateLayout is the single calendar format used for every date handed to the
// analysis subprocess. No timezone offset, by contract.
const DateLayout = "2006-01-02"

// StockEntry is one cleaned, schema-conformant record derived from the raw
// source rows. Entries are created in bulk by the cleaning executor and
// replaced wholesale on re-runs; they are never partially updated.
type StockEntry struct {
	ID                int64             `json:"id"`
	AnalysisID        string            `json:"analysis_id"`
	TenantID          string            `json:"tenant_id"`
	SKU               string            `json:"sku"`
	Name              string            `json:"name,omitempty"`
	Quantity          *float64          `json:"quantity,omitempty"`
	UnitCost          *float64          `json:"unit_cost,omitempty"`
	TotalValue        *float64          `json:"total_value,omitempty"`
	Location          string            `json:"location,omitempty"`
	Category          string            `json:"category,omitempty"`
	Supplier          string            `json:"supplier,omitempty"`
	LastMovement      *time.Time        `json:"last_movement,omitempty"`
	DaysSinceMovement *int              `json:"days_since_movement,omitempty"`
	Attributes        map[string]string `json:"attributes,omitempty"`
}

// Record flattens the entry into the wire shape streamed to the analysis
// subprocess: one JSON object per row, dates rendered timezone-free.
func (e *StockEntry) Record() map[string]any {
	rec := map[string]any{
		"sku": e.SKU,
	}
	if e.Name != "" {
		rec["name"] = e.Name
	}
	if e.Quantity != nil {
		rec["quantity"] = *e.Quantity
	}
	if e.UnitCost != nil {
		rec["unit_cost"] = *e.UnitCost
	}
	if e.TotalValue != nil {
		rec["total_value"] = *e.TotalValue
	}
	if e.Location != "" {
		rec["location"] = e.Location
	}
	if e.Category != "" {
		rec["category"] = e.Category
	}
	if e.Supplier != "" {
		rec["supplier"] = e.Supplier
	}
	if e.LastMovement != nil {
		rec["last_movement"] = e.LastMovement.Format(DateLayout)
	}
	if e.DaysSinceMovement != nil {
		rec["days_since_movement"] = *e.DaysSinceMovement
	}
	for k, v := range e.Attributes {
		// Attributes never shadow fixed fields.
		if _, clash := rec[k]; clash {
			continue
		}
		rec[k] = v
	}
	return rec
}
