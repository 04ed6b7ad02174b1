package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockintel/analysis-cli/internal/model"
)

func allActions() map[string]bool {
	out := make(map[string]bool)
	for _, cat := range actionCatalog() {
		out[cat] = true
	}
	return out
}

func TestParseCleaningPlan(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr string
	}{
		{
			name: "valid",
			text: `{"actions": [{"id": "a1", "name": "Trim", "category": "trim_whitespace", "fields": ["sku"], "snippet": "strip", "enabled": true}], "script": "clean(rows)", "summary": {"row_count": 10, "estimated_changes": 3}}`,
		},
		{
			name:    "unknown category",
			text:    `{"actions": [{"id": "a1", "name": "X", "category": "invent_rows", "enabled": true}], "script": "s", "summary": {}}`,
			wantErr: "unknown cleaning action category",
		},
		{
			name:    "duplicate action ids",
			text:    `{"actions": [{"id": "a1", "name": "X", "category": "trim_whitespace", "enabled": true}, {"id": "a1", "name": "Y", "category": "coerce_numbers", "enabled": true}], "script": "s", "summary": {}}`,
			wantErr: "duplicate cleaning action id",
		},
		{
			name:    "no actions",
			text:    `{"actions": [], "script": "s", "summary": {}}`,
			wantErr: "no actions",
		},
		{
			name:    "empty script",
			text:    `{"actions": [{"id": "a1", "name": "X", "category": "trim_whitespace", "enabled": true}], "script": " ", "summary": {}}`,
			wantErr: "no script",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := parseCleaningPlan(tt.text)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.False(t, plan.GeneratedAt.IsZero())
			assert.Equal(t, "clean(rows)", plan.Script)
		})
	}
}

func TestTransformRows_DuplicateTargetPrecedence(t *testing.T) {
	// Qty and Quantity both map to quantity. Qty sorts first, so its value
	// wins; the losing value is preserved under attributes.
	ds := &Dataset{
		Columns: []string{"Qty", "Quantity", "SKU"},
		Rows: []map[string]string{
			{"SKU": "A-1", "Qty": "2", "Quantity": "999"},
			{"SKU": "A-2", "Qty": "", "Quantity": "5"},
		},
	}
	mapping := map[string]string{"SKU": "sku", "Qty": "quantity", "Quantity": "quantity"}

	entries, report := transformRows(ds, mapping, allActions(), "a1", "t1")
	require.Len(t, entries, 2)

	require.NotNil(t, entries[0].Quantity)
	assert.Equal(t, 2.0, *entries[0].Quantity)
	assert.Equal(t, "999", entries[0].Attributes["Quantity"])

	// When the first candidate is empty the next non-empty one wins.
	require.NotNil(t, entries[1].Quantity)
	assert.Equal(t, 5.0, *entries[1].Quantity)
	assert.NotContains(t, entries[1].Attributes, "Qty")

	assert.Equal(t, 2, report.RowsProcessed)
}

func TestTransformRows_Completeness(t *testing.T) {
	// Every source value must survive in the union of fixed fields and
	// attributes, including unmapped columns and failed coercions.
	ds := &Dataset{
		Columns: []string{"Bin", "Cost", "Qty", "SKU"},
		Rows: []map[string]string{
			{"SKU": "A-1", "Qty": "not-a-number", "Cost": "$1,250.50", "Bin": "B-7"},
		},
	}
	mapping := map[string]string{"SKU": "sku", "Qty": "quantity", "Cost": "unit_cost"}

	entries, report := transformRows(ds, mapping, allActions(), "a1", "t1")
	require.Len(t, entries, 1)
	e := entries[0]

	assert.Equal(t, "A-1", e.SKU)
	require.NotNil(t, e.UnitCost)
	assert.Equal(t, 1250.50, *e.UnitCost)
	// Uncoercible quantity stays raw in attributes instead of vanishing.
	assert.Nil(t, e.Quantity)
	assert.Equal(t, "not-a-number", e.Attributes["Qty"])
	// Unmapped column preserved verbatim.
	assert.Equal(t, "B-7", e.Attributes["Bin"])
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0], "quantity")
}

func TestTransformRows_DeriveTotalValueAndDates(t *testing.T) {
	ds := &Dataset{
		Columns: []string{"Cost", "Moved", "Qty", "SKU"},
		Rows: []map[string]string{
			{"SKU": "A-1", "Qty": "4", "Cost": "2.5", "Moved": "01/15/2024"},
		},
	}
	mapping := map[string]string{
		"SKU": "sku", "Qty": "quantity", "Cost": "unit_cost", "Moved": "last_movement",
	}

	entries, _ := transformRows(ds, mapping, allActions(), "a1", "t1")
	require.Len(t, entries, 1)
	e := entries[0]

	require.NotNil(t, e.TotalValue)
	assert.Equal(t, 10.0, *e.TotalValue)
	require.NotNil(t, e.LastMovement)
	assert.Equal(t, "2024-01-15", e.LastMovement.Format(model.DateLayout))
	assert.Equal(t, time.UTC, e.LastMovement.Location())
}

func TestTransformRows_DisabledActions(t *testing.T) {
	ds := &Dataset{
		Columns: []string{"Moved", "Qty", "SKU"},
		Rows: []map[string]string{
			{"SKU": " A-1 ", "Qty": "$1,000", "Moved": "01/15/2024"},
		},
	}
	mapping := map[string]string{"SKU": "sku", "Qty": "quantity", "Moved": "last_movement"}

	// Nothing enabled: lenient coercion and date normalization are off, so
	// both values fall back to attributes and the SKU keeps its spaces.
	entries, _ := transformRows(ds, mapping, map[string]bool{}, "a1", "t1")
	require.Len(t, entries, 1)
	e := entries[0]

	assert.Equal(t, " A-1 ", e.SKU)
	assert.Nil(t, e.Quantity)
	assert.Equal(t, "$1,000", e.Attributes["Qty"])
	assert.Nil(t, e.LastMovement)
	assert.Equal(t, "01/15/2024", e.Attributes["Moved"])
}

func TestTransformRows_DropEmptyAndDeduplicate(t *testing.T) {
	ds := &Dataset{
		Columns: []string{"Qty", "SKU"},
		Rows: []map[string]string{
			{"SKU": "A-1", "Qty": "1"},
			{"SKU": "", "Qty": ""},
			{"SKU": "A-1", "Qty": "7"},
			{"SKU": "A-2", "Qty": "3"},
		},
	}
	mapping := map[string]string{"SKU": "sku", "Qty": "quantity"}

	entries, report := transformRows(ds, mapping, allActions(), "a1", "t1")
	require.Len(t, entries, 2)
	assert.Equal(t, "A-1", entries[0].SKU)
	assert.Equal(t, "A-2", entries[1].SKU)
	assert.Equal(t, 2, report.RowsDropped)
	assert.Equal(t, 4, report.RowsProcessed)
}

func TestRegenerateScript_PassesTogglesAsContext(t *testing.T) {
	p, _, ai, _ := newTestPipeline(t)
	ai.queue(map[string]string{"script": "clean_enabled_only(rows)"})

	plan := &model.CleaningPlan{
		Actions: []model.CleaningAction{
			{ID: "trim", Name: "Trim whitespace", Category: model.ActionTrimWhitespace, Enabled: true},
			{ID: "dedupe", Name: "Deduplicate SKUs", Category: model.ActionDeduplicateSKU, Enabled: false},
		},
		Script: "old(rows)",
	}

	script, err := p.regenerateScript(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, "clean_enabled_only(rows)", script)

	req := ai.lastRequest()
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.0, *req.Temperature)
	assert.Contains(t, req.Messages[0].Content, "Trim whitespace")
	// Disabled actions are explicitly OFF context, not omitted.
	assert.Contains(t, req.Messages[0].Content, "Deduplicate SKUs")
	assert.Contains(t, req.Messages[0].Content, "explicitly OFF")
}
