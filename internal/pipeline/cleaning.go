package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/stockintel/analysis-cli/internal/model"
	"github.com/stockintel/analysis-cli/pkg/anthropic"
)

const cleaningSystemText = "You are a data engineer preparing an inventory dataset for analysis. Return valid JSON matching the requested shape. Only propose cleaning actions from the allowed catalog."

const cleaningPlanPrompt = `Propose a cleaning plan for an inventory dataset before it is normalized into the fixed schema.

Confirmed column mapping (source column -> target field):
%s

Row count: %d

Sample rows:
%s

Allowed action categories: %s

Return a valid JSON object:
{"actions": [{"id": "<stable id>", "name": "<short name>", "category": "<catalog category>", "fields": ["<affected field>"], "snippet": "<one-line description of the transformation>", "enabled": true}], "script": "<transformation script implementing all actions>", "summary": {"row_count": %d, "estimated_changes": <int>, "warnings": ["<optional warning>"]}}

Every action must use a category from the allowed catalog. Dates are normalized to YYYY-MM-DD with no timezone. total_value is derived as quantity * unit_cost when absent.`

const cleaningScriptPrompt = `Regenerate the transformation script for an approved cleaning plan. The user has toggled individual actions; the script must implement exactly the enabled set.

Enabled actions:
%s

Disabled actions (explicitly OFF, do not apply):
%s

Return a valid JSON object:
{"script": "<transformation script implementing only the enabled actions>"}`

// maxReportIssues bounds the issue list recorded in the cleaning report.
const maxReportIssues = 50

// dateLayouts are the accepted input formats when date normalization is
// enabled. Output is always model.DateLayout.
var dateLayouts = []string{
	model.DateLayout,
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"02-01-2006",
	"02-Jan-2006",
	"Jan 2, 2006",
	"January 2, 2006",
}

type cleaningPlanResponse struct {
	Actions []model.CleaningAction `json:"actions"`
	Script  string                 `json:"script"`
	Summary model.CleaningSummary  `json:"summary"`
}

// preparePlan asks the model for a reviewable cleaning plan. No data is
// mutated; re-invoking regenerates and replaces the plan.
func (p *Pipeline) preparePlan(ctx context.Context, ds *Dataset, mapping map[string]string) (*model.CleaningPlan, error) {
	sample, err := json.Marshal(ds.Sample)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: marshal sample")
	}

	req := anthropic.MessageRequest{
		Model:     p.cfg.Anthropic.Model,
		MaxTokens: p.cfg.Anthropic.MaxTokens,
		System:    anthropic.BuildCachedSystemBlocks(cleaningSystemText),
		Messages: []anthropic.Message{{
			Role: "user",
			Content: fmt.Sprintf(cleaningPlanPrompt,
				describeMapping(mapping),
				len(ds.Rows),
				string(sample),
				strings.Join(actionCatalog(), ", "),
				len(ds.Rows),
			),
		}},
	}
	req.Deterministic()

	resp, err := p.ai.CreateMessage(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: cleaning plan call")
	}
	resp.Usage.LogCost(req.Model, "cleaning_plan")

	return parseCleaningPlan(resp.Text())
}

// parseCleaningPlan fail-closed parses a plan response. Actions outside the
// closed catalog or with duplicate IDs reject the whole plan.
func parseCleaningPlan(text string) (*model.CleaningPlan, error) {
	var wire cleaningPlanResponse
	if err := decodeStrict(text, &wire); err != nil {
		return nil, err
	}
	if len(wire.Actions) == 0 {
		return nil, eris.New("pipeline: cleaning plan has no actions")
	}
	if strings.TrimSpace(wire.Script) == "" {
		return nil, eris.New("pipeline: cleaning plan has no script")
	}

	seen := make(map[string]bool, len(wire.Actions))
	for _, a := range wire.Actions {
		if a.ID == "" {
			return nil, eris.New("pipeline: cleaning action missing id")
		}
		if seen[a.ID] {
			return nil, eris.Errorf("pipeline: duplicate cleaning action id %q", a.ID)
		}
		seen[a.ID] = true
		if !model.KnownAction(a.Category) {
			return nil, eris.Errorf("pipeline: unknown cleaning action category %q", a.Category)
		}
	}

	return &model.CleaningPlan{
		Actions:     wire.Actions,
		Script:      wire.Script,
		Summary:     wire.Summary,
		GeneratedAt: time.Now().UTC(),
	}, nil
}

// regenerateScript re-runs script generation with the user's toggles applied:
// enabled actions are described as active, disabled ones as explicitly OFF,
// so the stored script matches what the user approved.
func (p *Pipeline) regenerateScript(ctx context.Context, plan *model.CleaningPlan) (string, error) {
	var enabled, disabled []string
	for _, a := range plan.Actions {
		desc := fmt.Sprintf("- %s (%s): %s", a.Name, a.Category, a.Snippet)
		if a.Enabled {
			enabled = append(enabled, desc)
		} else {
			disabled = append(disabled, desc)
		}
	}
	if len(enabled) == 0 {
		enabled = []string{"(none)"}
	}
	if len(disabled) == 0 {
		disabled = []string{"(none)"}
	}

	req := anthropic.MessageRequest{
		Model:     p.cfg.Anthropic.Model,
		MaxTokens: p.cfg.Anthropic.MaxTokens,
		System:    anthropic.BuildCachedSystemBlocks(cleaningSystemText),
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: fmt.Sprintf(cleaningScriptPrompt, strings.Join(enabled, "\n"), strings.Join(disabled, "\n")),
		}},
	}
	req.Deterministic()

	resp, err := p.ai.CreateMessage(ctx, req)
	if err != nil {
		return "", eris.Wrap(err, "pipeline: cleaning script call")
	}
	resp.Usage.LogCost(req.Model, "cleaning_script")

	var wire struct {
		Script string `json:"script"`
	}
	if err := decodeStrict(resp.Text(), &wire); err != nil {
		return "", err
	}
	if strings.TrimSpace(wire.Script) == "" {
		return "", eris.New("pipeline: regenerated cleaning script is empty")
	}
	return wire.Script, nil
}

// transformRows applies the enabled cleaning actions to the aggregated raw
// rows and produces normalized stock entries. Every source value that cannot
// be represented in its typed target field, and every value that loses the
// duplicate-target precedence, is preserved raw under attributes so no
// information is silently dropped.
func transformRows(ds *Dataset, mapping map[string]string, enabled map[string]bool, analysisID, tenantID string) ([]model.StockEntry, model.CleaningReport) {
	report := model.CleaningReport{RowsProcessed: len(ds.Rows)}
	for _, cat := range actionCatalog() {
		if enabled[cat] {
			report.Transformations = append(report.Transformations, cat)
		}
	}

	// Candidate source columns per target, lexicographic. When several
	// columns map to the same target, the first with a non-empty value wins.
	targetSources := make(map[string][]string)
	for source, target := range mapping {
		targetSources[target] = append(targetSources[target], source)
	}
	for _, sources := range targetSources {
		sort.Strings(sources)
	}

	addIssue := func(format string, args ...any) {
		if len(report.Issues) < maxReportIssues {
			report.Issues = append(report.Issues, fmt.Sprintf(format, args...))
		}
	}

	var entries []model.StockEntry
	for i, row := range ds.Rows {
		entry := model.StockEntry{
			AnalysisID: analysisID,
			TenantID:   tenantID,
			Attributes: make(map[string]string),
		}
		changed := false

		// Unmapped columns go to attributes verbatim.
		for col, val := range row {
			if _, mapped := mapping[col]; !mapped && val != "" {
				entry.Attributes[col] = val
			}
		}

		allEmpty := true
		for _, val := range row {
			if strings.TrimSpace(val) != "" {
				allEmpty = false
				break
			}
		}
		if allEmpty {
			if enabled[model.ActionDropEmptyRows] {
				report.RowsDropped++
				continue
			}
			entries = append(entries, entry)
			continue
		}

		for target, sources := range targetSources {
			winner := ""
			raw := ""
			for _, source := range sources {
				val, ok := row[source]
				if !ok {
					continue
				}
				cleaned := val
				if enabled[model.ActionTrimWhitespace] {
					cleaned = strings.TrimSpace(cleaned)
					if cleaned != val {
						changed = true
					}
				}
				if cleaned == "" {
					continue
				}
				if winner == "" {
					winner = source
					raw = cleaned
				} else {
					// Losing duplicate-target value, preserved raw.
					entry.Attributes[source] = val
				}
			}
			if winner == "" {
				continue
			}
			if !setEntryField(&entry, target, raw, enabled) {
				addIssue("row %d: could not coerce %q=%q into %s", i+1, winner, raw, target)
				entry.Attributes[winner] = row[winner]
			} else if target != "sku" && targetFieldType(target) != model.FieldString {
				changed = true
			}
		}

		if enabled[model.ActionDeriveTotalValue] && entry.TotalValue == nil &&
			entry.Quantity != nil && entry.UnitCost != nil {
			total := *entry.Quantity * *entry.UnitCost
			entry.TotalValue = &total
			changed = true
		}

		if changed {
			report.RowsCleaned++
		}
		entries = append(entries, entry)
	}

	if enabled[model.ActionDeduplicateSKU] {
		seen := make(map[string]bool, len(entries))
		deduped := entries[:0]
		for _, e := range entries {
			if e.SKU != "" && seen[e.SKU] {
				report.RowsDropped++
				continue
			}
			seen[e.SKU] = true
			deduped = append(deduped, e)
		}
		entries = deduped
	}

	return entries, report
}

// setEntryField coerces a raw string into the typed target field. Returns
// false when the value cannot be represented, leaving the field unset.
func setEntryField(entry *model.StockEntry, target, raw string, enabled map[string]bool) bool {
	switch target {
	case "sku":
		entry.SKU = raw
	case "name":
		entry.Name = raw
	case "location":
		entry.Location = raw
	case "category":
		entry.Category = raw
	case "supplier":
		entry.Supplier = raw
	case "quantity":
		v, ok := parseNumber(raw, enabled[model.ActionCoerceNumbers])
		if !ok {
			return false
		}
		entry.Quantity = v
	case "unit_cost":
		v, ok := parseNumber(raw, enabled[model.ActionCoerceNumbers])
		if !ok {
			return false
		}
		entry.UnitCost = v
	case "total_value":
		v, ok := parseNumber(raw, enabled[model.ActionCoerceNumbers])
		if !ok {
			return false
		}
		entry.TotalValue = v
	case "days_since_movement":
		v, ok := parseNumber(raw, enabled[model.ActionCoerceNumbers])
		if !ok {
			return false
		}
		days := int(*v)
		entry.DaysSinceMovement = &days
	case "last_movement":
		t, ok := parseDate(raw, enabled[model.ActionNormalizeDates])
		if !ok {
			return false
		}
		entry.LastMovement = t
	default:
		return false
	}
	return true
}

// parseNumber parses a numeric value. With lenient coercion enabled it
// strips currency symbols, thousands separators, and surrounding whitespace.
func parseNumber(raw string, lenient bool) (*float64, bool) {
	s := raw
	if lenient {
		s = strings.TrimSpace(s)
		s = strings.TrimPrefix(s, "$")
		s = strings.TrimPrefix(s, "€")
		s = strings.TrimPrefix(s, "£")
		s = strings.ReplaceAll(s, ",", "")
		s = strings.TrimSpace(s)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, false
	}
	return &v, true
}

// parseDate parses a date and normalizes it to a timezone-free day. Without
// lenient normalization only the canonical layout is accepted.
func parseDate(raw string, lenient bool) (*time.Time, bool) {
	layouts := dateLayouts
	if !lenient {
		layouts = dateLayouts[:1]
	}
	s := strings.TrimSpace(raw)
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &day, true
		}
	}
	return nil, false
}

func targetFieldType(code string) model.FieldType {
	f, ok := model.Schema().Field(code)
	if !ok {
		return model.FieldString
	}
	return f.Type
}

func actionCatalog() []string {
	return []string{
		model.ActionTrimWhitespace,
		model.ActionNormalizeDates,
		model.ActionCoerceNumbers,
		model.ActionDeriveTotalValue,
		model.ActionDropEmptyRows,
		model.ActionDeduplicateSKU,
	}
}

func describeMapping(mapping map[string]string) string {
	sources := make([]string, 0, len(mapping))
	for source := range mapping {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	var b strings.Builder
	for _, source := range sources {
		fmt.Fprintf(&b, "- %s -> %s\n", source, mapping[source])
	}
	if b.Len() == 0 {
		return "(no columns mapped)"
	}
	return b.String()
}
