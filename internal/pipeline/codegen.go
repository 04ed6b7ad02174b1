package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/stockintel/analysis-cli/internal/model"
	"github.com/stockintel/analysis-cli/pkg/anthropic"
)

const codegenSystemText = "You are a data engineer writing analysis scripts. Return valid JSON matching the requested shape. The script must read one JSON record per line from standard input until input closes, then write exactly one JSON object to standard output and exit."

const codegenPrompt = `Write an analysis script for an inventory dataset.

Script contract (must be preserved exactly):
- Read one JSON record per line from standard input until the stream closes.
- Write exactly one JSON object (the "facts" document) to standard output, then exit 0.
- The facts document holds only aggregates (KPIs, segments, anomalies), never raw row enumerations.

Interpreter: %s

Dataset profile:
- Row count: %d
- Fields: %s

Sample records (at most %d):
%s

Analytical intent:
%s

Return a valid JSON object:
{"script": "<complete script source>", "notes": "<brief notes on what the script computes>"}`

// DatasetProfile is the bounded description sent to code generation. It
// deliberately excludes the full dataset so token cost stays independent of
// row count.
type DatasetProfile struct {
	RowCount int              `json:"row_count"`
	Fields   []string         `json:"fields"`
	Sample   []map[string]any `json:"sample"`
}

// ScriptResult is the parsed codegen output.
type ScriptResult struct {
	Script string `json:"script"`
	Notes  string `json:"notes"`
}

// buildProfile assembles the dataset profile from the stored stock entries.
func (p *Pipeline) buildProfile(ctx context.Context, analysisID string) (*DatasetProfile, error) {
	count, err := p.store.CountStockEntries(ctx, analysisID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: count stock entries")
	}

	entries, err := p.store.ListStockEntriesPage(ctx, analysisID, 0, p.cfg.Pipeline.ProfileSampleRows)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: sample stock entries")
	}

	profile := &DatasetProfile{
		RowCount: count,
		Fields:   model.Schema().Codes(),
	}
	for i := range entries {
		profile.Sample = append(profile.Sample, entries[i].Record())
	}
	return profile, nil
}

// generateScript asks the model for an analysis script in deterministic mode.
func (p *Pipeline) generateScript(ctx context.Context, profile *DatasetProfile, intent string) (*ScriptResult, error) {
	sample, err := json.Marshal(profile.Sample)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: marshal profile sample")
	}

	req := anthropic.MessageRequest{
		Model:     p.cfg.Anthropic.Model,
		MaxTokens: p.cfg.Anthropic.MaxTokens,
		System:    anthropic.BuildCachedSystemBlocks(codegenSystemText),
		Messages: []anthropic.Message{{
			Role: "user",
			Content: fmt.Sprintf(codegenPrompt,
				p.cfg.Pipeline.Interpreter,
				profile.RowCount,
				strings.Join(profile.Fields, ", "),
				p.cfg.Pipeline.ProfileSampleRows,
				string(sample),
				intent,
			),
		}},
	}
	req.Deterministic()

	resp, err := p.ai.CreateMessage(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: codegen call")
	}
	resp.Usage.LogCost(req.Model, "codegen")

	var result ScriptResult
	if err := decodeStrict(resp.Text(), &result); err != nil {
		return nil, err
	}
	if strings.TrimSpace(result.Script) == "" {
		return nil, eris.New("pipeline: generated script is empty")
	}
	return &result, nil
}
