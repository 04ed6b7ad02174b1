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

const mapperSystemText = "You are a data analyst mapping spreadsheet columns onto a fixed inventory schema. Return valid JSON matching the requested shape. Only include source columns that clearly correspond to a target field."

const mapperPrompt = `Map the source columns of an inventory dataset onto the fixed target schema.

Target schema fields:
%s

Source columns (sorted):
%s

Sample rows:
%s

File provenance:
%s

Return a valid JSON object:
{"mappedColumns": {"<source column>": "<target field code>"}, "confidence": <0.0-1.0>, "reasoning": "<brief explanation>"}

Only use target field codes from the schema above. Leave out any source column that does not correspond to a target field; unmapped columns are preserved as free-form attributes.`

// MappingResult is the parsed mapper output. Confidence is advisory only;
// the pipeline always holds for human confirmation regardless of its value.
type MappingResult struct {
	MappedColumns map[string]string `json:"mappedColumns"`
	Confidence    float64           `json:"confidence"`
	Reasoning     string            `json:"reasoning"`
}

// proposeMapping asks the model for a column mapping in deterministic mode
// and fail-closed parses the response.
func (p *Pipeline) proposeMapping(ctx context.Context, ds *Dataset, provenance string) (*MappingResult, error) {
	sample, err := json.Marshal(ds.Sample)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: marshal sample")
	}

	req := anthropic.MessageRequest{
		Model:     p.cfg.Anthropic.Model,
		MaxTokens: p.cfg.Anthropic.MaxTokens,
		System:    anthropic.BuildCachedSystemBlocks(mapperSystemText),
		Messages: []anthropic.Message{{
			Role: "user",
			Content: fmt.Sprintf(mapperPrompt,
				describeTargetSchema(),
				strings.Join(ds.Columns, ", "),
				string(sample),
				provenance,
			),
		}},
	}
	req.Deterministic()

	resp, err := p.ai.CreateMessage(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: mapping call")
	}
	resp.Usage.LogCost(req.Model, "mapping")

	return parseMappingResult(resp.Text(), ds.Columns)
}

// parseMappingResult validates the model output against the source columns
// and the target schema. Unknown source columns or target codes reject the
// whole response.
func parseMappingResult(text string, sourceColumns []string) (*MappingResult, error) {
	var result MappingResult
	if err := decodeStrict(text, &result); err != nil {
		return nil, err
	}
	if result.MappedColumns == nil {
		return nil, eris.New("pipeline: mapping response missing mappedColumns")
	}

	known := make(map[string]bool, len(sourceColumns))
	for _, c := range sourceColumns {
		known[c] = true
	}

	schema := model.Schema()
	for source, target := range result.MappedColumns {
		if !known[source] {
			return nil, eris.Errorf("pipeline: mapping references unknown source column %q", source)
		}
		if !schema.Has(target) {
			return nil, eris.Errorf("pipeline: mapping references unknown target field %q", target)
		}
	}

	if result.Confidence < 0 || result.Confidence > 1 {
		return nil, eris.Errorf("pipeline: mapping confidence %v out of range", result.Confidence)
	}

	return &result, nil
}

// describeTargetSchema renders the fixed field list for prompts.
func describeTargetSchema() string {
	var b strings.Builder
	for _, f := range model.Schema().Fields {
		fmt.Fprintf(&b, "- %s (%s, %s)", f.Code, f.Label, f.Type)
		if f.Required {
			b.WriteString(" [required]")
		}
		b.WriteString("\n")
	}
	return b.String()
}
