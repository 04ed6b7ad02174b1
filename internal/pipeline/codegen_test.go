package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockintel/analysis-cli/internal/model"
)

func TestBuildProfile_BoundedSample(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)
	a := createAnalysis(t, st, model.StatusReadyForAnalysis)

	entries := make([]model.StockEntry, 30)
	for i := range entries {
		qty := float64(i)
		entries[i] = model.StockEntry{
			AnalysisID: a.ID,
			TenantID:   a.TenantID,
			SKU:        fmt.Sprintf("SKU-%02d", i),
			Quantity:   &qty,
		}
	}
	_, err := st.InsertStockEntries(context.Background(), entries)
	require.NoError(t, err)

	profile, err := p.buildProfile(context.Background(), a.ID)
	require.NoError(t, err)

	assert.Equal(t, 30, profile.RowCount)
	assert.Len(t, profile.Sample, p.cfg.Pipeline.ProfileSampleRows)
	assert.Equal(t, model.Schema().Codes(), profile.Fields)
}

func TestGenerateScript_ParsesAndValidates(t *testing.T) {
	p, _, ai, _ := newTestPipeline(t)
	ai.queue(map[string]string{"script": "summarize(stdin)", "notes": "computes totals"})

	profile := &DatasetProfile{RowCount: 12, Fields: model.Schema().Codes()}
	result, err := p.generateScript(context.Background(), profile, "find dead stock")
	require.NoError(t, err)
	assert.Equal(t, "summarize(stdin)", result.Script)
	assert.Equal(t, "computes totals", result.Notes)

	req := ai.lastRequest()
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.0, *req.Temperature)
	assert.Contains(t, req.Messages[0].Content, "Row count: 12")
	assert.Contains(t, req.Messages[0].Content, "find dead stock")
	// The stream contract is stated verbatim in the prompt.
	assert.Contains(t, req.Messages[0].Content, "one JSON record per line")
	assert.Contains(t, req.Messages[0].Content, "exactly one JSON object")
}

func TestGenerateScript_EmptyScriptRejected(t *testing.T) {
	p, _, ai, _ := newTestPipeline(t)
	ai.queue(map[string]string{"script": "  ", "notes": "nothing"})

	_, err := p.generateScript(context.Background(), &DatasetProfile{}, "intent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}
