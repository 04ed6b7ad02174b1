package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stockintel/analysis-cli/internal/config"
	"github.com/stockintel/analysis-cli/internal/model"
	"github.com/stockintel/analysis-cli/internal/store"
	"github.com/stockintel/analysis-cli/pkg/anthropic"
)

// mockAI returns queued responses in order and records every request.
type mockAI struct {
	mu        sync.Mutex
	responses []string
	requests  []anthropic.MessageRequest
	err       error
}

func (m *mockAI) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return nil, errors.New("mock: no responses queued")
	}
	text := m.responses[0]
	m.responses = m.responses[1:]
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
	}, nil
}

func (m *mockAI) lastRequest() anthropic.MessageRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

func (m *mockAI) queue(docs ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range docs {
		buf, err := json.Marshal(doc)
		if err != nil {
			panic(err)
		}
		m.responses = append(m.responses, string(buf))
	}
}

func (m *mockAI) queueRaw(texts ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, texts...)
}

func testConfig(dir string) *config.Config {
	return &config.Config{
		Files: config.FilesConfig{BaseDir: dir},
		Anthropic: config.AnthropicConfig{
			Model:          "claude-sonnet-4-5-20250929",
			RecommendModel: "claude-sonnet-4-5-20250929",
			MaxTokens:      4096,
		},
		Pipeline: config.PipelineConfig{
			InsertBatchSize:   1000,
			StreamPageSize:    2,
			ExecTimeoutSecs:   10,
			SampleRowsPerFile: 2,
			ProfileSampleRows: 20,
			Interpreter:       "sh",
		},
	}
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestPipeline(t *testing.T) (*Pipeline, store.Store, *mockAI, string) {
	t.Helper()
	dir := t.TempDir()
	st := newTestStore(t)
	ai := &mockAI{}
	return New(testConfig(dir), st, ai), st, ai, dir
}

func createAnalysis(t *testing.T, st store.Store, status model.AnalysisStatus) *model.Analysis {
	t.Helper()
	a := &model.Analysis{TenantID: "t1", Name: "Q3 stock", Status: status}
	require.NoError(t, st.CreateAnalysis(context.Background(), a))
	return a
}

func writeSourceFile(t *testing.T, st store.Store, dir, analysisID, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	require.NoError(t, st.CreateSourceFile(context.Background(), &model.SourceFile{
		AnalysisID:  analysisID,
		FileName:    name,
		StoragePath: name,
	}))
}

func sampleMappingResponse() map[string]any {
	return map[string]any{
		"mappedColumns": map[string]string{
			"SKU":  "sku",
			"Qty":  "quantity",
			"Cost": "unit_cost",
		},
		"confidence": 0.9,
		"reasoning":  "column names match the schema directly",
	}
}

func samplePlanResponse() map[string]any {
	return map[string]any{
		"actions": []map[string]any{
			{"id": "trim", "name": "Trim whitespace", "category": model.ActionTrimWhitespace, "fields": []string{"sku"}, "snippet": "strip surrounding spaces", "enabled": true},
			{"id": "numbers", "name": "Coerce numbers", "category": model.ActionCoerceNumbers, "fields": []string{"quantity", "unit_cost"}, "snippet": "parse numerics", "enabled": true},
			{"id": "total", "name": "Derive total value", "category": model.ActionDeriveTotalValue, "fields": []string{"total_value"}, "snippet": "quantity * unit_cost", "enabled": true},
		},
		"script":  "normalize(rows)",
		"summary": map[string]any{"row_count": 2, "estimated_changes": 2},
	}
}
