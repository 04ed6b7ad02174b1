package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockintel/analysis-cli/internal/model"
	"github.com/stockintel/analysis-cli/internal/store"
)

func insertEntries(t *testing.T, st store.Store, analysisID string, n int) {
	t.Helper()
	entries := make([]model.StockEntry, n)
	for i := range entries {
		qty := float64(i + 1)
		entries[i] = model.StockEntry{
			AnalysisID: analysisID,
			TenantID:   "t1",
			SKU:        fmt.Sprintf("SKU-%04d", i),
			Quantity:   &qty,
		}
	}
	_, err := st.InsertStockEntries(context.Background(), entries)
	require.NoError(t, err)
}

func TestRunScript_StreamsAllRows(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)
	a := createAnalysis(t, st, model.StatusAnalysisInProgress)
	// 5 rows with page size 2 exercises the keyset pagination loop.
	insertEntries(t, st, a.ID, 5)

	res, err := p.runScript(context.Background(), a.ID, `echo "{\"rows\": $(wc -l)}"`)
	require.NoError(t, err)

	assert.Equal(t, 5, res.RowsStreamed)
	assert.Equal(t, float64(5), res.Facts["rows"])
	assert.False(t, res.TimedOut)
}

func TestRunScript_ZeroRowsStillYieldsFacts(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)
	a := createAnalysis(t, st, model.StatusAnalysisInProgress)

	res, err := p.runScript(context.Background(), a.ID, `cat >/dev/null; echo '{"total": 0}'`)
	require.NoError(t, err)

	assert.Equal(t, 0, res.RowsStreamed)
	assert.Equal(t, float64(0), res.Facts["total"])
}

func TestRunScript_NonJSONStdoutFails(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)
	a := createAnalysis(t, st, model.StatusAnalysisInProgress)
	insertEntries(t, st, a.ID, 1)

	res, err := p.runScript(context.Background(), a.ID, `cat >/dev/null; echo not-json`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a JSON object")
	require.NotNil(t, res)
	assert.Contains(t, res.Stdout, "not-json")
	assert.False(t, res.TimedOut)
}

func TestRunScript_NullStdoutFails(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)
	a := createAnalysis(t, st, model.StatusAnalysisInProgress)
	insertEntries(t, st, a.ID, 1)

	res, err := p.runScript(context.Background(), a.ID, `cat >/dev/null; echo null`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a JSON object")
	require.NotNil(t, res)
	assert.Contains(t, res.Stdout, "null")
	assert.Nil(t, res.Facts)
}

func TestRunScript_MultipleJSONDocumentsFail(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)
	a := createAnalysis(t, st, model.StatusAnalysisInProgress)

	_, err := p.runScript(context.Background(), a.ID, `cat >/dev/null; echo '{}'; echo '{"second": true}'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than one JSON document")
}

func TestRunScript_NonZeroExitCapturesStderr(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)
	a := createAnalysis(t, st, model.StatusAnalysisInProgress)

	res, err := p.runScript(context.Background(), a.ID, `cat >/dev/null; echo boom >&2; exit 3`)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Contains(t, res.Stderr, "boom")
	assert.False(t, res.TimedOut)
}

func TestRunScript_TimeoutKillsProcess(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)
	p.cfg.Pipeline.ExecTimeoutSecs = 1
	a := createAnalysis(t, st, model.StatusAnalysisInProgress)

	res, err := p.runScript(context.Background(), a.ID, `sleep 30`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	require.NotNil(t, res)
	// The diagnostic distinguishes a timeout from other failures.
	assert.True(t, res.TimedOut)
}

func TestRunScript_EarlyExitWithValidOutputAccepted(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)
	a := createAnalysis(t, st, model.StatusAnalysisInProgress)
	insertEntries(t, st, a.ID, 50)

	// The script stops reading after the first line but still honors the
	// output contract.
	res, err := p.runScript(context.Background(), a.ID, `head -n 1 >/dev/null; echo '{"peeked": 1}'`)
	require.NoError(t, err)
	assert.Equal(t, float64(1), res.Facts["peeked"])
}
