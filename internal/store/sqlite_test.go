package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockintel/analysis-cli/internal/model"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite("file:" + t.TempDir() + "/test.db")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.TODO()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestAnalysis(t *testing.T, st Store) *model.Analysis {
	t.Helper()
	a := &model.Analysis{TenantID: "t1", Name: "Q3 stock"}
	require.NoError(t, st.CreateAnalysis(context.TODO(), a))
	return a
}

func TestSQLite_AnalysisLifecycle(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.TODO()

	a := newTestAnalysis(t, st)
	require.NotEmpty(t, a.ID)
	assert.Equal(t, model.StatusPending, a.Status)

	got, err := st.GetAnalysis(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Q3 stock", got.Name)
	assert.Equal(t, model.StatusPending, got.Status)

	// CAS transition succeeds once, conflicts the second time.
	require.NoError(t, st.TransitionStatus(ctx, a.ID, model.StatusPending, model.StatusMappingInProgress))
	err = st.TransitionStatus(ctx, a.ID, model.StatusPending, model.StatusMappingInProgress)
	assert.ErrorIs(t, err, ErrStatusConflict)

	// Unconditional set is reserved for restart/failure paths.
	require.NoError(t, st.SetStatus(ctx, a.ID, model.StatusFailed))
	got, err = st.GetAnalysis(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)

	_, err = st.GetAnalysis(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_UpdateMappingAndMetadataMerge(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.TODO()
	a := newTestAnalysis(t, st)

	require.NoError(t, st.UpdateMapping(ctx, a.ID,
		[]string{"Qty", "SKU"},
		map[string]string{"SKU": "sku", "Qty": "quantity"},
		[]string{"supplier"},
	))

	// Writes to one namespace must preserve siblings and sibling keys.
	require.NoError(t, st.MergeMetadata(ctx, a.ID, "mapping", map[string]any{"confidence": 0.9}))
	require.NoError(t, st.MergeMetadata(ctx, a.ID, "cleaning", map[string]any{"report": "ok"}))
	require.NoError(t, st.MergeMetadata(ctx, a.ID, "mapping", map[string]any{"reasoning": "headers match"}))

	got, err := st.GetAnalysis(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Qty", "SKU"}, got.OriginalColumns)
	assert.Equal(t, "quantity", got.MappedColumns["Qty"])
	assert.Equal(t, []string{"supplier"}, got.UnavailableFields)

	mapping := got.MetadataNamespace("mapping")
	require.NotNil(t, mapping)
	assert.Equal(t, 0.9, mapping["confidence"])
	assert.Equal(t, "headers match", mapping["reasoning"])
	cleaning := got.MetadataNamespace("cleaning")
	require.NotNil(t, cleaning)
	assert.Equal(t, "ok", cleaning["report"])
}

func TestSQLite_ReplaceMetadataNamespace(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.TODO()
	a := newTestAnalysis(t, st)

	require.NoError(t, st.MergeMetadata(ctx, a.ID, "cleaning", map[string]any{"plan": "stale", "report": "old"}))
	require.NoError(t, st.MergeMetadata(ctx, a.ID, "mapping", map[string]any{"confidence": 0.9}))

	// Replacing drops the old namespace content but leaves siblings alone.
	require.NoError(t, st.ReplaceMetadataNamespace(ctx, a.ID, "cleaning", nil))

	got, err := st.GetAnalysis(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, got.MetadataNamespace("cleaning"))
	assert.Equal(t, 0.9, got.MetadataNamespace("mapping")["confidence"])

	require.NoError(t, st.ReplaceMetadataNamespace(ctx, a.ID, "mapping", map[string]any{"confirmed": false}))
	got, err = st.GetAnalysis(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"confirmed": false}, got.MetadataNamespace("mapping"))

	assert.ErrorIs(t, st.ReplaceMetadataNamespace(ctx, "missing", "cleaning", nil), ErrNotFound)
}

func TestSQLite_StockEntriesKeysetPagination(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.TODO()
	a := newTestAnalysis(t, st)

	var entries []model.StockEntry
	for i := 0; i < 5; i++ {
		qty := float64(i)
		last := time.Date(2024, 3, 10+i, 0, 0, 0, 0, time.UTC)
		entries = append(entries, model.StockEntry{
			AnalysisID: a.ID,
			TenantID:   "t1",
			SKU:        fmt.Sprintf("SKU-%d", i),
			Quantity:   &qty,
			LastMovement: &last,
			Attributes: map[string]string{"Zone": "B"},
		})
	}
	n, err := st.InsertStockEntries(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	count, err := st.CountStockEntries(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	// Page through with a page size of 2: 2 + 2 + 1.
	var all []model.StockEntry
	var after int64
	for {
		page, err := st.ListStockEntriesPage(ctx, a.ID, after, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		after = page[len(page)-1].ID
	}
	require.Len(t, all, 5)
	assert.Equal(t, "SKU-0", all[0].SKU)
	assert.Equal(t, "SKU-4", all[4].SKU)
	require.NotNil(t, all[0].LastMovement)
	assert.Equal(t, "2024-03-10", all[0].LastMovement.Format(model.DateLayout))
	assert.Equal(t, "B", all[0].Attributes["Zone"])

	deleted, err := st.DeleteStockEntries(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), deleted)
}

func TestSQLite_RecommendationsAndCascadeDelete(t *testing.T) {
	st := newTestSQLite(t)
	ctx := context.TODO()
	a := newTestAnalysis(t, st)

	require.NoError(t, st.CreateSourceFile(ctx, &model.SourceFile{
		AnalysisID: a.ID, FileName: "stock_a.csv", StoragePath: "/blobs/stock_a.csv", RowCount: 10, ColumnCount: 3,
	}))

	recs := []model.Recommendation{{
		AnalysisID:   a.ID,
		TenantID:     "t1",
		Type:         "dead_stock",
		Pillar:       "working_capital",
		Level:        "sku",
		Priority:     "high",
		Title:        "Liquidate slow movers",
		ActionItems:  []string{"Review SKU-3", "Mark down 20%"},
		AffectedSKUs: []string{"SKU-3"},
		EstimatedImpact: model.EstimatedImpact{
			Amount: 1200.50, Currency: "EUR", RiskLevel: "low", Timeframe: "30d",
		},
	}}
	require.NoError(t, st.InsertRecommendations(ctx, recs))

	got, err := st.ListRecommendations(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.RecStatusPending, got[0].Status)
	assert.Equal(t, []string{"SKU-3"}, got[0].AffectedSKUs)
	assert.Equal(t, "EUR", got[0].EstimatedImpact.Currency)

	files, err := st.ListSourceFiles(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "stock_a.csv", files[0].FileName)

	// Deleting the analysis cascades to every dependent table.
	require.NoError(t, st.DeleteAnalysis(ctx, a.ID))
	got, err = st.ListRecommendations(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
	files, err = st.ListSourceFiles(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, files)
}
