package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockintel/analysis-cli/internal/model"
)

func writeFile(t *testing.T, dir, name, content string) model.SourceFile {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	return model.SourceFile{FileName: name, StoragePath: name}
}

func TestAggregate_Deterministic(t *testing.T) {
	dir := t.TempDir()
	files := []model.SourceFile{
		writeFile(t, dir, "b.csv", "Zeta,Alpha\nz1,a1\nz2,a2\nz3,a3\n"),
		writeFile(t, dir, "a.csv", "Mid,Alpha\nm1,a9\n"),
	}

	first, err := Aggregate(files, dir, 2)
	require.NoError(t, err)
	second, err := Aggregate(files, dir, 2)
	require.NoError(t, err)

	assert.Equal(t, first.Columns, second.Columns)
	assert.Equal(t, first.ColumnSources, second.ColumnSources)
	assert.Equal(t, first.Sample, second.Sample)

	// Columns are the sorted union.
	assert.Equal(t, []string{"Alpha", "Mid", "Zeta"}, first.Columns)
	// Files are visited in lexicographic name order; a.csv first.
	assert.Equal(t, []string{"a.csv", "b.csv"}, first.ColumnSources["Alpha"])
	// Sample takes at most two rows per file, file order a.csv then b.csv.
	require.Len(t, first.Sample, 3)
	assert.Equal(t, "a9", first.Sample[0]["Alpha"])
	assert.Equal(t, "z1", first.Sample[1]["Zeta"])
	assert.Len(t, first.Rows, 4)
}

func TestAggregate_RepeatedHeaderKeepsBothCells(t *testing.T) {
	dir := t.TempDir()
	files := []model.SourceFile{
		writeFile(t, dir, "a.csv", "SKU,Dup,Dup\nA-1,left,right\n"),
	}

	first, err := Aggregate(files, dir, 2)
	require.NoError(t, err)

	// First column owns the name; the repeat is renamed by position.
	assert.Equal(t, []string{"Dup", "Dup_3", "SKU"}, first.Columns)
	assert.Equal(t, "left", first.Rows[0]["Dup"])
	assert.Equal(t, "right", first.Rows[0]["Dup_3"])
	assert.Equal(t, []string{"a.csv"}, first.ColumnSources["Dup"])
	assert.Equal(t, []string{"a.csv"}, first.ColumnSources["Dup_3"])

	for i := 0; i < 50; i++ {
		again, err := Aggregate(files, dir, 2)
		require.NoError(t, err)
		assert.Equal(t, first.Rows, again.Rows)
		assert.Equal(t, first.Sample, again.Sample)
	}
}

func TestAggregate_ColumnSourceIndex(t *testing.T) {
	dir := t.TempDir()
	files := []model.SourceFile{
		writeFile(t, dir, "a.csv", "SKU,Qty\nA-1,2\n"),
		writeFile(t, dir, "b.csv", "SKU,Quantity\nA-2,5\n"),
	}

	ds, err := Aggregate(files, dir, 2)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.csv", "b.csv"}, ds.ColumnSources["SKU"])
	assert.Equal(t, []string{"a.csv"}, ds.ColumnSources["Qty"])
	assert.Equal(t, []string{"b.csv"}, ds.ColumnSources["Quantity"])
}

func TestAggregate_SkipsUnreadableFile(t *testing.T) {
	dir := t.TempDir()
	files := []model.SourceFile{
		writeFile(t, dir, "good.csv", "SKU\nA-1\n"),
		{FileName: "missing.csv", StoragePath: "missing.csv"},
	}

	ds, err := Aggregate(files, dir, 2)
	require.NoError(t, err)
	assert.Len(t, ds.Rows, 1)
	require.Len(t, ds.Warnings, 1)
	assert.Contains(t, ds.Warnings[0], "missing.csv")
}

func TestAggregate_ZeroUsableRowsFatal(t *testing.T) {
	dir := t.TempDir()
	files := []model.SourceFile{
		{FileName: "missing.csv", StoragePath: "missing.csv"},
	}

	_, err := Aggregate(files, dir, 2)
	assert.ErrorIs(t, err, ErrNoUsableRows)
}

func TestAggregate_SkipsInternalColumns(t *testing.T) {
	dir := t.TempDir()
	files := []model.SourceFile{
		writeFile(t, dir, "a.csv", "SKU,_rowid\nA-1,17\n"),
	}

	ds, err := Aggregate(files, dir, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"SKU"}, ds.Columns)
	assert.NotContains(t, ds.Rows[0], "_rowid")
}
