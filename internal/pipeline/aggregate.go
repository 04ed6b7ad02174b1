package pipeline

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/stockintel/analysis-cli/internal/fetcher"
	"github.com/stockintel/analysis-cli/internal/model"
)

// ErrNoUsableRows means aggregation found zero readable rows across all
// source files. It is fatal for the analysis.
var ErrNoUsableRows = eris.New("pipeline: no usable rows in source files")

// internalColumnPrefix marks columns that tooling injected into an upload.
// They never reach the mapper.
const internalColumnPrefix = "_"

// Dataset is the deterministic merge of all source files for one analysis.
type Dataset struct {
	// Columns is the lexicographically sorted union of non-internal column
	// names across all files.
	Columns []string
	// ColumnSources maps each column to the file names carrying it, in
	// lexicographic file order.
	ColumnSources map[string][]string
	// Rows holds every parsed row keyed by its file's own column names,
	// files visited in lexicographic name order.
	Rows []map[string]string
	// Sample holds the first sampleRows rows of each file restricted to the
	// sorted column list, in the same file order.
	Sample []map[string]string
	// Warnings lists files that were skipped as unreadable.
	Warnings []string
}

// Aggregate merges the source files under baseDir into one deterministic
// dataset. A single unreadable file is skipped with a warning; zero usable
// rows across all files returns ErrNoUsableRows.
func Aggregate(files []model.SourceFile, baseDir string, sampleRows int) (*Dataset, error) {
	sorted := make([]model.SourceFile, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FileName < sorted[j].FileName })

	ds := &Dataset{
		ColumnSources: make(map[string][]string),
	}
	columnSet := make(map[string]bool)

	type parsedFile struct {
		name    string
		columns []string
		rows    []map[string]string
	}
	type headerColumn struct {
		index int
		name  string
	}
	var parsed []parsedFile

	for _, f := range sorted {
		table, err := fetcher.ReadTable(filepath.Join(baseDir, f.StoragePath))
		if err != nil {
			warning := fmt.Sprintf("skipped unreadable file %s: %v", f.FileName, err)
			ds.Warnings = append(ds.Warnings, warning)
			zap.L().Warn("aggregate: skipping source file",
				zap.String("file", f.FileName),
				zap.Error(err),
			)
			continue
		}

		// Re-derive the header per file so a column present in several files
		// is attributed to all of them. Header positions are kept in order:
		// the first occurrence of a repeated header name owns the name, and
		// later occurrences are renamed with their 1-based position so the
		// cells survive as separate columns.
		var columns []string
		var cols []headerColumn
		fileSeen := make(map[string]bool, len(table.Header))
		for i, name := range table.Header {
			name = strings.TrimSpace(name)
			if name == "" || strings.HasPrefix(name, internalColumnPrefix) {
				continue
			}
			for fileSeen[name] {
				name = fmt.Sprintf("%s_%d", name, i+1)
			}
			fileSeen[name] = true
			cols = append(cols, headerColumn{index: i, name: name})
			columns = append(columns, name)
			columnSet[name] = true
			if srcs := ds.ColumnSources[name]; len(srcs) == 0 || srcs[len(srcs)-1] != f.FileName {
				ds.ColumnSources[name] = append(srcs, f.FileName)
			}
		}

		rows := make([]map[string]string, 0, len(table.Rows))
		for _, raw := range table.Rows {
			row := make(map[string]string, len(cols))
			for _, c := range cols {
				row[c.name] = table.Cell(raw, c.index)
			}
			rows = append(rows, row)
		}

		parsed = append(parsed, parsedFile{name: f.FileName, columns: columns, rows: rows})
	}

	for name := range columnSet {
		ds.Columns = append(ds.Columns, name)
	}
	sort.Strings(ds.Columns)

	for _, pf := range parsed {
		ds.Rows = append(ds.Rows, pf.rows...)

		n := sampleRows
		if n > len(pf.rows) {
			n = len(pf.rows)
		}
		for _, row := range pf.rows[:n] {
			sample := make(map[string]string, len(row))
			for _, col := range ds.Columns {
				if v, ok := row[col]; ok {
					sample[col] = v
				}
			}
			ds.Sample = append(ds.Sample, sample)
		}
	}

	if len(ds.Rows) == 0 {
		return nil, eris.Wrap(ErrNoUsableRows, strings.Join(ds.Warnings, "; "))
	}

	return ds, nil
}
