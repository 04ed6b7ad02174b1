package fetcher

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// Table is one parsed source file: a header row plus data rows, both as raw
// strings. Typing happens later, in the cleaning executor.
type Table struct {
	Header []string
	Rows   [][]string
}

// ReadTable parses a spreadsheet file by extension. CSV is read with
// trimming enabled; XLSX reads the first sheet.
func ReadTable(path string) (*Table, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: open %s", path)
		}
		defer f.Close()
		header, rows, err := ReadCSV(f, CSVOptions{TrimSpace: true, LazyQuotes: true})
		if err != nil {
			return nil, err
		}
		return &Table{Header: header, Rows: rows}, nil
	case ".xlsx":
		header, rows, err := ReadXLSX(path, XLSXOptions{})
		if err != nil {
			return nil, err
		}
		return &Table{Header: header, Rows: rows}, nil
	default:
		return nil, eris.Errorf("fetcher: unsupported file type %s", filepath.Ext(path))
	}
}

// Cell returns the value at column index i of row, or "" when the row is
// shorter than the header. Ragged rows are common in exported spreadsheets.
func (t *Table) Cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}
