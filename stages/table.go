package stages

import (
	"fmt"
	"strconv"
)

// Table is the tabular value passed between stages: ordered columns and
// string cells. An empty cell is a missing value. It is a plain carrier, not
// a dataframe: stages that need typed views parse cells on demand.
type Table struct {
	Columns []string
	Rows    [][]string
}

// NumRows returns the row count.
func (t Table) NumRows() int { return len(t.Rows) }

// NumCols returns the column count.
func (t Table) NumCols() int { return len(t.Columns) }

// ColumnIndex returns the position of the named column.
func (t Table) ColumnIndex(name string) (int, bool) {
	for i, c := range t.Columns {
		if c == name {
			return i, true
		}
	}
	return 0, false
}

// Column returns the cells of the named column in row order.
func (t Table) Column(name string) ([]string, bool) {
	i, ok := t.ColumnIndex(name)
	if !ok {
		return nil, false
	}
	out := make([]string, len(t.Rows))
	for r, row := range t.Rows {
		if i < len(row) {
			out[r] = row[i]
		}
	}
	return out, true
}

// Validate checks that every row has exactly one cell per column.
func (t Table) Validate() error {
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("row %d has %d cells, want %d", i, len(row), len(t.Columns))
		}
	}
	return nil
}

// numericColumn parses the non-missing cells of column i as floats. The
// second result is false when any non-missing cell fails to parse, i.e. the
// column is not numeric.
func (t Table) numericColumn(i int) ([]float64, bool) {
	var vals []float64
	for _, row := range t.Rows {
		if i >= len(row) || row[i] == "" {
			continue
		}
		f, err := strconv.ParseFloat(row[i], 64)
		if err != nil {
			return nil, false
		}
		vals = append(vals, f)
	}
	return vals, true
}
