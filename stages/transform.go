package stages

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/avaskys/reportpipe/pipeline"
)

// highCardinalityThreshold is the unique-value count above which a text
// column is reported as high cardinality.
const highCardinalityThreshold = 50

// missingTextFill replaces missing cells in text columns during cleaning.
const missingTextFill = "Unknown"

// TransformError is a cleaning or summarization failure. Always permanent:
// re-running the same transform on the same input cannot succeed.
type TransformError struct {
	Op  string
	Err error
}

func (e *TransformError) Error() string { return fmt.Sprintf("transform: %s: %v", e.Op, e.Err) }
func (e *TransformError) Unwrap() error { return e.Err }

// ColumnKind tags a summarized column as numeric or text.
type ColumnKind string

const (
	KindNumeric ColumnKind = "numeric"
	KindText    ColumnKind = "text"
)

// Summary is the dataset profile handed to the insight and render stages.
type Summary struct {
	Overview        Overview        `json:"dataset_overview"`
	Columns         []ColumnSummary `json:"column_information"`
	HighCardinality []string        `json:"high_cardinality_columns,omitempty"`
}

// Overview holds dataset-level counts.
type Overview struct {
	Rows int `json:"total_rows"`
	Cols int `json:"total_columns"`
}

// ColumnSummary profiles one column.
type ColumnSummary struct {
	Name    string        `json:"name"`
	Kind    ColumnKind    `json:"data_type"`
	NonNull int           `json:"non_null_count"`
	Nulls   int           `json:"null_count"`
	NullPct float64       `json:"null_percentage"`
	Unique  int           `json:"unique_values"`
	Stats   *NumericStats `json:"statistics,omitempty"`
	Top     []ValueCount  `json:"top_values,omitempty"`
}

// NumericStats holds the descriptive statistics of a numeric column.
type NumericStats struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Q1     float64 `json:"q1"`
	Q3     float64 `json:"q3"`
}

// ValueCount is one entry of a text column's most frequent values.
type ValueCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Clean drops duplicate rows, fills missing numeric cells with the column
// mean, and fills missing text cells with "Unknown". The input table is not
// modified.
func Clean(t Table) (Table, error) {
	if err := t.Validate(); err != nil {
		return Table{}, &TransformError{Op: "clean", Err: err}
	}

	out := Table{Columns: append([]string(nil), t.Columns...)}
	seen := make(map[string]struct{}, len(t.Rows))
	for _, row := range t.Rows {
		key := strings.Join(row, "\x1f")
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out.Rows = append(out.Rows, append([]string(nil), row...))
	}

	for i := range out.Columns {
		vals, numeric := out.numericColumn(i)
		var fill string
		if numeric && len(vals) > 0 {
			fill = formatFloat(round2(mean(vals)))
		} else {
			fill = missingTextFill
		}
		for _, row := range out.Rows {
			if row[i] == "" {
				row[i] = fill
			}
		}
	}
	return out, nil
}

// Summarize profiles the table: per-column null counts, numeric statistics,
// top values for text columns, and high-cardinality flags.
func Summarize(t Table) (Summary, error) {
	if err := t.Validate(); err != nil {
		return Summary{}, &TransformError{Op: "summarize", Err: err}
	}

	s := Summary{Overview: Overview{Rows: t.NumRows(), Cols: t.NumCols()}}
	for i, name := range t.Columns {
		col := ColumnSummary{Name: name}
		uniques := make(map[string]int)
		for _, row := range t.Rows {
			if row[i] == "" {
				col.Nulls++
				continue
			}
			col.NonNull++
			uniques[row[i]]++
		}
		col.Unique = len(uniques)
		if t.NumRows() > 0 {
			col.NullPct = round2(float64(col.Nulls) / float64(t.NumRows()) * 100)
		}

		if vals, numeric := t.numericColumn(i); numeric && len(vals) > 0 {
			col.Kind = KindNumeric
			col.Stats = numericStats(vals)
		} else {
			col.Kind = KindText
			col.Top = topValues(uniques, 5)
			if col.Unique > highCardinalityThreshold {
				s.HighCardinality = append(s.HighCardinality, name)
			}
		}
		s.Columns = append(s.Columns, col)
	}
	return s, nil
}

// NewTransformStage returns the transform stage: it reads the Table produced
// by inputKey, cleans it, and outputs the dataset Summary.
func NewTransformStage(name, inputKey string) pipeline.Stage {
	return pipeline.NewStage(name, func(ctx context.Context, ec *pipeline.Context) (any, error) {
		t, ok := pipeline.Value[Table](ec, inputKey)
		if !ok {
			return nil, pipeline.Permanent(&TransformError{
				Op:  "input",
				Err: fmt.Errorf("no table under key %q", inputKey),
			})
		}
		clean, err := Clean(t)
		if err != nil {
			return nil, pipeline.Permanent(err)
		}
		summary, err := Summarize(clean)
		if err != nil {
			return nil, pipeline.Permanent(err)
		}
		return summary, nil
	})
}

func numericStats(vals []float64) *NumericStats {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	return &NumericStats{
		Mean:   round2(mean(sorted)),
		Median: round2(quantile(sorted, 0.5)),
		StdDev: round2(stddev(sorted)),
		Min:    round2(sorted[0]),
		Max:    round2(sorted[len(sorted)-1]),
		Q1:     round2(quantile(sorted, 0.25)),
		Q3:     round2(quantile(sorted, 0.75)),
	}
}

func mean(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func stddev(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	m := mean(vals)
	var ss float64
	for _, v := range vals {
		d := v - m
		ss += d * d
	}
	// Sample standard deviation.
	return math.Sqrt(ss / float64(len(vals)-1))
}

// quantile computes the q-th quantile of sorted values with linear
// interpolation between closest ranks.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func topValues(counts map[string]int, n int) []ValueCount {
	out := make([]ValueCount, 0, len(counts))
	for v, c := range counts {
		out = append(out, ValueCount{Value: v, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
