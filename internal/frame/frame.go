// Package frame holds the in-memory tabular structure shared by the file
// loaders and the storage backends.
//
// A Frame is deliberately close to what the repositories consume directly
// (an ordered column list plus [][]any rows), so loaders can hand their output
// to storage without another conversion layer. Cell values are either string,
// float64, or nil; loaders read everything as text and numeric coercion is an
// explicit, metadata-driven step.
package frame

import (
	"fmt"
	"strconv"
	"strings"
)

// Frame is an ordered set of named columns with row-major data.
type Frame struct {
	Columns []string
	Rows    [][]any
}

// New creates an empty Frame with the given column order.
func New(columns []string) *Frame {
	return &Frame{Columns: append([]string(nil), columns...)}
}

// NumRows returns the number of data rows.
func (f *Frame) NumRows() int {
	if f == nil {
		return 0
	}
	return len(f.Rows)
}

// NumColumns returns the number of columns.
func (f *Frame) NumColumns() int {
	if f == nil {
		return 0
	}
	return len(f.Columns)
}

// AppendRow appends one row.
//
// Edge cases:
//   - Rows shorter than the column list are padded with nil.
//   - Rows longer than the column list are truncated. Ragged inputs are a fact
//     of life for survey files; storage requires rectangular data.
func (f *Frame) AppendRow(row []any) {
	n := len(f.Columns)
	switch {
	case len(row) == n:
		f.Rows = append(f.Rows, row)
	case len(row) < n:
		padded := make([]any, n)
		copy(padded, row)
		f.Rows = append(f.Rows, padded)
	default:
		f.Rows = append(f.Rows, row[:n:n])
	}
}

// ColumnIndex returns the position of an exactly-named column, or -1.
func (f *Frame) ColumnIndex(name string) int {
	for i, c := range f.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Rename applies a column rename map (old name -> new name).
//
// A rename is skipped when the target name already exists as a distinct
// column, so aligning loaded columns to metadata names can never clobber data.
func (f *Frame) Rename(mapping map[string]string) {
	if len(mapping) == 0 {
		return
	}
	existing := make(map[string]struct{}, len(f.Columns))
	for _, c := range f.Columns {
		existing[c] = struct{}{}
	}
	for i, c := range f.Columns {
		target, ok := mapping[c]
		if !ok || target == c {
			continue
		}
		if _, taken := existing[target]; taken {
			continue
		}
		delete(existing, c)
		existing[target] = struct{}{}
		f.Columns[i] = target
	}
}

// CoerceNumeric converts every cell of the named column to float64 where
// possible. Unparseable or blank cells become nil, never an error: metadata
// can promise "numeric" for a column that contains stray text.
func (f *Frame) CoerceNumeric(name string) {
	idx := f.ColumnIndex(name)
	if idx < 0 {
		return
	}
	for _, row := range f.Rows {
		v := row[idx]
		switch t := v.(type) {
		case nil:
			continue
		case float64:
			continue
		case string:
			s := strings.TrimSpace(t)
			if s == "" {
				row[idx] = nil
				continue
			}
			n, err := strconv.ParseFloat(s, 64)
			if err != nil {
				row[idx] = nil
				continue
			}
			row[idx] = n
		default:
			s := strings.TrimSpace(fmt.Sprint(v))
			n, err := strconv.ParseFloat(s, 64)
			if err != nil {
				row[idx] = nil
				continue
			}
			row[idx] = n
		}
	}
}

// CellString renders a cell for code/label lookups. Numeric cells that are
// whole numbers render without a decimal part so a float64(1) matches the
// category code "1".
func CellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// ApplyLabels replaces coded cells with their category labels in place.
//
// labels maps column name -> code -> label. Codes are matched as trimmed
// strings; a trailing ".0" is retried without the suffix because numeric
// round-trips through loaders and databases commonly produce "1.0" for the
// code "1".
func (f *Frame) ApplyLabels(labels map[string]map[string]string) {
	if len(labels) == 0 {
		return
	}
	for col, byCode := range labels {
		idx := f.ColumnIndex(col)
		if idx < 0 || len(byCode) == 0 {
			continue
		}
		for _, row := range f.Rows {
			if row[idx] == nil {
				continue
			}
			code := CellString(row[idx])
			if lbl, ok := byCode[code]; ok {
				row[idx] = lbl
				continue
			}
			if strings.HasSuffix(code, ".0") {
				if lbl, ok := byCode[strings.TrimSuffix(code, ".0")]; ok {
					row[idx] = lbl
				}
			}
		}
	}
}
