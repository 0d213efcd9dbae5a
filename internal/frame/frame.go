// Package frame provides a small columnar table: a timestamp column plus
// named float64 columns of equal length. It is the in-memory shape of
// feature tables and upstream feed data; artifact files transform to and
// from it at the store boundary.
package frame

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Frame is a struct-of-arrays table keyed by column name. All columns
// share the length of the timestamp column.
type Frame struct {
	timestamps []time.Time
	order      []string
	cols       map[string][]float64
}

// New creates a frame over the given timestamps with no value columns.
func New(timestamps []time.Time) *Frame {
	ts := make([]time.Time, len(timestamps))
	copy(ts, timestamps)
	return &Frame{
		timestamps: ts,
		cols:       make(map[string][]float64),
	}
}

// Len returns the row count.
func (f *Frame) Len() int {
	return len(f.timestamps)
}

// Timestamps returns the timestamp column. Callers must not mutate it.
func (f *Frame) Timestamps() []time.Time {
	return f.timestamps
}

// Columns returns the value column names in insertion order.
func (f *Frame) Columns() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

// SetColumn adds or replaces a value column. The column length must match
// the row count.
func (f *Frame) SetColumn(name string, values []float64) error {
	if len(values) != len(f.timestamps) {
		return fmt.Errorf("column %q has %d values, frame has %d rows", name, len(values), len(f.timestamps))
	}
	if _, exists := f.cols[name]; !exists {
		f.order = append(f.order, name)
	}
	vals := make([]float64, len(values))
	copy(vals, values)
	f.cols[name] = vals
	return nil
}

// Column returns a value column by name.
func (f *Frame) Column(name string) ([]float64, bool) {
	vals, ok := f.cols[name]
	return vals, ok
}

// HasColumn reports whether the named column exists.
func (f *Frame) HasColumn(name string) bool {
	_, ok := f.cols[name]
	return ok
}

// IndexOf returns the row index of the first row whose timestamp equals ts,
// or -1 when absent.
func (f *Frame) IndexOf(ts time.Time) int {
	for i, t := range f.timestamps {
		if t.Equal(ts) {
			return i
		}
	}
	return -1
}

// Project selects the named columns in order, verifying each exists and
// contains only finite values. Missing columns and columns holding NaN or
// infinities are reported together, each error naming every offender.
func (f *Frame) Project(names []string) (*Frame, error) {
	var missing []string
	for _, name := range names {
		if !f.HasColumn(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing feature columns: %v", missing)
	}

	var tainted []string
	for _, name := range names {
		for _, v := range f.cols[name] {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				tainted = append(tainted, name)
				break
			}
		}
	}
	if len(tainted) > 0 {
		sort.Strings(tainted)
		return nil, fmt.Errorf("feature columns contain non-finite values: %v", tainted)
	}

	out := New(f.timestamps)
	for _, name := range names {
		if err := out.SetColumn(name, f.cols[name]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// VectorAt returns row i of the named columns, in the given column order.
func (f *Frame) VectorAt(names []string, i int) ([]float64, error) {
	if i < 0 || i >= f.Len() {
		return nil, fmt.Errorf("row %d out of range [0, %d)", i, f.Len())
	}
	vec := make([]float64, len(names))
	for j, name := range names {
		col, ok := f.cols[name]
		if !ok {
			return nil, fmt.Errorf("missing feature columns: [%s]", name)
		}
		vec[j] = col[i]
	}
	return vec, nil
}
