// Package record reads rows from chains of columnar input files.
//
// A Chain is an ordered list of source locators (local Parquet or CSV files,
// or s3:// objects). Readers expose row counts, positioned iteration and
// field restriction so that only the columns a fill routine needs are
// decoded.
package record

import (
	"strconv"

	"github.com/eunmann/histcache/pkg/fields"
)

// Record is one row of a source. Accessors return the zero value for an
// absent or inactive field.
type Record interface {
	Float(field string) float64
	Int(field string) int64
	Str(field string) string
	Bool(field string) bool
	Value(field string) (any, bool)
	Has(field string) bool
}

// Schema maps field names to positions in a Row.
type Schema struct {
	names []string
	index map[string]int
}

// NewSchema builds a schema from ordered field names.
func NewSchema(names []string) *Schema {
	s := &Schema{
		names: append([]string(nil), names...),
		index: make(map[string]int, len(names)),
	}
	for i, n := range names {
		s.index[n] = i
	}
	return s
}

// Names returns the field names in storage order.
func (s *Schema) Names() []string { return s.names }

// Index returns the position of a field, or -1.
func (s *Schema) Index(name string) int {
	if i, ok := s.index[name]; ok {
		return i
	}
	return -1
}

// activeMask returns which schema positions are covered by fs.
func (s *Schema) activeMask(fs fields.Set) []bool {
	mask := make([]bool, len(s.names))
	for i, n := range s.names {
		mask[i] = fs == nil || fs.Has(n)
	}
	return mask
}

// Row is the Record implementation shared by all readers. Values are
// float64, int64, string, bool or nil. Readers reuse a Row between calls to
// Next, so a Row must not be retained.
type Row struct {
	schema *Schema
	values []any
}

func newRow(s *Schema) *Row {
	return &Row{schema: s, values: make([]any, len(s.names))}
}

func (r *Row) reset() {
	clear(r.values)
}

// NewRow builds a standalone row, mainly for tests and synthetic sources.
func NewRow(s *Schema, values ...any) *Row {
	r := newRow(s)
	copy(r.values, values)
	return r
}

func (r *Row) get(field string) any {
	i := r.schema.Index(field)
	if i < 0 {
		return nil
	}
	return r.values[i]
}

// Value returns the raw value of field and whether it is present.
func (r *Row) Value(field string) (any, bool) {
	v := r.get(field)
	return v, v != nil
}

// Has reports whether field holds a value.
func (r *Row) Has(field string) bool {
	return r.get(field) != nil
}

// Float returns field as float64.
func (r *Row) Float(field string) float64 {
	switch v := r.get(field).(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case bool:
		if v {
			return 1
		}
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

// Int returns field as int64. Floats are truncated.
func (r *Row) Int(field string) int64 {
	switch v := r.get(field).(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case bool:
		if v {
			return 1
		}
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

// Str returns field formatted as a string.
func (r *Row) Str(field string) string {
	switch v := r.get(field).(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

// Bool returns field as a bool; numbers are true when non-zero.
func (r *Row) Bool(field string) bool {
	switch v := r.get(field).(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}
