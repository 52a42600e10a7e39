package accum

import (
	"fmt"
	"math"
)

// Table is an ordered collection of rows with named float64 columns.
// Rows keep the order in which they were appended.
type Table struct {
	name    string
	title   string
	columns []string
	rows    [][]float64
}

// NewTable creates an empty table with the given columns.
func NewTable(name, title string, columns ...string) *Table {
	return &Table{
		name:    name,
		title:   title,
		columns: append([]string(nil), columns...),
	}
}

func (t *Table) Name() string   { return t.name }
func (t *Table) Title() string  { return t.title }
func (t *Table) Kind() Kind     { return KindAppendable }
func (t *Table) Entries() int64 { return int64(len(t.rows)) }

// Columns returns the column names.
func (t *Table) Columns() []string { return t.columns }

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// Row returns row i. The slice must not be modified.
func (t *Table) Row(i int) []float64 { return t.rows[i] }

// Column returns the values of the named column in row order.
func (t *Table) Column(name string) ([]float64, bool) {
	idx := t.columnIndex(name)
	if idx < 0 {
		return nil, false
	}
	out := make([]float64, len(t.rows))
	for i, r := range t.rows {
		out[i] = r[idx]
	}
	return out, true
}

func (t *Table) columnIndex(name string) int {
	for i, c := range t.columns {
		if c == name {
			return i
		}
	}
	return -1
}

// AppendRow appends one row; len(values) must equal the column count.
func (t *Table) AppendRow(values ...float64) error {
	if len(values) != len(t.columns) {
		return fmt.Errorf("%w: %q has %d columns, got %d values",
			ErrShapeMismatch, t.name, len(t.columns), len(values))
	}
	t.rows = append(t.rows, append([]float64(nil), values...))
	return nil
}

// Append copies every row of other after the rows of t, field by field.
// Columns are matched by name; a column missing from other is filled with NaN.
func (t *Table) Append(other Accumulator) error {
	o, ok := other.(*Table)
	if !ok {
		return fmt.Errorf("%w: %q cannot append %T", ErrShapeMismatch, t.name, other)
	}
	src := make([]int, len(t.columns))
	matched := 0
	for i, c := range t.columns {
		src[i] = o.columnIndex(c)
		if src[i] >= 0 {
			matched++
		}
	}
	if matched == 0 && len(t.columns) > 0 && len(o.rows) > 0 {
		return fmt.Errorf("%w: %q shares no columns with appended table", ErrShapeMismatch, t.name)
	}
	for _, r := range o.rows {
		row := make([]float64, len(t.columns))
		for i, j := range src {
			if j < 0 {
				row[i] = math.NaN()
				continue
			}
			row[i] = r[j]
		}
		t.rows = append(t.rows, row)
	}
	return nil
}

// Clone returns a deep copy.
func (t *Table) Clone() Accumulator {
	c := &Table{
		name:    t.name,
		title:   t.title,
		columns: append([]string(nil), t.columns...),
		rows:    make([][]float64, len(t.rows)),
	}
	for i, r := range t.rows {
		c.rows[i] = append([]float64(nil), r...)
	}
	return c
}

// Validate checks that every row has one value per column.
func (t *Table) Validate() error {
	if t.name == "" {
		return fmt.Errorf("%w: table has no name", ErrInvalid)
	}
	for i, r := range t.rows {
		if len(r) != len(t.columns) {
			return fmt.Errorf("%w: %q row %d has %d values, want %d", ErrInvalid, t.name, i, len(r), len(t.columns))
		}
	}
	return nil
}
