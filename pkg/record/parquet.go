package record

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/eunmann/histcache/pkg/fields"
)

// parquetReader streams rows from a Parquet file by iterating row groups.
// Only leaf columns are exposed; nested paths are joined with ".".
type parquetReader struct {
	src     file
	file    *parquet.File
	schema  *Schema
	active  []bool
	numRows int64

	rowGroups    []parquet.RowGroup
	rgStart      []int64
	currentRGIdx int
	currentRows  parquet.Rows
	rowBuf       []parquet.Row
	bufIdx       int
	bufLen       int

	row *Row
}

func newParquetReader(src file) (*parquetReader, error) {
	pf, err := parquet.OpenFile(src, src.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}

	cols := pf.Schema().Columns()
	names := make([]string, len(cols))
	for i, path := range cols {
		names[i] = strings.Join(path, ".")
	}
	schema := NewSchema(names)

	rowGroups := pf.RowGroups()
	starts := make([]int64, len(rowGroups))
	var total int64
	for i, rg := range rowGroups {
		starts[i] = total
		total += rg.NumRows()
	}

	return &parquetReader{
		src:          src,
		file:         pf,
		schema:       schema,
		active:       schema.activeMask(nil),
		numRows:      total,
		rowGroups:    rowGroups,
		rgStart:      starts,
		currentRGIdx: -1,
		rowBuf:       make([]parquet.Row, 1024),
		row:          newRow(schema),
	}, nil
}

func (r *parquetReader) Fields() []string { return r.schema.Names() }

func (r *parquetReader) NumRows() int64 { return r.numRows }

func (r *parquetReader) SetActive(fs fields.Set) {
	if fs.IsAll() {
		fs = nil
	}
	r.active = r.schema.activeMask(fs)
}

// SeekToRow opens the row group containing n and positions within it.
func (r *parquetReader) SeekToRow(n int64) error {
	if n < 0 || n > r.numRows {
		return fmt.Errorf("seek to row %d: out of range [0, %d]", n, r.numRows)
	}
	r.closeRows()
	r.bufIdx, r.bufLen = 0, 0
	if n == r.numRows {
		r.currentRGIdx = len(r.rowGroups)
		return nil
	}
	idx := len(r.rgStart) - 1
	for i := range r.rgStart {
		if i+1 < len(r.rgStart) && r.rgStart[i+1] > n {
			idx = i
			break
		}
	}
	rows := r.rowGroups[idx].Rows()
	if err := rows.SeekToRow(n - r.rgStart[idx]); err != nil {
		rows.Close()
		return fmt.Errorf("seek to row %d: %w", n, err)
	}
	r.currentRGIdx = idx
	r.currentRows = rows
	return nil
}

func (r *parquetReader) Next() (Record, error) {
	for {
		if r.bufIdx < r.bufLen {
			pr := r.rowBuf[r.bufIdx]
			r.bufIdx++
			r.decode(pr)
			return r.row, nil
		}

		if r.currentRows != nil {
			n, err := r.currentRows.ReadRows(r.rowBuf)
			if n > 0 {
				r.bufIdx = 0
				r.bufLen = n
				continue
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("read parquet rows: %w", err)
			}
			r.closeRows()
		}

		r.currentRGIdx++
		if r.currentRGIdx >= len(r.rowGroups) {
			return nil, io.EOF
		}
		r.currentRows = r.rowGroups[r.currentRGIdx].Rows()
	}
}

// decode converts the active columns of pr into the shared Row.
func (r *parquetReader) decode(pr parquet.Row) {
	r.row.reset()
	for _, val := range pr {
		col := val.Column()
		if col < 0 || col >= len(r.active) || !r.active[col] || val.IsNull() {
			continue
		}
		r.row.values[col] = parquetValue(val)
	}
}

func parquetValue(v parquet.Value) any {
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return v.String()
	}
	return nil
}

func (r *parquetReader) closeRows() {
	if r.currentRows != nil {
		r.currentRows.Close()
		r.currentRows = nil
	}
}

func (r *parquetReader) Close() error {
	r.closeRows()
	return r.src.Close()
}
