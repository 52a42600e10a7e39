package record

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/eunmann/histcache/pkg/fields"
)

// csvReader reads delimited text with a header row. Cell values are typed
// on read: integers, then floats, then booleans, otherwise strings. Empty
// cells are absent.
type csvReader struct {
	src     file
	gzipped bool

	closers   []io.Closer
	csvReader *csv.Reader

	schema  *Schema
	active  []bool
	numRows int64
	pos     int64
	row     *Row
}

func newCSVReader(src file, gzipped bool) (*csvReader, error) {
	r := &csvReader{src: src, gzipped: gzipped}

	header, err := r.rewind()
	if err != nil {
		return nil, err
	}
	r.schema = NewSchema(header)
	r.active = r.schema.activeMask(nil)
	r.row = newRow(r.schema)

	// Count rows once so NumRows is known before iteration.
	for {
		_, err := r.csvReader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.closeStreams()
			return nil, fmt.Errorf("read CSV row: %w", err)
		}
		r.numRows++
	}
	if _, err := r.rewind(); err != nil {
		return nil, err
	}
	return r, nil
}

// rewind restarts the stream at the first data row and returns the header.
func (r *csvReader) rewind() ([]string, error) {
	r.closeStreams()
	if _, err := r.src.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek source: %w", err)
	}

	var reader io.Reader = bufio.NewReader(r.src)
	if r.gzipped {
		gzr, err := gzip.NewReader(reader)
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		r.closers = append(r.closers, gzr)
		reader = gzr
	}

	csvr := csv.NewReader(reader)
	csvr.FieldsPerRecord = -1
	csvr.LazyQuotes = true
	header, err := csvr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("missing CSV header")
		}
		return nil, fmt.Errorf("read CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	csvr.ReuseRecord = true
	r.csvReader = csvr
	r.pos = 0
	return header, nil
}

func (r *csvReader) Fields() []string { return r.schema.Names() }

func (r *csvReader) NumRows() int64 { return r.numRows }

func (r *csvReader) SetActive(fs fields.Set) {
	if fs.IsAll() {
		fs = nil
	}
	r.active = r.schema.activeMask(fs)
}

func (r *csvReader) SeekToRow(n int64) error {
	if n < 0 || n > r.numRows {
		return fmt.Errorf("seek to row %d: out of range [0, %d]", n, r.numRows)
	}
	if n < r.pos {
		if _, err := r.rewind(); err != nil {
			return err
		}
	}
	for r.pos < n {
		if _, err := r.csvReader.Read(); err != nil {
			return fmt.Errorf("seek to row %d: %w", n, err)
		}
		r.pos++
	}
	return nil
}

func (r *csvReader) Next() (Record, error) {
	cells, err := r.csvReader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read CSV row: %w", err)
	}
	r.pos++
	r.row.reset()
	for i, cell := range cells {
		if i >= len(r.active) || !r.active[i] {
			continue
		}
		r.row.values[i] = parseCell(cell)
	}
	return r.row, nil
}

func parseCell(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func (r *csvReader) closeStreams() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i].Close()
	}
	r.closers = nil
}

func (r *csvReader) Close() error {
	r.closeStreams()
	return r.src.Close()
}
