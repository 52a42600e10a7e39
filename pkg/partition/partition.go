// Package partition splits a chain of sources into work chunks and lays out
// the tree that merges their partial results.
package partition

import (
	"errors"
	"fmt"
)

// DefaultAccumGroupSize is the number of partial results folded by one
// merge node.
const DefaultAccumGroupSize = 100

// ErrConfiguration indicates an unusable chunk or group size.
var ErrConfiguration = errors.New("partition configuration error")

// Chunk is a unit of work: either NumSources whole sources starting at
// FirstSource, or the row range [RowStart, RowEnd) of a single source.
type Chunk struct {
	Seq         int
	FirstSource int
	NumSources  int
	RowStart    int64
	RowEnd      int64
}

// Whole reports whether the chunk covers entire sources.
func (c Chunk) Whole() bool {
	return c.RowEnd <= c.RowStart
}

// Rows returns the row count of a row-range chunk, or 0 for whole sources.
func (c Chunk) Rows() int64 {
	if c.Whole() {
		return 0
	}
	return c.RowEnd - c.RowStart
}

func (c Chunk) String() string {
	if c.Whole() {
		return fmt.Sprintf("chunk %d: sources [%d, %d)", c.Seq, c.FirstSource, c.FirstSource+c.NumSources)
	}
	return fmt.Sprintf("chunk %d: source %d rows [%d, %d)", c.Seq, c.FirstSource, c.RowStart, c.RowEnd)
}

// Plan partitions sources whose row counts are rows.
//
// chunkSize > 0 groups up to chunkSize consecutive whole sources per chunk.
// chunkSize < 0 splits every source into |chunkSize| row slices of
// ceil(rows/|chunkSize|) rows; the last slice is truncated and empty slices
// are dropped. Sequence numbers follow source then row order.
func Plan(rows []int64, chunkSize int) ([]Chunk, error) {
	switch {
	case chunkSize == 0:
		return nil, fmt.Errorf("%w: chunk size must be non-zero", ErrConfiguration)
	case chunkSize > 0:
		return planSources(len(rows), chunkSize), nil
	}

	parts := int64(-chunkSize)
	var chunks []Chunk
	for src, n := range rows {
		if n <= 0 {
			continue
		}
		step := (n + parts - 1) / parts
		for start := int64(0); start < n; start += step {
			chunks = append(chunks, Chunk{
				Seq:         len(chunks),
				FirstSource: src,
				NumSources:  1,
				RowStart:    start,
				RowEnd:      min(start+step, n),
			})
		}
	}
	return chunks, nil
}

func planSources(n, size int) []Chunk {
	chunks := make([]Chunk, 0, (n+size-1)/size)
	for first := 0; first < n; first += size {
		chunks = append(chunks, Chunk{
			Seq:         len(chunks),
			FirstSource: first,
			NumSources:  min(size, n-first),
		})
	}
	return chunks
}

// Group is a contiguous run [First, First+Count) of nodes at the level below.
type Group struct {
	First int
	Count int
}

// Level is one layer of merge nodes.
type Level []Group

// Topology returns the merge tree over n leaves. Each level folds
// contiguous groups of groupSize nodes of the level below until a single
// group remains; the last level always holds exactly one group. groupSize
// < 2 uses DefaultAccumGroupSize. n == 0 yields no levels.
func Topology(n, groupSize int) []Level {
	if n <= 0 {
		return nil
	}
	if groupSize < 2 {
		groupSize = DefaultAccumGroupSize
	}
	var levels []Level
	for n > groupSize {
		level := make(Level, 0, (n+groupSize-1)/groupSize)
		for first := 0; first < n; first += groupSize {
			level = append(level, Group{First: first, Count: min(groupSize, n-first)})
		}
		levels = append(levels, level)
		n = len(level)
	}
	return append(levels, Level{{First: 0, Count: n}})
}
