// Package render draws accumulators onto canvases.
//
// A Layout arranges accumulator names as a single plot, a row, a grid, or a
// grid whose cells overlay several accumulators. Draw options may be one
// option for every plot or one per cell, shaped exactly like the layout.
package render

import (
	"errors"
	"fmt"
)

// ErrLayoutShape indicates per-cell options whose shape differs from the
// layout.
var ErrLayoutShape = errors.New("draw options do not match layout shape")

type layoutKind int

const (
	kindSingle layoutKind = iota
	kindRow
	kindGrid
	kindOverlay
)

// Layout arranges accumulator names into cells. Each cell lists the names
// drawn on top of each other, the first one defining the axes.
type Layout struct {
	kind  layoutKind
	cells [][][]string
}

// Single draws one accumulator.
func Single(name string) Layout {
	return Layout{kind: kindSingle, cells: [][][]string{{{name}}}}
}

// Row draws accumulators side by side in one row.
func Row(names ...string) Layout {
	row := make([][]string, len(names))
	for i, n := range names {
		row[i] = []string{n}
	}
	return Layout{kind: kindRow, cells: [][][]string{row}}
}

// Grid draws rows of accumulators. Rows may differ in length; the widest row
// sets the canvas width.
func Grid(rows ...[]string) Layout {
	cells := make([][][]string, len(rows))
	for iy, r := range rows {
		cells[iy] = make([][]string, len(r))
		for ix, n := range r {
			cells[iy][ix] = []string{n}
		}
	}
	return Layout{kind: kindGrid, cells: cells}
}

// Overlay draws a grid whose cells each superimpose several accumulators.
func Overlay(rows ...[][]string) Layout {
	return Layout{kind: kindOverlay, cells: rows}
}

// Shape returns the number of columns and rows of cells.
func (l Layout) Shape() (nx, ny int) {
	for _, r := range l.cells {
		nx = max(nx, len(r))
	}
	return nx, len(l.cells)
}

// Names returns every name in the layout in drawing order.
func (l Layout) Names() []string {
	var out []string
	for _, r := range l.cells {
		for _, c := range r {
			out = append(out, c...)
		}
	}
	return out
}

func (l Layout) validate() error {
	if len(l.cells) == 0 {
		return fmt.Errorf("%w: empty layout", ErrLayoutShape)
	}
	for iy, r := range l.cells {
		for ix, c := range r {
			if len(c) == 0 {
				return fmt.Errorf("%w: empty cell (%d,%d)", ErrLayoutShape, iy, ix)
			}
		}
	}
	return nil
}

// Style holds canvas wide display switches.
type Style struct {
	Width  int // per plot, pixels
	Height int // per plot, pixels
	Titles bool
	Stats  bool
	Fits   bool
}

// DefaultStyle shows titles and statistics in 500x400 plots.
func DefaultStyle() Style {
	return Style{Width: 500, Height: 400, Titles: true, Stats: true}
}

// Options selects draw options. Option applies to every plot unless Cells
// is set, in which case Cells must match the layout's rows and cells. In an
// overlay cell, plots after the first are drawn with the cell option plus
// "same".
type Options struct {
	Option string
	Cells  [][]string
	Style  Style
}

// cellOption returns the option for cell (iy, ix).
func (o Options) cellOption(iy, ix int) string {
	if o.Cells == nil {
		return o.Option
	}
	return o.Cells[iy][ix]
}

func (o Options) validate(l Layout) error {
	if o.Cells == nil {
		return nil
	}
	if l.kind == kindSingle {
		return fmt.Errorf("%w: per-cell options given for a single plot", ErrLayoutShape)
	}
	if len(o.Cells) != len(l.cells) {
		return fmt.Errorf("%w: %d option rows for %d layout rows", ErrLayoutShape, len(o.Cells), len(l.cells))
	}
	for iy := range l.cells {
		if len(o.Cells[iy]) != len(l.cells[iy]) {
			return fmt.Errorf("%w: row %d has %d options for %d cells",
				ErrLayoutShape, iy, len(o.Cells[iy]), len(l.cells[iy]))
		}
	}
	return nil
}
