package accum

import (
	"fmt"
	"math"
)

// Histogram2D is a fixed-binning two dimensional histogram with
// under/overflow bins on both axes.
type Histogram2D struct {
	name     string
	title    string
	nx, ny   int
	xlo, xhi float64
	ylo, yhi float64
	sumw     []float64
	sumw2    []float64
	entries  int64
}

// NewHistogram2D creates an empty 2D histogram. It panics on invalid binning.
func NewHistogram2D(name, title string, nx int, xlo, xhi float64, ny int, ylo, yhi float64) *Histogram2D {
	if nx <= 0 || ny <= 0 || !(xhi > xlo) || !(yhi > ylo) {
		panic(fmt.Sprintf("accum: invalid 2D binning for %q", name))
	}
	n := (nx + 2) * (ny + 2)
	return &Histogram2D{
		name:  name,
		title: title,
		nx:    nx, xlo: xlo, xhi: xhi,
		ny: ny, ylo: ylo, yhi: yhi,
		sumw:  make([]float64, n),
		sumw2: make([]float64, n),
	}
}

func (h *Histogram2D) Name() string   { return h.name }
func (h *Histogram2D) Title() string  { return h.title }
func (h *Histogram2D) Kind() Kind     { return KindAdditive }
func (h *Histogram2D) Entries() int64 { return h.entries }

// NBins returns the in-range bin counts on x and y.
func (h *Histogram2D) NBins() (nx, ny int) { return h.nx, h.ny }

func axisBin(v, lo, hi float64, n int) int {
	switch {
	case math.IsNaN(v), v >= hi:
		return n + 1
	case v < lo:
		return 0
	}
	b := 1 + int((v-lo)/(hi-lo)*float64(n))
	if b > n {
		b = n
	}
	return b
}

func (h *Histogram2D) index(ix, iy int) int {
	return iy*(h.nx+2) + ix
}

// Fill adds (x, y) with unit weight.
func (h *Histogram2D) Fill(x, y float64) {
	h.FillWeighted(x, y, 1)
}

// FillWeighted adds (x, y) with weight w.
func (h *Histogram2D) FillWeighted(x, y, w float64) {
	i := h.index(axisBin(x, h.xlo, h.xhi, h.nx), axisBin(y, h.ylo, h.yhi, h.ny))
	h.sumw[i] += w
	h.sumw2[i] += w * w
	h.entries++
}

// BinContent returns the sum of weights in bin (ix, iy).
func (h *Histogram2D) BinContent(ix, iy int) float64 {
	if ix < 0 || ix > h.nx+1 || iy < 0 || iy > h.ny+1 {
		return 0
	}
	return h.sumw[h.index(ix, iy)]
}

// Integral returns the sum of weights over in-range bins.
func (h *Histogram2D) Integral() float64 {
	var sum float64
	for iy := 1; iy <= h.ny; iy++ {
		for ix := 1; ix <= h.nx; ix++ {
			sum += h.sumw[h.index(ix, iy)]
		}
	}
	return sum
}

// Add sums other into h.
func (h *Histogram2D) Add(other Accumulator) error {
	o, ok := other.(*Histogram2D)
	if !ok {
		return fmt.Errorf("%w: %q cannot add %T", ErrShapeMismatch, h.name, other)
	}
	if o.nx != h.nx || o.ny != h.ny || o.xlo != h.xlo || o.xhi != h.xhi || o.ylo != h.ylo || o.yhi != h.yhi {
		return fmt.Errorf("%w: %q 2D binning differs", ErrShapeMismatch, h.name)
	}
	for i := range h.sumw {
		h.sumw[i] += o.sumw[i]
		h.sumw2[i] += o.sumw2[i]
	}
	h.entries += o.entries
	return nil
}

// Clone returns a deep copy.
func (h *Histogram2D) Clone() Accumulator {
	c := *h
	c.sumw = append([]float64(nil), h.sumw...)
	c.sumw2 = append([]float64(nil), h.sumw2...)
	return &c
}

// Validate checks the bin arrays against the binning.
func (h *Histogram2D) Validate() error {
	n := (h.nx + 2) * (h.ny + 2)
	switch {
	case h.name == "":
		return fmt.Errorf("%w: histogram has no name", ErrInvalid)
	case h.nx <= 0 || h.ny <= 0:
		return fmt.Errorf("%w: %q binning", ErrInvalid, h.name)
	case len(h.sumw) != n || len(h.sumw2) != n:
		return fmt.Errorf("%w: %q has %d cells, want %d", ErrInvalid, h.name, len(h.sumw), n)
	}
	return nil
}
