package accum

import (
	"fmt"
	"math"
)

// Histogram1D is a fixed-binning one dimensional histogram.
//
// Bin 0 is the underflow bin and bin NBins()+1 the overflow bin; bins
// 1..NBins() cover [lo, hi) in equal widths.
type Histogram1D struct {
	name    string
	title   string
	nbins   int
	lo, hi  float64
	sumw    []float64
	sumw2   []float64
	sumwx   float64
	entries int64
}

// NewHistogram1D creates an empty histogram. It panics on an invalid
// binning, which is a programming error in a constructor.
func NewHistogram1D(name, title string, nbins int, lo, hi float64) *Histogram1D {
	if nbins <= 0 || !(hi > lo) {
		panic(fmt.Sprintf("accum: invalid binning for %q: nbins=%d lo=%g hi=%g", name, nbins, lo, hi))
	}
	return &Histogram1D{
		name:  name,
		title: title,
		nbins: nbins,
		lo:    lo,
		hi:    hi,
		sumw:  make([]float64, nbins+2),
		sumw2: make([]float64, nbins+2),
	}
}

func (h *Histogram1D) Name() string   { return h.name }
func (h *Histogram1D) Title() string  { return h.title }
func (h *Histogram1D) Kind() Kind     { return KindAdditive }
func (h *Histogram1D) Entries() int64 { return h.entries }

// NBins returns the number of in-range bins.
func (h *Histogram1D) NBins() int { return h.nbins }

// Range returns the lower and upper edge of the in-range bins.
func (h *Histogram1D) Range() (lo, hi float64) { return h.lo, h.hi }

// FindBin returns the bin index for x, including under/overflow.
func (h *Histogram1D) FindBin(x float64) int {
	switch {
	case math.IsNaN(x), x >= h.hi:
		return h.nbins + 1
	case x < h.lo:
		return 0
	}
	b := 1 + int((x-h.lo)/(h.hi-h.lo)*float64(h.nbins))
	if b > h.nbins {
		b = h.nbins
	}
	return b
}

// Fill adds x with unit weight.
func (h *Histogram1D) Fill(x float64) {
	h.FillWeighted(x, 1)
}

// FillWeighted adds x with weight w.
func (h *Histogram1D) FillWeighted(x, w float64) {
	b := h.FindBin(x)
	h.sumw[b] += w
	h.sumw2[b] += w * w
	if b >= 1 && b <= h.nbins {
		h.sumwx += w * x
	}
	h.entries++
}

// BinContent returns the sum of weights in bin i.
func (h *Histogram1D) BinContent(i int) float64 {
	if i < 0 || i >= len(h.sumw) {
		return 0
	}
	return h.sumw[i]
}

// BinError returns the statistical error of bin i.
func (h *Histogram1D) BinError(i int) float64 {
	if i < 0 || i >= len(h.sumw2) {
		return 0
	}
	return math.Sqrt(h.sumw2[i])
}

// BinCenter returns the center of in-range bin i.
func (h *Histogram1D) BinCenter(i int) float64 {
	w := (h.hi - h.lo) / float64(h.nbins)
	return h.lo + (float64(i)-0.5)*w
}

// Integral returns the sum of weights over the in-range bins.
func (h *Histogram1D) Integral() float64 {
	var sum float64
	for i := 1; i <= h.nbins; i++ {
		sum += h.sumw[i]
	}
	return sum
}

// Mean returns the weighted mean of in-range fills.
func (h *Histogram1D) Mean() float64 {
	sw := h.Integral()
	if sw == 0 {
		return 0
	}
	return h.sumwx / sw
}

// Add sums other into h.
func (h *Histogram1D) Add(other Accumulator) error {
	o, ok := other.(*Histogram1D)
	if !ok {
		return fmt.Errorf("%w: %q cannot add %T", ErrShapeMismatch, h.name, other)
	}
	if o.nbins != h.nbins || o.lo != h.lo || o.hi != h.hi {
		return fmt.Errorf("%w: %q binning (%d,%g,%g) vs (%d,%g,%g)",
			ErrShapeMismatch, h.name, h.nbins, h.lo, h.hi, o.nbins, o.lo, o.hi)
	}
	for i := range h.sumw {
		h.sumw[i] += o.sumw[i]
		h.sumw2[i] += o.sumw2[i]
	}
	h.sumwx += o.sumwx
	h.entries += o.entries
	return nil
}

// Clone returns a deep copy.
func (h *Histogram1D) Clone() Accumulator {
	c := *h
	c.sumw = append([]float64(nil), h.sumw...)
	c.sumw2 = append([]float64(nil), h.sumw2...)
	return &c
}

// Validate checks the bin arrays against the binning.
func (h *Histogram1D) Validate() error {
	switch {
	case h.name == "":
		return fmt.Errorf("%w: histogram has no name", ErrInvalid)
	case h.nbins <= 0 || !(h.hi > h.lo):
		return fmt.Errorf("%w: %q binning", ErrInvalid, h.name)
	case len(h.sumw) != h.nbins+2 || len(h.sumw2) != h.nbins+2:
		return fmt.Errorf("%w: %q has %d bins, want %d", ErrInvalid, h.name, len(h.sumw), h.nbins+2)
	}
	return nil
}
