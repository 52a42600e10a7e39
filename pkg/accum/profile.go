package accum

import (
	"fmt"
	"math"
)

// Profile1D records the mean of y in bins of x.
type Profile1D struct {
	name    string
	title   string
	nbins   int
	lo, hi  float64
	sumw    []float64
	sumwy   []float64
	sumwy2  []float64
	entries int64
}

// NewProfile1D creates an empty profile. It panics on invalid binning.
func NewProfile1D(name, title string, nbins int, lo, hi float64) *Profile1D {
	if nbins <= 0 || !(hi > lo) {
		panic(fmt.Sprintf("accum: invalid binning for %q", name))
	}
	return &Profile1D{
		name:   name,
		title:  title,
		nbins:  nbins,
		lo:     lo,
		hi:     hi,
		sumw:   make([]float64, nbins+2),
		sumwy:  make([]float64, nbins+2),
		sumwy2: make([]float64, nbins+2),
	}
}

func (p *Profile1D) Name() string   { return p.name }
func (p *Profile1D) Title() string  { return p.title }
func (p *Profile1D) Kind() Kind     { return KindAdditive }
func (p *Profile1D) Entries() int64 { return p.entries }

// NBins returns the number of in-range bins.
func (p *Profile1D) NBins() int { return p.nbins }

// Fill adds y at x with unit weight.
func (p *Profile1D) Fill(x, y float64) {
	b := axisBin(x, p.lo, p.hi, p.nbins)
	p.sumw[b]++
	p.sumwy[b] += y
	p.sumwy2[b] += y * y
	p.entries++
}

// BinMean returns the mean y of bin i, or 0 for an empty bin.
func (p *Profile1D) BinMean(i int) float64 {
	if i < 0 || i >= len(p.sumw) || p.sumw[i] == 0 {
		return 0
	}
	return p.sumwy[i] / p.sumw[i]
}

// BinSpread returns the standard deviation of y in bin i.
func (p *Profile1D) BinSpread(i int) float64 {
	if i < 0 || i >= len(p.sumw) || p.sumw[i] == 0 {
		return 0
	}
	m := p.sumwy[i] / p.sumw[i]
	v := p.sumwy2[i]/p.sumw[i] - m*m
	if v < 0 {
		return 0
	}
	return math.Sqrt(v)
}

// Add sums other into p.
func (p *Profile1D) Add(other Accumulator) error {
	o, ok := other.(*Profile1D)
	if !ok {
		return fmt.Errorf("%w: %q cannot add %T", ErrShapeMismatch, p.name, other)
	}
	if o.nbins != p.nbins || o.lo != p.lo || o.hi != p.hi {
		return fmt.Errorf("%w: %q profile binning differs", ErrShapeMismatch, p.name)
	}
	for i := range p.sumw {
		p.sumw[i] += o.sumw[i]
		p.sumwy[i] += o.sumwy[i]
		p.sumwy2[i] += o.sumwy2[i]
	}
	p.entries += o.entries
	return nil
}

// Clone returns a deep copy.
func (p *Profile1D) Clone() Accumulator {
	c := *p
	c.sumw = append([]float64(nil), p.sumw...)
	c.sumwy = append([]float64(nil), p.sumwy...)
	c.sumwy2 = append([]float64(nil), p.sumwy2...)
	return &c
}

// Validate checks the bin arrays against the binning.
func (p *Profile1D) Validate() error {
	n := p.nbins + 2
	if p.name == "" || p.nbins <= 0 {
		return fmt.Errorf("%w: profile %q", ErrInvalid, p.name)
	}
	if len(p.sumw) != n || len(p.sumwy) != n || len(p.sumwy2) != n {
		return fmt.Errorf("%w: %q bin arrays do not match binning", ErrInvalid, p.name)
	}
	return nil
}
