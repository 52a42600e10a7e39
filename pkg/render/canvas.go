package render

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"sync/atomic"

	"github.com/eunmann/histcache/pkg/accum"
)

// Source resolves accumulator names for drawing.
type Source interface {
	Get(ctx context.Context, name string) (accum.Accumulator, error)
}

// Canvas is a drawn layout that can be redisplayed.
type Canvas interface {
	Name() string
	// Plots returns the number of accumulators drawn.
	Plots() int
	// Refresh re-fetches every accumulator from src.
	Refresh(ctx context.Context, src Source) error
	// Render writes the canvas to w.
	Render(w io.Writer) error
}

type plot struct {
	name   string
	option string
	acc    accum.Accumulator
}

type pad struct {
	ix, iy int
	plots  []plot
}

// TextCanvas renders plots as text.
type TextCanvas struct {
	name   string
	layout Layout
	opts   Options
	pads   []pad
}

var canvasSeq atomic.Int64

// Draw fetches every accumulator named by layout from src and draws them on
// a new canvas.
func Draw(ctx context.Context, src Source, layout Layout, opts Options) (*TextCanvas, error) {
	if err := layout.validate(); err != nil {
		return nil, err
	}
	if err := opts.validate(layout); err != nil {
		return nil, err
	}
	if opts.Style == (Style{}) {
		opts.Style = DefaultStyle()
	}

	c := &TextCanvas{
		name:   fmt.Sprintf("canvas%d", canvasSeq.Add(1)),
		layout: layout,
		opts:   opts,
	}
	for iy, row := range layout.cells {
		for ix, cell := range row {
			p := pad{ix: ix, iy: iy}
			base := opts.cellOption(iy, ix)
			for i, name := range cell {
				option := base
				if i > 0 {
					option = strings.TrimSpace(base + " same")
				}
				p.plots = append(p.plots, plot{name: name, option: option})
			}
			c.pads = append(c.pads, p)
		}
	}
	if err := c.Refresh(ctx, src); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *TextCanvas) Name() string { return c.name }

func (c *TextCanvas) Plots() int {
	n := 0
	for _, p := range c.pads {
		n += len(p.plots)
	}
	return n
}

func (c *TextCanvas) Refresh(ctx context.Context, src Source) error {
	for i := range c.pads {
		for j := range c.pads[i].plots {
			pl := &c.pads[i].plots[j]
			acc, err := src.Get(ctx, pl.name)
			if err != nil {
				return fmt.Errorf("draw %s: %w", pl.name, err)
			}
			pl.acc = acc
		}
	}
	return nil
}

func (c *TextCanvas) Render(w io.Writer) error {
	nx, ny := c.layout.Shape()
	st := c.opts.Style
	var b strings.Builder
	fmt.Fprintf(&b, "== %s (%dx%d, %dx%d px) ==\n", c.name, nx, ny, st.Width*nx, st.Height*ny)
	width := max(st.Width/10, 10)
	for _, p := range c.pads {
		if nx*ny > 1 {
			fmt.Fprintf(&b, "-- pad %d,%d --\n", p.iy, p.ix)
		}
		for _, pl := range p.plots {
			renderPlot(&b, pl, st, width)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

const sparks = " ▁▂▃▄▅▆▇█"

// sparkline rebins values into width columns and maps them to block glyphs.
func sparkline(values []float64, width int, logScale bool) string {
	if len(values) == 0 {
		return ""
	}
	width = min(width, len(values))
	cols := make([]float64, width)
	for i, v := range values {
		cols[i*width/len(values)] += v
	}
	if logScale {
		for i, v := range cols {
			cols[i] = math.Log10(math.Max(v, 0) + 1)
		}
	}
	peak := 0.0
	for _, v := range cols {
		peak = math.Max(peak, v)
	}
	runes := []rune(sparks)
	var b strings.Builder
	for _, v := range cols {
		idx := 0
		if peak > 0 && v > 0 {
			idx = 1 + int(v/peak*float64(len(runes)-2)+0.5)
			idx = min(idx, len(runes)-1)
		}
		b.WriteRune(runes[idx])
	}
	return b.String()
}

// moments returns the mean and standard deviation of a binned distribution.
func moments(centers, weights []float64) (mean, sigma float64) {
	var sw, swx, swx2 float64
	for i, w := range weights {
		sw += w
		swx += w * centers[i]
		swx2 += w * centers[i] * centers[i]
	}
	if sw <= 0 {
		return 0, 0
	}
	mean = swx / sw
	return mean, math.Sqrt(math.Max(swx2/sw-mean*mean, 0))
}

func renderPlot(b *strings.Builder, pl plot, st Style, width int) {
	logScale := strings.Contains(strings.ToLower(pl.option), "log")
	header := pl.name
	if st.Titles && pl.acc.Title() != "" {
		header = pl.acc.Title()
	}
	if pl.option != "" {
		header += " [" + pl.option + "]"
	}
	b.WriteString(header + "\n")

	switch a := pl.acc.(type) {
	case *accum.Histogram1D:
		n := a.NBins()
		centers := make([]float64, n)
		contents := make([]float64, n)
		for i := 1; i <= n; i++ {
			centers[i-1] = a.BinCenter(i)
			contents[i-1] = a.BinContent(i)
		}
		lo, hi := a.Range()
		fmt.Fprintf(b, "  |%s| [%g, %g)\n", sparkline(contents, width, logScale), lo, hi)
		mean, sigma := moments(centers, contents)
		if st.Stats {
			fmt.Fprintf(b, "  entries=%d mean=%.4g rms=%.4g underflow=%g overflow=%g\n",
				a.Entries(), mean, sigma, a.BinContent(0), a.BinContent(n+1))
		}
		if st.Fits {
			fmt.Fprintf(b, "  gaus: mean=%.4g sigma=%.4g\n", mean, sigma)
		}
	case *accum.Histogram2D:
		nx, ny := a.NBins()
		for iy := ny; iy >= 1; iy-- {
			row := make([]float64, nx)
			for ix := 1; ix <= nx; ix++ {
				row[ix-1] = a.BinContent(ix, iy)
			}
			fmt.Fprintf(b, "  |%s|\n", sparkline(row, width, logScale))
		}
		if st.Stats {
			fmt.Fprintf(b, "  entries=%d integral=%g\n", a.Entries(), a.Integral())
		}
	case *accum.Profile1D:
		n := a.NBins()
		means := make([]float64, n)
		for i := 1; i <= n; i++ {
			means[i-1] = a.BinMean(i)
		}
		fmt.Fprintf(b, "  |%s|\n", sparkline(means, width, logScale))
		if st.Stats {
			fmt.Fprintf(b, "  entries=%d\n", a.Entries())
		}
	case *accum.Table:
		fmt.Fprintf(b, "  %s\n", strings.Join(a.Columns(), "\t"))
		for i := range min(a.Len(), 5) {
			vals := make([]string, len(a.Row(i)))
			for j, v := range a.Row(i) {
				vals[j] = fmt.Sprintf("%.4g", v)
			}
			fmt.Fprintf(b, "  %s\n", strings.Join(vals, "\t"))
		}
		if st.Stats {
			fmt.Fprintf(b, "  (%d rows)\n", a.Len())
		}
	default:
		fmt.Fprintf(b, "  %T entries=%d\n", a, pl.acc.Entries())
	}
}
