package record

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/eunmann/histcache/internal/logctx"
	"github.com/eunmann/histcache/pkg/fields"
)

// Chain is an ordered sequence of sources read as one logical record stream.
type Chain struct {
	sources []string
	opener  *Opener
}

// NewChain creates a chain over the given locators.
func NewChain(opener *Opener, sources ...string) *Chain {
	if opener == nil {
		opener = NewOpener(nil)
	}
	return &Chain{sources: append([]string(nil), sources...), opener: opener}
}

// Sources returns the locators in chain order.
func (c *Chain) Sources() []string { return c.sources }

// Len returns the number of sources.
func (c *Chain) Len() int { return len(c.sources) }

// Open opens source i.
func (c *Chain) Open(ctx context.Context, i int) (Reader, error) {
	if i < 0 || i >= len(c.sources) {
		return nil, fmt.Errorf("source index %d out of range [0, %d)", i, len(c.sources))
	}
	return c.opener.Open(ctx, c.sources[i])
}

// RowCounts returns the row count of every source. Sources that fail to open
// count as zero rows; their errors are joined into the returned error while
// the counts remain usable.
func (c *Chain) RowCounts(ctx context.Context) ([]int64, error) {
	counts := make([]int64, len(c.sources))
	errs := make([]error, len(c.sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(4, runtime.NumCPU()))
	for i := range c.sources {
		g.Go(func() error {
			r, err := c.Open(gctx, i)
			if err != nil {
				errs[i] = err
				return nil
			}
			counts[i] = r.NumRows()
			return r.Close()
		})
	}
	if err := g.Wait(); err != nil {
		return counts, err
	}
	if err := ctx.Err(); err != nil {
		return counts, err
	}
	return counts, errors.Join(errs...)
}

// ScanOptions selects which part of the chain a scan visits.
type ScanOptions struct {
	// Active restricts decoded fields; nil or the wildcard reads everything.
	Active fields.Set

	// FirstSource and NumSources select a contiguous range of sources.
	// NumSources <= 0 means through the last source.
	FirstSource int
	NumSources  int

	// RowStart and RowEnd restrict each selected source to [RowStart, RowEnd)
	// when RowEnd > RowStart.
	RowStart int64
	RowEnd   int64

	// StartRow skips that many records of the selected stream and MaxRows
	// stops after that many records (<= 0 is unlimited).
	StartRow int64
	MaxRows  int64
}

// ScanStats summarizes a scan.
type ScanStats struct {
	Sources int
	Records int64
	Failed  []error
}

// ScanFunc is invoked for every record with the chain index of its source.
// A non-nil error aborts the scan.
type ScanFunc func(src int, rec Record) error

// Scan visits records in chain order then storage order. Sources that fail
// to open or to read are logged, recorded in ScanStats.Failed and skipped;
// records read before a read failure are kept. Only a ScanFunc error or
// context cancellation aborts the scan.
func (c *Chain) Scan(ctx context.Context, opts ScanOptions, fn ScanFunc) (ScanStats, error) {
	var stats ScanStats
	logger := logctx.FromContext(ctx)

	last := len(c.sources)
	if opts.NumSources > 0 {
		last = min(last, opts.FirstSource+opts.NumSources)
	}
	skip := max(opts.StartRow, 0)

	for i := max(opts.FirstSource, 0); i < last; i++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if opts.MaxRows > 0 && stats.Records >= opts.MaxRows {
			break
		}

		r, err := c.Open(ctx, i)
		if err != nil {
			logger.Warn().Err(err).Int("source", i).Msg("skipping source")
			stats.Failed = append(stats.Failed, err)
			continue
		}
		n, err := c.scanOne(r, i, opts, &skip, &stats, fn)
		r.Close()
		if n > 0 {
			stats.Sources++
		}
		var serr *SourceOpenError
		if errors.As(err, &serr) {
			logger.Warn().Err(err).Int("source", i).Int64("records", n).Msg("source failed mid-read, keeping records read so far")
			stats.Failed = append(stats.Failed, err)
			continue
		}
		if err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (c *Chain) scanOne(r Reader, src int, opts ScanOptions, skip *int64, stats *ScanStats, fn ScanFunc) (int64, error) {
	if opts.Active != nil && !opts.Active.IsAll() {
		r.SetActive(opts.Active)
	}

	start, end := int64(0), r.NumRows()
	if opts.RowEnd > opts.RowStart {
		start = min(max(opts.RowStart, 0), end)
		end = min(opts.RowEnd, end)
	}
	if avail := end - start; *skip >= avail {
		*skip -= avail
		return 0, nil
	}
	start += *skip
	*skip = 0

	if start > 0 {
		if err := r.SeekToRow(start); err != nil {
			return 0, &SourceOpenError{Locator: c.sources[src], Err: err}
		}
	}

	var n int64
	for row := start; row < end; row++ {
		if opts.MaxRows > 0 && stats.Records >= opts.MaxRows {
			break
		}
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, &SourceOpenError{Locator: c.sources[src], Err: err}
		}
		n++
		stats.Records++
		if err := fn(src, rec); err != nil {
			return n, err
		}
	}
	return n, nil
}
