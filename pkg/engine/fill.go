package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/eunmann/histcache/internal/logctx"
	"github.com/eunmann/histcache/pkg/accum"
	"github.com/eunmann/histcache/pkg/cachestore"
	"github.com/eunmann/histcache/pkg/fields"
	"github.com/eunmann/histcache/pkg/logging"
	"github.com/eunmann/histcache/pkg/partition"
	"github.com/eunmann/histcache/pkg/record"
	"github.com/eunmann/histcache/pkg/reduce"
	"github.com/eunmann/histcache/pkg/registry"
	"github.com/eunmann/histcache/pkg/taskgraph"
)

const (
	// StatsDefinition is the definition recording records per source.
	StatsDefinition = "fill_histograms statistics"
	// StatsName is its accumulator: one bin per 1-based source index.
	StatsName = "fill_stats"
)

// Fill modes.
const (
	ModeNone       = "none"
	ModeSequential = "sequential"
	ModeParallel   = "parallel"
)

// maxLoggedFailures bounds warn-level logging of record failures per fill.
const maxLoggedFailures = 10

// FillOptions tunes parallel fills. Sequential fills ignore them.
type FillOptions struct {
	// ChunkSize > 0 groups that many whole sources per chunk; < 0 splits
	// each source into |ChunkSize| row slices. Zero is a configuration
	// error in parallel mode.
	ChunkSize int
	// AccumGroupSize is the fan-in of merge nodes; values below 2 select
	// partition.DefaultAccumGroupSize.
	AccumGroupSize int
}

// DefaultFillOptions uses one source per chunk.
func DefaultFillOptions() FillOptions {
	return FillOptions{ChunkSize: 1, AccumGroupSize: partition.DefaultAccumGroupSize}
}

// FillResult summarizes a fill.
type FillResult struct {
	// Updated is the number of user definitions filled and persisted.
	Updated int
	// Sources is the number of sources that contributed at least one record.
	Sources int
	// Records is the number of records scanned.
	Records int64
	// Failures counts record application errors and unopenable sources.
	Failures int64
	Mode     string
}

// fillRun is the state of one Fill call.
type fillRun struct {
	s        *Session
	pending  []*registry.Definition
	stats    *registry.Definition
	all      []*registry.Definition // pending plus stats
	active   fields.Set
	failures atomic.Int64
	logged   atomic.Int64
}

// Fill computes every declared summary that is not cached yet.
func (s *Session) Fill(ctx context.Context, opts FillOptions) (FillResult, error) {
	start := time.Now()
	ctx = logctx.WithStr(ctx, "namespace", s.store.Namespace())
	logger := logctx.FromContext(ctx)

	if s.client != nil && opts.ChunkSize == 0 {
		return FillResult{}, fmt.Errorf("fill: chunk size 0: %w", partition.ErrConfiguration)
	}
	if err := s.registerStats(); err != nil {
		return FillResult{}, err
	}
	if err := s.probe(ctx); err != nil {
		return FillResult{}, err
	}

	run := &fillRun{s: s}
	for _, d := range s.reg.Pending() {
		if d.Name == StatsDefinition {
			continue
		}
		run.pending = append(run.pending, d)
	}
	if len(run.pending) == 0 {
		logger.Debug().Msg("all summaries cached")
		return FillResult{Mode: ModeNone}, nil
	}
	run.stats, _ = s.reg.Get(StatsDefinition)
	run.stats.State = registry.Pending
	run.all = append(append([]*registry.Definition(nil), run.pending...), run.stats)

	active := fields.Set{}
	for _, d := range run.pending {
		active = active.Union(d.Fields)
	}
	if !active.IsAll() {
		run.active = active
	}
	logger.Debug().
		Int("pending", len(run.pending)).
		Str("fields", active.String()).
		Msg("filling summaries")

	var (
		sets map[string]accum.Set
		mode string
		err  error
	)
	if s.client == nil {
		mode = ModeSequential
		sets, err = run.sequential(ctx)
	} else {
		mode = ModeParallel
		sets, err = run.parallel(ctx, opts)
	}
	if err != nil {
		for _, d := range run.all {
			d.State = registry.Uncomputed
			d.Filling = nil
		}
		return FillResult{}, err
	}

	res := FillResult{Mode: mode, Failures: run.failures.Load()}
	res.Updated = run.persist(ctx, sets)

	hist := sets[StatsDefinition][StatsName].(*accum.Histogram1D)
	for i := 1; i <= hist.NBins(); i++ {
		if hist.BinContent(i) > 0 {
			res.Sources++
		}
	}
	res.Records = int64(hist.Integral())

	logging.PhaseComplete(logger, logging.PhasePersist, time.Since(start)).
		Str("mode", mode).
		Int("updated", res.Updated).
		Int("nfiles", res.Sources).
		Count("nrecords", res.Records).
		Count("failures", res.Failures).
		Rate("records_per_sec", res.Records).
		Log("fill complete")
	return res, nil
}

// registerStats (re)declares the statistics definition sized to the chain.
func (s *Session) registerStats() error {
	n := s.chain.Len()
	init := func() accum.Set {
		return accum.Set{StatsName: accum.NewHistogram1D(StatsName,
			"records per source", max(n, 1), 1, float64(max(n, 1)+1))}
	}
	noop := func(record.Record, accum.Set) error { return nil }
	if d, ok := s.reg.Get(StatsDefinition); ok && d.Filled != nil {
		if h, ok := d.Filled[StatsName].(*accum.Histogram1D); ok && h.NBins() == max(n, 1) {
			return nil
		}
	}
	_, err := s.reg.Register(StatsDefinition, init, noop,
		registry.WithFields(), registry.WithTitle("records per source"))
	return err
}

// probe marks each definition Filled when all its accumulators are resident
// or cached, and Pending otherwise.
func (s *Session) probe(ctx context.Context) error {
	start := time.Now()
	logger := logctx.FromContext(ctx)
	var hits, misses int
	for _, d := range s.reg.Definitions() {
		if d.State == registry.Filled && d.Filled != nil {
			hits++
			continue
		}
		set := make(accum.Set, len(d.Kinds))
		complete := true
	names:
		for _, name := range d.Names() {
			acc, err := s.store.Lookup(ctx, name)
			switch {
			case err == nil:
				set[name] = acc
				continue
			case errors.Is(err, cachestore.ErrCorruptEntry):
				logger.Warn().Err(err).Str("name", name).Msg("treating corrupt entry as a miss")
			case !errors.Is(err, cachestore.ErrNotFound):
				return fmt.Errorf("probe %s: %w", name, err)
			}
			complete = false
			break names
		}
		if complete {
			d.State = registry.Filled
			d.Filled = set
			hits++
		} else {
			d.State = registry.Pending
			d.Filled = nil
			misses++
		}
	}
	logging.PhaseComplete(logger, logging.PhaseProbe, time.Since(start)).
		Int("cached", hits).
		Int("pending", misses).
		LogDebug("cache probed")
	return nil
}

// newSets builds fresh accumulators for every pending definition and the
// statistics definition.
func (r *fillRun) newSets() (map[string]accum.Set, error) {
	sets := make(map[string]accum.Set, len(r.pending)+1)
	for _, d := range r.all {
		set, err := d.NewSet()
		if err != nil {
			return nil, err
		}
		sets[d.Name] = set
	}
	return sets, nil
}

// scanInto applies every pending fill routine to each record selected by
// opts, counting failures instead of aborting.
func (r *fillRun) scanInto(ctx context.Context, sets map[string]accum.Set, opts record.ScanOptions) (record.ScanStats, error) {
	logger := logctx.FromContext(ctx)
	hist := sets[StatsDefinition][StatsName].(*accum.Histogram1D)
	sources := r.s.chain.Sources()

	var seq int64
	stats, err := r.s.chain.Scan(ctx, opts, func(src int, rec record.Record) error {
		hist.Fill(float64(src + 1))
		for _, d := range r.pending {
			if ferr := applyFill(d, rec, sets[d.Name]); ferr != nil {
				r.recordFailure(logger, &RecordApplicationError{
					Definition: d.Name,
					Source:     sources[src],
					Record:     seq,
					Err:        ferr,
				})
			}
		}
		seq++
		return nil
	})
	for _, ferr := range stats.Failed {
		r.recordFailure(logger, ferr)
	}
	return stats, err
}

func (r *fillRun) recordFailure(logger zerolog.Logger, err error) {
	r.failures.Add(1)
	level := zerolog.WarnLevel
	if r.logged.Add(1) > maxLoggedFailures {
		level = zerolog.DebugLevel
	}
	logger.WithLevel(level).Err(err).Msg("record skipped")
}

func (r *fillRun) sequential(ctx context.Context) (map[string]accum.Set, error) {
	start := time.Now()
	sets, err := r.newSets()
	if err != nil {
		return nil, err
	}
	for _, d := range r.pending {
		d.Filling = sets[d.Name]
	}

	stats, err := r.scanInto(ctx, sets, record.ScanOptions{
		Active:   r.active,
		StartRow: r.s.startRow,
		MaxRows:  r.s.maxRows,
	})
	if err != nil {
		return nil, err
	}

	logging.PhaseComplete(logctx.FromContext(ctx), logging.PhaseScan, time.Since(start)).
		Int("sources", stats.Sources).
		Count("records", stats.Records).
		Rate("records_per_sec", stats.Records).
		LogDebug("sequential scan complete")
	return sets, nil
}

func (r *fillRun) kinds() reduce.Kinds {
	k := make(reduce.Kinds, len(r.pending)+1)
	for _, d := range r.all {
		k[d.Name] = d.Kinds
	}
	return k
}

func (r *fillRun) parallel(ctx context.Context, opts FillOptions) (map[string]accum.Set, error) {
	start := time.Now()
	logger := logctx.FromContext(ctx)
	if opts.AccumGroupSize == 0 {
		opts.AccumGroupSize = DefaultFillOptions().AccumGroupSize
	}

	rows := make([]int64, r.s.chain.Len())
	if opts.ChunkSize < 0 {
		var err error
		rows, err = r.s.chain.RowCounts(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			logger.Warn().Err(err).Msg("some sources could not be sized")
			if joined, ok := err.(interface{ Unwrap() []error }); ok {
				r.failures.Add(int64(len(joined.Unwrap())))
			} else {
				r.failures.Add(1)
			}
		}
	}
	chunks, err := partition.Plan(rows, opts.ChunkSize)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return r.newSets()
	}

	reducer := reduce.New(r.kinds())
	tracker := logging.NewProgressTracker(int64(len(chunks)))
	g := taskgraph.NewGraph()

	level := make([]taskgraph.NodeID, len(chunks))
	for i, c := range chunks {
		level[i] = g.Add(r.chunkNode(c, tracker))
	}
	merge := func(_ context.Context, deps []any) (any, error) {
		parts := make([]reduce.Partial, len(deps))
		for i, d := range deps {
			parts[i] = d.(reduce.Partial)
		}
		return reducer.Merge(parts)
	}
	for _, lvl := range partition.Topology(len(level), opts.AccumGroupSize) {
		next := make([]taskgraph.NodeID, len(lvl))
		for i, grp := range lvl {
			next[i] = g.Add(merge, level[grp.First:grp.First+grp.Count]...)
		}
		level = next
	}

	h, err := r.s.client.Submit(ctx, g, level[0])
	if err != nil {
		return nil, fmt.Errorf("submit fill graph: %w", err)
	}
	logger.Debug().
		Str("submission", h.ID()).
		Int("chunks", len(chunks)).
		Int("nodes", g.Len()).
		Msg("fill graph submitted")

	out, err := h.Result(ctx)
	if err != nil {
		return nil, fmt.Errorf("fill graph: %w", err)
	}
	final := out.(reduce.Partial)

	logging.PhaseComplete(logger, logging.PhaseReduce, time.Since(start)).
		Int("chunks", len(chunks)).
		Count("records", final.Records).
		Rate("records_per_sec", final.Records).
		LogDebug("parallel fill complete")
	return final.Sets, nil
}

// chunkNode returns a graph node scanning chunk c into fresh accumulators.
func (r *fillRun) chunkNode(c partition.Chunk, tracker *logging.ProgressTracker) taskgraph.Func {
	return func(ctx context.Context, _ []any) (any, error) {
		start := time.Now()
		ctx = logctx.WithChunk(ctx, c.Seq)
		sets, err := r.newSets()
		if err != nil {
			tracker.RecordFailure()
			return nil, err
		}
		stats, err := r.scanInto(ctx, sets, record.ScanOptions{
			Active:      r.active,
			FirstSource: c.FirstSource,
			NumSources:  c.NumSources,
			RowStart:    c.RowStart,
			RowEnd:      c.RowEnd,
		})
		if err != nil {
			tracker.RecordFailure()
			return nil, err
		}
		elapsed := time.Since(start)
		tracker.RecordCompletion(elapsed, stats.Records)
		logging.ChunkComplete(logctx.FromContext(ctx), logging.PhaseScan, elapsed).
			Count("records", stats.Records).
			Progress(tracker).
			LogDebug("chunk complete")
		return reduce.Partial{Seq: c.Seq, Records: stats.Records, Sets: sets}, nil
	}
}

// persist stores the accumulators of every pending definition and the
// statistics definition. A definition with any failed store reverts to
// Uncomputed. It returns the number of user definitions persisted.
func (r *fillRun) persist(ctx context.Context, sets map[string]accum.Set) int {
	start := time.Now()
	logger := logctx.FromContext(ctx)
	var updated int
	for _, d := range r.all {
		set := sets[d.Name]
		d.Filling = nil
		ok := set != nil
		dctx := logctx.WithDefinition(ctx, d.Name)
		for _, name := range set.Names() {
			if err := r.s.store.Store(dctx, set[name]); err != nil {
				dlog := logctx.FromContext(dctx)
				dlog.Error().Err(err).Str("name", name).Msg("store failed")
				ok = false
			}
		}
		if !ok {
			d.State = registry.Uncomputed
			d.Filled = nil
			continue
		}
		d.State = registry.Filled
		d.Filled = set
		if d != r.stats {
			updated++
		}
	}
	logging.PhaseComplete(logger, logging.PhasePersist, time.Since(start)).
		Int("updated", updated).
		LogDebug("accumulators stored")
	return updated
}
