// Package cli implements the command-line interface for histcache.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/eunmann/histcache/internal/logctx"
	"github.com/eunmann/histcache/pkg/cachestore"
	"github.com/eunmann/histcache/pkg/engine"
	"github.com/eunmann/histcache/pkg/logging"
	"github.com/eunmann/histcache/pkg/record"
	"github.com/eunmann/histcache/pkg/render"
	"github.com/eunmann/histcache/pkg/s3fetch"
	"github.com/eunmann/histcache/pkg/taskgraph"
)

// EnvCache names the environment variable used when --cache is not given.
const EnvCache = "HISTCACHE_CACHE"

const usage = "usage: histcache <command> [options]\ncommands: fill, list, show"

// Run executes the CLI with the given arguments, writing results to stdout.
func Run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}

	switch args[0] {
	case "fill":
		return runFill(ctx, args[1:], stdout)
	case "list":
		return runList(ctx, args[1:], stdout)
	case "show":
		return runShow(ctx, args[1:], stdout)
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// common holds flags shared by every subcommand.
type common struct {
	cache  string
	config string
	debug  bool
	human  bool
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.cache, "cache", "", "cache location, e.g. ./view.cache/ns1 or s3://bucket/ns1 (env "+EnvCache+")")
	fs.StringVar(&c.config, "config", "", "YAML file of summary definitions")
	fs.BoolVar(&c.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&c.human, "human", false, "human-readable console logs")
}

func (c *common) resolve() error {
	logging.Init(c.debug, c.human)
	logctx.SetDefaultLogger(*logging.L())
	if c.cache == "" {
		c.cache = os.Getenv(EnvCache)
	}
	if c.cache == "" {
		return fmt.Errorf("--cache is required (or set %s)", EnvCache)
	}
	return nil
}

// openSession opens the cache store and builds a session over sources with
// the definitions file, if any, declared.
func (c *common) openSession(ctx context.Context, sources []string, opts ...engine.Option) (*engine.Session, func(), error) {
	store, err := cachestore.OpenLocation(ctx, c.cache)
	if err != nil {
		return nil, nil, err
	}

	var downloader *s3fetch.Downloader
	for _, src := range sources {
		if !s3fetch.IsS3URI(src) {
			continue
		}
		client, err := s3fetch.NewClient(ctx)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		downloader = s3fetch.NewDownloader(client, s3fetch.DefaultDownloaderConfig())
		break
	}

	s := engine.New(record.NewChain(record.NewOpener(downloader), sources...), store, opts...)
	cleanup := func() {
		s.Close()
		store.Close()
	}
	if c.config != "" {
		defs, err := LoadDefinitions(c.config)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		if err := defs.Declare(s); err != nil {
			cleanup()
			return nil, nil, err
		}
	}
	return s, cleanup, nil
}

func runFill(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("fill", flag.ContinueOnError)
	var c common
	c.register(fs)
	workers := fs.Int("workers", 0, "parallel workers (0 scans sequentially)")
	chunkSize := fs.Int("chunk-size", 1, "sources per chunk; negative splits each source into that many row slices")
	groupSize := fs.Int("group-size", 0, "partial results merged per reduction node (0 uses the default)")
	monitor := fs.String("monitor", "", "address for the parallel monitoring endpoint")
	startRow := fs.Int64("start-row", 0, "records to skip (sequential only)")
	maxRows := fs.Int64("max-rows", 0, "maximum records to scan (sequential only, 0 is unlimited)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := c.resolve(); err != nil {
		return err
	}
	if c.config == "" {
		return errors.New("--config is required")
	}
	sources := fs.Args()
	if len(sources) == 0 {
		return errors.New("at least one source file is required")
	}

	s, cleanup, err := c.openSession(ctx, sources, engine.WithStartRow(*startRow), engine.WithMaxRows(*maxRows))
	if err != nil {
		return err
	}
	defer cleanup()

	if *workers > 0 {
		cfg := taskgraph.DefaultClusterConfig()
		cfg.Workers = *workers
		cfg.MonitorAddr = *monitor
		if err := s.EnableCluster(cfg); err != nil {
			return err
		}
		if link := s.DashboardLink(); link != "" {
			fmt.Fprintf(stdout, "dashboard: %s\n", link)
		}
	}

	res, err := s.Fill(ctx, engine.FillOptions{ChunkSize: *chunkSize, AccumGroupSize: *groupSize})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "mode=%s updated=%d nfiles=%d nrecords=%d failures=%d\n",
		res.Mode, res.Updated, res.Sources, res.Records, res.Failures)
	return nil
}

func runList(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	var c common
	c.register(fs)
	cached := fs.Bool("cached", false, "list every cache entry instead of declared summaries")
	dump := fs.Bool("dump", false, "print declared definitions with their state")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := c.resolve(); err != nil {
		return err
	}
	if !*cached && c.config == "" {
		return errors.New("--config is required unless --cached is given")
	}

	s, cleanup, err := c.openSession(ctx, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	n, err := s.List(ctx, *cached, stdout)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%d found\n", n)
	if *dump {
		return s.Dump(stdout)
	}
	return nil
}

func runShow(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	var c common
	c.register(fs)
	option := fs.String("option", "", "draw option applied to every plot, e.g. log")
	overlay := fs.Bool("overlay", false, "draw all names in one cell")
	fits := fs.Bool("fits", false, "show gaussian fit parameters")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := c.resolve(); err != nil {
		return err
	}
	names := fs.Args()
	if len(names) == 0 {
		return errors.New("at least one summary name is required")
	}

	s, cleanup, err := c.openSession(ctx, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	layout := render.Row(names...)
	if len(names) == 1 {
		layout = render.Single(names[0])
	} else if *overlay {
		layout = render.Overlay([][]string{names})
	}
	style := render.DefaultStyle()
	style.Fits = *fits
	if _, err := s.Draw(ctx, layout, render.Options{Option: strings.TrimSpace(*option), Style: style}); err != nil {
		return err
	}
	return s.UpdateCanvases(ctx, stdout)
}
