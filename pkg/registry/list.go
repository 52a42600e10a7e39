package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/eunmann/histcache/internal/logctx"
	"github.com/eunmann/histcache/pkg/accum"
	"github.com/eunmann/histcache/pkg/cachestore"
	"github.com/eunmann/histcache/pkg/humanfmt"
)

// Catalog is the read side of a cache store.
type Catalog interface {
	Lookup(ctx context.Context, name string) (accum.Accumulator, error)
	Entries(ctx context.Context) ([]cachestore.Entry, error)
}

// List prints known summaries to w and returns how many were found.
//
// With includeCached false every accumulator of every definition is listed:
// name, title and entry count when a filled copy is resident or in the
// catalog, otherwise "unfilled". With includeCached true the catalog is
// enumerated directly, which can show entries written by other processes
// that no local definition declares.
func (r *Registry) List(ctx context.Context, catalog Catalog, includeCached bool, w io.Writer) (int, error) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	var found int
	var err error
	if includeCached {
		found, err = listCatalog(ctx, catalog, tw)
	} else {
		found, err = r.listDefinitions(ctx, catalog, tw)
	}
	if err != nil {
		return found, err
	}
	return found, tw.Flush()
}

func (r *Registry) listDefinitions(ctx context.Context, catalog Catalog, w io.Writer) (int, error) {
	logger := logctx.FromContext(ctx)
	var found int
	for _, d := range r.Definitions() {
		scratch, err := d.NewSet()
		if err != nil {
			return found, err
		}
		for _, name := range scratch.Names() {
			acc := d.Filled[name]
			if acc == nil && catalog != nil {
				acc, err = catalog.Lookup(ctx, name)
				switch {
				case err == nil:
				case errors.Is(err, cachestore.ErrNotFound):
				case errors.Is(err, cachestore.ErrCorruptEntry):
					logger.Warn().Err(err).Str("name", name).Msg("ignoring corrupt cache entry")
				default:
					return found, err
				}
			}
			if acc == nil {
				fmt.Fprintf(w, "%s\t%s\tunfilled\n", name, scratch[name].Title())
				continue
			}
			found++
			fmt.Fprintf(w, "%s\t%s\t%d\n", name, acc.Title(), acc.Entries())
		}
	}
	return found, nil
}

func listCatalog(ctx context.Context, catalog Catalog, w io.Writer) (int, error) {
	if catalog == nil {
		return 0, nil
	}
	entries, err := catalog.Entries(ctx)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			e.Name, e.Title, e.Entries, humanfmt.Bytes(e.Size), e.Written.Format("2006-01-02 15:04:05"))
	}
	return len(entries), nil
}

// Dump prints every definition with its state, field dependencies and the
// accumulators it holds.
func (r *Registry) Dump(w io.Writer) error {
	for _, d := range r.Definitions() {
		if _, err := fmt.Fprintf(w, "%s [%s] fields=%s\n", d.Name, d.State, d.Fields); err != nil {
			return err
		}
		for _, name := range d.Names() {
			status := "-"
			switch {
			case d.Filled[name] != nil:
				status = fmt.Sprintf("filled entries=%d", d.Filled[name].Entries())
			case d.Filling[name] != nil:
				status = fmt.Sprintf("filling entries=%d", d.Filling[name].Entries())
			}
			if _, err := fmt.Fprintf(w, "  %s (%s) %s\n", name, d.Kinds[name], status); err != nil {
				return err
			}
		}
	}
	return nil
}
