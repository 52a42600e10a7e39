package engine

import (
	"fmt"
	"runtime/debug"

	"github.com/eunmann/histcache/pkg/accum"
	"github.com/eunmann/histcache/pkg/record"
	"github.com/eunmann/histcache/pkg/registry"
)

// RecordApplicationError reports a fill routine that failed or panicked on
// one record. The record is skipped for that definition only.
type RecordApplicationError struct {
	Definition string
	Source     string
	Record     int64 // position within the scanned stream
	Err        error
}

func (e *RecordApplicationError) Error() string {
	return fmt.Sprintf("fill %s on %s record %d: %v", e.Definition, e.Source, e.Record, e.Err)
}

func (e *RecordApplicationError) Unwrap() error { return e.Err }

// applyFill runs d's fill routine, converting a panic into an error.
func applyFill(d *registry.Definition, rec record.Record, set accum.Set) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return d.Fill(rec, set)
}
