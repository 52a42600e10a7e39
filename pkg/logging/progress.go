package logging

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/eunmann/histcache/pkg/humanfmt"
)

// ProgressTracker counts finished work chunks and estimates the time left.
// It is safe for concurrent use.
type ProgressTracker struct {
	total     int64
	completed atomic.Int64
	failed    atomic.Int64
	records   atomic.Int64
	startTime time.Time

	mu     sync.Mutex
	recent []time.Duration
}

const recentWindow = 10

// NewProgressTracker creates a tracker for total chunks.
func NewProgressTracker(total int64) *ProgressTracker {
	return &ProgressTracker{
		total:     total,
		startTime: time.Now(),
		recent:    make([]time.Duration, 0, recentWindow),
	}
}

// RecordCompletion records a finished chunk that read records rows.
func (pt *ProgressTracker) RecordCompletion(d time.Duration, records int64) {
	pt.completed.Add(1)
	pt.records.Add(records)

	pt.mu.Lock()
	if len(pt.recent) >= recentWindow {
		pt.recent = pt.recent[1:]
	}
	pt.recent = append(pt.recent, d)
	pt.mu.Unlock()
}

// RecordFailure records a chunk that ended in error.
func (pt *ProgressTracker) RecordFailure() {
	pt.failed.Add(1)
}

// Done returns the number of chunks that finished either way.
func (pt *ProgressTracker) Done() int64 {
	return pt.completed.Load() + pt.failed.Load()
}

// Total returns the chunk count.
func (pt *ProgressTracker) Total() int64 { return pt.total }

// Records returns the rows read by completed chunks.
func (pt *ProgressTracker) Records() int64 { return pt.records.Load() }

// Elapsed returns time since tracking started.
func (pt *ProgressTracker) Elapsed() time.Duration {
	return time.Since(pt.startTime)
}

// ETA estimates the time remaining from the moving average of recent chunk
// durations.
func (pt *ProgressTracker) ETA() time.Duration {
	remaining := pt.total - pt.Done()
	if remaining <= 0 {
		return 0
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	if len(pt.recent) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range pt.recent {
		sum += d
	}
	return sum / time.Duration(len(pt.recent)) * time.Duration(remaining)
}

// CompletionEvent builds a structured completion log line.
type CompletionEvent struct {
	log     zerolog.Logger
	event   string
	phase   string
	elapsed time.Duration
	fields  map[string]any
}

// NewCompletionEvent creates a completion event builder.
func NewCompletionEvent(log zerolog.Logger, event, phase string, elapsed time.Duration) *CompletionEvent {
	return &CompletionEvent{
		log:     log,
		event:   event,
		phase:   phase,
		elapsed: elapsed,
		fields:  make(map[string]any),
	}
}

// PhaseComplete starts a phase completion event.
func PhaseComplete(log zerolog.Logger, phase string, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "phase_completed", phase, elapsed)
}

// ChunkComplete starts a chunk completion event.
func ChunkComplete(log zerolog.Logger, phase string, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "chunk_completed", phase, elapsed)
}

// Str adds a string field.
func (ce *CompletionEvent) Str(key, val string) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Int adds an int field.
func (ce *CompletionEvent) Int(key string, val int) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Bytes adds a byte count with a human-readable companion in pretty mode.
func (ce *CompletionEvent) Bytes(key string, n int64) *CompletionEvent {
	ce.fields[key] = n
	if IsPrettyMode() {
		ce.fields[key+"_h"] = humanfmt.Bytes(n)
	}
	return ce
}

// Count adds a count with a human-readable companion in pretty mode.
func (ce *CompletionEvent) Count(key string, n int64) *CompletionEvent {
	ce.fields[key] = n
	if IsPrettyMode() {
		ce.fields[key+"_h"] = humanfmt.Count(n)
	}
	return ce
}

// Rate adds a records-per-second field derived from the event duration.
func (ce *CompletionEvent) Rate(key string, n int64) *CompletionEvent {
	if ce.elapsed > 0 {
		ce.fields[key] = float64(n) / ce.elapsed.Seconds()
		if IsPrettyMode() {
			ce.fields[key+"_h"] = humanfmt.Rate(n, ce.elapsed, "rec")
		}
	}
	return ce
}

// Progress adds chunk progress from a tracker.
func (ce *CompletionEvent) Progress(pt *ProgressTracker) *CompletionEvent {
	done, total := pt.Done(), pt.Total()
	ce.fields["chunks_done"] = done
	ce.fields["chunks_total"] = total
	if total > 0 {
		ce.fields["progress_pct"] = float64(done) * 100.0 / float64(total)
	}
	if eta := pt.ETA(); eta > 0 {
		ce.fields["eta_ms"] = eta.Milliseconds()
		if IsPrettyMode() {
			ce.fields["eta_h"] = humanfmt.Duration(eta)
		}
	}
	return ce
}

// Log emits the event at info level.
func (ce *CompletionEvent) Log(msg string) {
	ce.emit(ce.log.Info(), msg)
}

// LogDebug emits the event at debug level.
func (ce *CompletionEvent) LogDebug(msg string) {
	ce.emit(ce.log.Debug(), msg)
}

func (ce *CompletionEvent) emit(e *zerolog.Event, msg string) {
	e = e.Str("event", ce.event).
		Str("phase", ce.phase).
		Int64("duration_ms", ce.elapsed.Milliseconds())
	if IsPrettyMode() {
		e = e.Str("duration_h", humanfmt.Duration(ce.elapsed))
	}
	for k, v := range ce.fields {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}
