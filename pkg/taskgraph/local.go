package taskgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/eunmann/histcache/internal/logctx"
)

// ErrClosed indicates a submission to a closed cluster.
var ErrClosed = errors.New("cluster closed")

// ClusterConfig configures a LocalCluster.
type ClusterConfig struct {
	// Workers bounds concurrently running nodes.
	Workers int
	// MonitorAddr is the listen address of the /metrics and /status
	// endpoint. Empty disables monitoring.
	MonitorAddr string
	// KeepSubmissions bounds the submissions reported by /status.
	KeepSubmissions int
}

// DefaultClusterConfig uses one worker per CPU and a loopback monitor on an
// ephemeral port.
func DefaultClusterConfig() ClusterConfig {
	return ClusterConfig{
		Workers:         runtime.NumCPU(),
		MonitorAddr:     "127.0.0.1:0",
		KeepSubmissions: 32,
	}
}

type clusterMetrics struct {
	submissions prometheus.Counter
	nodes       *prometheus.CounterVec
	running     prometheus.Gauge
	duration    prometheus.Histogram
}

func newClusterMetrics(reg prometheus.Registerer) *clusterMetrics {
	f := promauto.With(reg)
	return &clusterMetrics{
		submissions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "histcache",
			Subsystem: "taskgraph",
			Name:      "submissions_total",
			Help:      "Graphs submitted to the cluster.",
		}),
		nodes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "histcache",
			Subsystem: "taskgraph",
			Name:      "nodes_total",
			Help:      "Nodes finished, by status.",
		}, []string{"status"}),
		running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "histcache",
			Subsystem: "taskgraph",
			Name:      "nodes_running",
			Help:      "Nodes currently holding a worker.",
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "histcache",
			Subsystem: "taskgraph",
			Name:      "node_duration_seconds",
			Help:      "Node run time.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
}

// LocalCluster evaluates graphs on a bounded in-process worker pool.
type LocalCluster struct {
	cfg      ClusterConfig
	sem      *semaphore.Weighted
	registry *prometheus.Registry
	metrics  *clusterMetrics

	ctx    context.Context
	cancel context.CancelFunc

	listener net.Listener
	server   *http.Server

	mu          sync.Mutex
	closed      bool
	submissions []*submission
}

// NewLocalCluster starts a cluster and, if configured, its monitor.
func NewLocalCluster(cfg ClusterConfig) (*LocalCluster, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.KeepSubmissions <= 0 {
		cfg.KeepSubmissions = DefaultClusterConfig().KeepSubmissions
	}

	reg := prometheus.NewRegistry()
	c := &LocalCluster{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		registry: reg,
		metrics:  newClusterMetrics(reg),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if cfg.MonitorAddr != "" {
		ln, err := net.Listen("tcp", cfg.MonitorAddr)
		if err != nil {
			c.cancel()
			return nil, fmt.Errorf("listen monitor %s: %w", cfg.MonitorAddr, err)
		}
		c.listener = ln
		c.server = &http.Server{Handler: c.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go c.server.Serve(ln)
	}
	return c, nil
}

// Handler serves /metrics and /status.
func (c *LocalCluster) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", c.serveStatus)
	return mux
}

// Registry exposes the cluster's metrics registry.
func (c *LocalCluster) Registry() *prometheus.Registry { return c.registry }

// DashboardLink returns the /status URL of the monitor.
func (c *LocalCluster) DashboardLink() string {
	if c.listener == nil {
		return ""
	}
	return "http://" + c.listener.Addr().String() + "/status"
}

// Submit starts evaluating target and the nodes it depends on.
func (c *LocalCluster) Submit(ctx context.Context, g *Graph, target NodeID) (Handle, error) {
	order, err := g.closure(target)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	s := &submission{
		id:      uuid.NewString(),
		nodes:   len(order),
		started: time.Now(),
		done:    make(chan struct{}),
	}
	c.submissions = append(c.submissions, s)
	if over := len(c.submissions) - c.cfg.KeepSubmissions; over > 0 {
		c.submissions = c.submissions[over:]
	}
	c.mu.Unlock()
	c.metrics.submissions.Inc()

	logger := logctx.FromContext(ctx).With().Str("submission", s.id).Logger()
	logger.Debug().Int("nodes", len(order)).Msg("graph submitted")

	go c.run(logctx.WithLogger(c.ctx, logger), g, order, target, s)
	return s, nil
}

func (c *LocalCluster) run(ctx context.Context, g *Graph, order []NodeID, target NodeID, s *submission) {
	results := make([]any, len(g.nodes))
	ready := make([]chan struct{}, len(g.nodes))
	for _, id := range order {
		ready[id] = make(chan struct{})
	}

	eg, ectx := errgroup.WithContext(ctx)
	for _, id := range order {
		eg.Go(func() error {
			n := g.nodes[id]
			deps := make([]any, len(n.deps))
			for i, d := range n.deps {
				select {
				case <-ready[d]:
				case <-ectx.Done():
					return ectx.Err()
				}
				deps[i] = results[d]
			}

			if err := c.sem.Acquire(ectx, 1); err != nil {
				return err
			}
			c.metrics.running.Inc()
			start := time.Now()
			out, err := callNode(ectx, n.fn, deps)
			c.metrics.duration.Observe(time.Since(start).Seconds())
			c.metrics.running.Dec()
			c.sem.Release(1)

			if err != nil {
				c.metrics.nodes.WithLabelValues("failed").Inc()
				s.nodeFailed()
				return fmt.Errorf("node %d: %w", id, err)
			}
			c.metrics.nodes.WithLabelValues("ok").Inc()
			s.nodeDone()
			results[id] = out
			close(ready[id])
			return nil
		})
	}

	err := eg.Wait()
	if err != nil {
		logger := logctx.FromContext(ctx)
		logger.Warn().Err(err).Msg("graph failed")
	}
	s.finish(results[target], err)
}

// callNode runs fn and converts a panic into an error.
func callNode(ctx context.Context, fn Func, deps []any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, deps)
}

// Close stops running graphs and the monitor.
func (c *LocalCluster) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	if c.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return c.server.Shutdown(ctx)
	}
	return nil
}

type submission struct {
	id      string
	nodes   int
	started time.Time
	done    chan struct{}

	mu       sync.Mutex
	finished int
	failed   int
	ended    time.Time
	result   any
	err      error
}

func (s *submission) ID() string { return s.id }

func (s *submission) Result(ctx context.Context) (any, error) {
	select {
	case <-s.done:
		return s.result, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *submission) nodeDone() {
	s.mu.Lock()
	s.finished++
	s.mu.Unlock()
}

func (s *submission) nodeFailed() {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
}

func (s *submission) finish(result any, err error) {
	s.mu.Lock()
	s.result, s.err = result, err
	s.ended = time.Now()
	s.mu.Unlock()
	close(s.done)
}

// SubmissionStatus is the /status view of one submission.
type SubmissionStatus struct {
	ID       string    `json:"id"`
	State    string    `json:"state"`
	Nodes    int       `json:"nodes"`
	Finished int       `json:"finished"`
	Failed   int       `json:"failed"`
	Started  time.Time `json:"started"`
	Elapsed  string    `json:"elapsed"`
	Error    string    `json:"error,omitempty"`
}

func (s *submission) status() SubmissionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SubmissionStatus{
		ID:       s.id,
		State:    "running",
		Nodes:    s.nodes,
		Finished: s.finished,
		Failed:   s.failed,
		Started:  s.started,
	}
	end := time.Now()
	if !s.ended.IsZero() {
		end = s.ended
		st.State = "done"
		if s.err != nil {
			st.State = "failed"
			st.Error = s.err.Error()
		}
	}
	st.Elapsed = end.Sub(s.started).Round(time.Millisecond).String()
	return st
}

// Status returns the retained submissions, oldest first.
func (c *LocalCluster) Status() []SubmissionStatus {
	c.mu.Lock()
	subs := append([]*submission(nil), c.submissions...)
	c.mu.Unlock()
	out := make([]SubmissionStatus, len(subs))
	for i, s := range subs {
		out[i] = s.status()
	}
	return out
}

func (c *LocalCluster) serveStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Workers     int                `json:"workers"`
		Submissions []SubmissionStatus `json:"submissions"`
	}{c.cfg.Workers, c.Status()})
}
