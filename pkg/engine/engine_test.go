package engine

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/eunmann/histcache/pkg/accum"
	"github.com/eunmann/histcache/pkg/cachestore"
	"github.com/eunmann/histcache/pkg/partition"
	"github.com/eunmann/histcache/pkg/record"
	"github.com/eunmann/histcache/pkg/registry"
	"github.com/eunmann/histcache/pkg/render"
	"github.com/eunmann/histcache/pkg/taskgraph"
)

type event struct {
	Px     float64 `parquet:"px"`
	Py     float64 `parquet:"py"`
	Charge int64   `parquet:"charge"`
}

// writeChain writes files parquet files of n events each.
func writeChain(t *testing.T, files, n int) []string {
	t.Helper()
	dir := t.TempDir()
	var paths []string
	for f := range files {
		rows := make([]event, n)
		for i := range rows {
			v := float64(f*n + i)
			rows[i] = event{Px: math.Mod(v*0.37, 10) - 5, Py: math.Mod(v*0.11, 4), Charge: int64(i%2*2 - 1)}
		}
		path := filepath.Join(dir, "run"+string(rune('a'+f))+".parquet")
		if err := parquet.WriteFile(path, rows); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		paths = append(paths, path)
	}
	return paths
}

// damageSecondHalf rewrites path as two row groups and overwrites the page
// headers of the second, so only the first half of the file is readable.
func damageSecondHalf(t *testing.T, path string) {
	t.Helper()
	rows, err := parquet.ReadFile[event](path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if err := parquet.WriteFile(path, rows, parquet.MaxRowsPerRowGroup(int64(len(rows)/2))); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	junk := bytes.Repeat([]byte{0xff}, 16)
	for _, col := range pf.Metadata().RowGroups[1].Columns {
		if _, err := f.WriteAt(junk, col.MetaData.DataPageOffset); err != nil {
			t.Fatalf("WriteAt: %v", err)
		}
	}
}

func openStore(t *testing.T, loc string) *cachestore.Store {
	t.Helper()
	s, err := cachestore.OpenLocation(context.Background(), loc)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func kinematics() accum.Set {
	return accum.Set{
		"px":     accum.NewHistogram1D("px", "p_x", 20, -5, 5),
		"pxpy":   accum.NewHistogram2D("pxpy", "p_x vs p_y", 10, -5, 5, 4, 0, 4),
		"events": accum.NewTable("events", "events", "px", "py"),
	}
}

func fillKinematics(rec record.Record, acc accum.Set) error {
	px, py := rec.Float("px"), rec.Float("py")
	acc["px"].(*accum.Histogram1D).Fill(px)
	acc["pxpy"].(*accum.Histogram2D).Fill(px, py)
	return acc["events"].(*accum.Table).AppendRow(px, py)
}

const kinematicsSource = `func(rec record.Record, acc accum.Set) error {
	px, py := rec.Float("px"), rec.Float("py")
	acc["px"].(*accum.Histogram1D).Fill(px)
	acc["pxpy"].(*accum.Histogram2D).Fill(px, py)
	return acc["events"].(*accum.Table).AppendRow(px, py)
}`

func newSession(t *testing.T, sources []string, opts ...Option) *Session {
	t.Helper()
	store := openStore(t, filepath.Join(t.TempDir(), "view.cache", "ns1"))
	s := New(record.NewChain(nil, sources...), store, opts...)
	t.Cleanup(func() { s.Close() })
	if _, err := s.Declare("kin", kinematics, fillKinematics, registry.WithSource(kinematicsSource)); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	return s
}

func enableCluster(t *testing.T, s *Session) {
	t.Helper()
	cfg := taskgraph.DefaultClusterConfig()
	cfg.Workers = 3
	cfg.MonitorAddr = ""
	if err := s.EnableCluster(cfg); err != nil {
		t.Fatalf("EnableCluster: %v", err)
	}
}

func getHist(t *testing.T, s *Session, name string) *accum.Histogram1D {
	t.Helper()
	acc, err := s.Get(context.Background(), name)
	if err != nil {
		t.Fatalf("Get(%s): %v", name, err)
	}
	return acc.(*accum.Histogram1D)
}

func TestFillSequentialVsParallel(t *testing.T) {
	ctx := context.Background()
	sources := writeChain(t, 3, 100)

	seq := newSession(t, sources)
	seqRes, err := seq.Fill(ctx, FillOptions{})
	if err != nil {
		t.Fatalf("sequential Fill: %v", err)
	}
	if seqRes.Mode != ModeSequential || seqRes.Sources != 3 || seqRes.Records != 300 || seqRes.Updated != 1 {
		t.Errorf("sequential result = %+v", seqRes)
	}

	variants := []FillOptions{
		{ChunkSize: 1},
		{ChunkSize: 2},
		{ChunkSize: -3, AccumGroupSize: 2},
	}
	for _, opts := range variants {
		par := newSession(t, sources)
		enableCluster(t, par)
		res, err := par.Fill(ctx, opts)
		if err != nil {
			t.Fatalf("parallel Fill %+v: %v", opts, err)
		}
		if res.Mode != ModeParallel || res.Sources != 3 || res.Records != 300 {
			t.Errorf("parallel %+v result = %+v", opts, res)
		}

		sh, ph := getHist(t, seq, "px"), getHist(t, par, "px")
		for i := 0; i <= sh.NBins()+1; i++ {
			if math.Abs(sh.BinContent(i)-ph.BinContent(i)) > 1e-9 {
				t.Errorf("%+v: px bin %d = %v, want %v", opts, i, ph.BinContent(i), sh.BinContent(i))
			}
		}

		st, _ := seq.Get(ctx, "events")
		pt, _ := par.Get(ctx, "events")
		scol, _ := st.(*accum.Table).Column("px")
		pcol, _ := pt.(*accum.Table).Column("px")
		if len(scol) != 300 || len(pcol) != 300 {
			t.Fatalf("%+v: table lengths %d / %d", opts, len(scol), len(pcol))
		}
		for i := range scol {
			if scol[i] != pcol[i] {
				t.Fatalf("%+v: table row %d differs: %v vs %v", opts, i, pcol[i], scol[i])
			}
		}
	}
}

func TestFillIdempotent(t *testing.T) {
	ctx := context.Background()
	sources := writeChain(t, 2, 50)
	loc := filepath.Join(t.TempDir(), "view.cache", "ns1")

	var calls atomic.Int64
	counting := func(rec record.Record, acc accum.Set) error {
		calls.Add(1)
		return fillKinematics(rec, acc)
	}

	s1 := New(record.NewChain(nil, sources...), openStore(t, loc))
	s1.Declare("kin", kinematics, counting)
	if _, err := s1.Fill(ctx, FillOptions{}); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 100 {
		t.Fatalf("fill calls = %d, want 100", calls.Load())
	}

	res, err := s1.Fill(ctx, FillOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != ModeNone || res.Updated != 0 || calls.Load() != 100 {
		t.Errorf("second fill did work: %+v, calls=%d", res, calls.Load())
	}

	// A fresh session over the same cache finds everything filled.
	s2 := New(record.NewChain(nil, sources...), openStore(t, loc))
	s2.Declare("kin", kinematics, counting)
	res, err = s2.Fill(ctx, FillOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != ModeNone || calls.Load() != 100 {
		t.Errorf("fresh session refilled: %+v", res)
	}
	d, _ := s2.Registry().Get("kin")
	if d.State != registry.Filled {
		t.Errorf("state = %v, want filled", d.State)
	}
	if h := getHist(t, s2, "px"); h.Entries() != 100 {
		t.Errorf("cached px entries = %d, want 100", h.Entries())
	}
}

func TestFillFieldPruning(t *testing.T) {
	ctx := context.Background()
	sources := writeChain(t, 1, 20)
	s := New(record.NewChain(nil, sources...), openStore(t, filepath.Join(t.TempDir(), "v.cache", "ns")))

	var sawPy, sawPx atomic.Bool
	src := `func(rec record.Record, acc accum.Set) error {
		acc["pxonly"].(*accum.Histogram1D).Fill(rec.Float("px"))
		return nil
	}`
	fill := func(rec record.Record, acc accum.Set) error {
		if rec.Has("py") {
			sawPy.Store(true)
		}
		if rec.Has("px") {
			sawPx.Store(true)
		}
		acc["pxonly"].(*accum.Histogram1D).Fill(rec.Float("px"))
		return nil
	}
	init := func() accum.Set {
		return accum.Set{"pxonly": accum.NewHistogram1D("pxonly", "", 10, -5, 5)}
	}
	if _, err := s.Declare("pruned", init, fill, registry.WithSource(src)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Fill(ctx, FillOptions{}); err != nil {
		t.Fatal(err)
	}
	if !sawPx.Load() {
		t.Error("px should be read")
	}
	if sawPy.Load() {
		t.Error("py should have been pruned")
	}
	if h := getHist(t, s, "pxonly"); h.Entries() != 20 {
		t.Errorf("entries = %d, want 20", h.Entries())
	}
}

func TestFillStartAndMaxRows(t *testing.T) {
	ctx := context.Background()
	sources := writeChain(t, 3, 10)
	s := newSession(t, sources, WithStartRow(5), WithMaxRows(12))

	res, err := s.Fill(ctx, FillOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Records != 12 || res.Sources != 2 {
		t.Errorf("result = %+v, want 12 records from 2 sources", res)
	}
	stats := getHist(t, s, StatsName)
	if stats.BinContent(1) != 5 || stats.BinContent(2) != 7 || stats.BinContent(3) != 0 {
		t.Errorf("per-source counts = %v %v %v", stats.BinContent(1), stats.BinContent(2), stats.BinContent(3))
	}
}

func TestFillRecordFailures(t *testing.T) {
	ctx := context.Background()
	sources := writeChain(t, 2, 10)
	s := newSession(t, append(sources[:1:1], filepath.Join(t.TempDir(), "missing.parquet"), sources[1]))

	var n atomic.Int64
	flaky := func(rec record.Record, acc accum.Set) error {
		switch n.Add(1) {
		case 3:
			return errors.New("bad record")
		case 7:
			panic("boom")
		}
		acc["count"].(*accum.Histogram1D).Fill(0.5)
		return nil
	}
	init := func() accum.Set {
		return accum.Set{"count": accum.NewHistogram1D("count", "", 1, 0, 1)}
	}
	if _, err := s.Declare("flaky", init, flaky, registry.WithFields("px")); err != nil {
		t.Fatal(err)
	}

	res, err := s.Fill(ctx, FillOptions{})
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if res.Failures != 3 {
		t.Errorf("Failures = %d, want 3 (two records, one source)", res.Failures)
	}
	if res.Sources != 2 || res.Records != 20 {
		t.Errorf("result = %+v", res)
	}
	if h := getHist(t, s, "count"); h.Entries() != 18 {
		t.Errorf("count entries = %d, want 18", h.Entries())
	}
}

type failingContainer struct {
	cachestore.Container
}

func (failingContainer) EnsureNamespace(context.Context, string) error { return nil }

func (failingContainer) Get(_ context.Context, ns, name string) ([]byte, error) {
	return nil, cachestore.ErrNotFound
}

func (failingContainer) Put(context.Context, string, string, []byte) error {
	return errors.New("disk full")
}

func (failingContainer) Close() error { return nil }

func TestFillStoreFailureLeavesUncomputed(t *testing.T) {
	ctx := context.Background()
	store, err := cachestore.NewStore(ctx, failingContainer{}, cachestore.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	s := New(record.NewChain(nil, writeChain(t, 1, 5)...), store)
	s.Declare("kin", kinematics, fillKinematics)

	res, err := s.Fill(ctx, FillOptions{})
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if res.Updated != 0 {
		t.Errorf("Updated = %d, want 0", res.Updated)
	}
	d, _ := s.Registry().Get("kin")
	if d.State != registry.Uncomputed {
		t.Errorf("state = %v, want uncomputed", d.State)
	}
	if s.Put(ctx, accum.NewHistogram1D("x", "", 1, 0, 1)) {
		t.Error("Put reported success on failing store")
	}
}

func TestGetFallsBackToConstructor(t *testing.T) {
	s := newSession(t, nil)
	acc, err := s.Get(context.Background(), "pxpy")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if acc.Entries() != 0 || acc.Name() != "pxpy" {
		t.Errorf("got %s with %d entries", acc.Name(), acc.Entries())
	}
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, registry.ErrUnknownDefinition) {
		t.Errorf("err = %v, want ErrUnknownDefinition", err)
	}
}

func TestPutAndList(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, writeChain(t, 1, 10))
	extra := accum.NewHistogram1D("extra", "hand made", 2, 0, 2)
	extra.Fill(1)
	if !s.Put(ctx, extra) {
		t.Fatal("Put failed")
	}
	if got := getHist(t, s, "extra"); got.Entries() != 1 {
		t.Errorf("extra entries = %d", got.Entries())
	}

	var buf bytes.Buffer
	n, err := s.List(ctx, false, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || !strings.Contains(buf.String(), "unfilled") {
		t.Errorf("before fill: n=%d\n%s", n, buf.String())
	}

	if _, err := s.Fill(ctx, FillOptions{}); err != nil {
		t.Fatal(err)
	}
	buf.Reset()
	n, err = s.List(ctx, true, &buf)
	if err != nil {
		t.Fatal(err)
	}
	// px, pxpy, events, fill_stats and extra.
	if n != 5 || !strings.Contains(buf.String(), "hand made") {
		t.Errorf("cached listing n=%d\n%s", n, buf.String())
	}

	buf.Reset()
	if err := s.Dump(&buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "kin [filled]") {
		t.Errorf("Dump:\n%s", buf.String())
	}
}

type stubClient struct {
	taskgraph.Client
	link string
}

func (c stubClient) DashboardLink() string { return c.link }
func (c stubClient) Close() error          { return nil }

func TestDashboardLink(t *testing.T) {
	orig := hostFQDN
	hostFQDN = func() string { return "node7.example.org" }
	defer func() { hostFQDN = orig }()

	tests := []struct {
		link string
		want string
	}{
		{"http://127.0.0.1:8787/status", "http://node7.example.org:8787/status"},
		{"http://localhost/status", "http://node7.example.org/status"},
		{"http://10.0.0.5:8787/status", "http://10.0.0.5:8787/status"},
		{"", ""},
	}
	for _, tc := range tests {
		s := New(record.NewChain(nil), nil, WithClient(stubClient{link: tc.link}))
		if got := s.DashboardLink(); got != tc.want {
			t.Errorf("DashboardLink(%q) = %q, want %q", tc.link, got, tc.want)
		}
	}
	if New(record.NewChain(nil), nil).DashboardLink() != "" {
		t.Error("no client should give empty link")
	}
}

func TestDrawAndUpdateCanvases(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, writeChain(t, 1, 30))
	if _, err := s.Fill(ctx, FillOptions{}); err != nil {
		t.Fatal(err)
	}
	c, err := s.Draw(ctx, render.Row("px", "pxpy"), render.Options{Option: "hist"})
	if err != nil {
		t.Fatalf("Draw: %v", err)
	}
	if c.Plots() != 2 || len(s.Canvases()) != 1 {
		t.Errorf("plots=%d canvases=%d", c.Plots(), len(s.Canvases()))
	}
	var buf bytes.Buffer
	if err := s.UpdateCanvases(ctx, &buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "entries=30") {
		t.Errorf("render:\n%s", buf.String())
	}
}

func TestFillSurvivesUnreadablePage(t *testing.T) {
	ctx := context.Background()
	sources := writeChain(t, 3, 100)
	damageSecondHalf(t, sources[1])

	for _, parallel := range []bool{false, true} {
		s := newSession(t, sources)
		if parallel {
			enableCluster(t, s)
		}
		res, err := s.Fill(ctx, FillOptions{ChunkSize: 1})
		if err != nil {
			t.Fatalf("parallel=%v: Fill: %v", parallel, err)
		}
		if res.Updated != 1 || res.Sources != 3 || res.Failures != 1 {
			t.Errorf("parallel=%v: result = %+v", parallel, res)
		}
		if res.Records < 250 || res.Records >= 300 {
			t.Errorf("parallel=%v: Records = %d, want the readable half of the damaged file kept", parallel, res.Records)
		}
		stats := getHist(t, s, StatsName)
		if stats.BinContent(1) != 100 || stats.BinContent(3) != 100 {
			t.Errorf("parallel=%v: healthy sources = %v, %v", parallel, stats.BinContent(1), stats.BinContent(3))
		}
		if h := getHist(t, s, "px"); h.Entries() != res.Records {
			t.Errorf("parallel=%v: px entries = %d, want %d", parallel, h.Entries(), res.Records)
		}
	}
}

func TestFillRejectsZeroChunkSize(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, writeChain(t, 2, 10))
	enableCluster(t, s)

	res, err := s.Fill(ctx, FillOptions{ChunkSize: 0})
	if !errors.Is(err, partition.ErrConfiguration) {
		t.Fatalf("err = %v, want partition.ErrConfiguration", err)
	}
	if res.Updated != 0 {
		t.Errorf("Updated = %d, want 0", res.Updated)
	}
	d, _ := s.Registry().Get("kin")
	if d.State == registry.Filled {
		t.Error("definition filled despite configuration error")
	}
	if s.Store().Has(ctx, "px") {
		t.Error("px persisted despite configuration error")
	}

	if _, err := s.Fill(ctx, DefaultFillOptions()); err != nil {
		t.Fatalf("Fill with defaults: %v", err)
	}
}
