package registry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/eunmann/histcache/pkg/accum"
	"github.com/eunmann/histcache/pkg/cachestore"
	"github.com/eunmann/histcache/pkg/fields"
	"github.com/eunmann/histcache/pkg/record"
)

func kinematics() accum.Set {
	return accum.Set{
		"px":     accum.NewHistogram1D("px", "p_x", 10, -5, 5),
		"events": accum.NewTable("events", "event table", "px", "py"),
	}
}

func fillKinematics(rec record.Record, acc accum.Set) error {
	acc["px"].(*accum.Histogram1D).Fill(rec.Float("px"))
	return acc["events"].(*accum.Table).AppendRow(rec.Float("px"), rec.Float("py"))
}

const kinematicsSource = `func(rec record.Record, acc accum.Set) error {
	acc["px"].(*accum.Histogram1D).Fill(rec.Float("px"))
	return acc["events"].(*accum.Table).AppendRow(rec.Float("px"), rec.Float("py"))
}`

func TestRegister(t *testing.T) {
	r := New()
	n, err := r.Register("kin", kinematics, fillKinematics, WithSource(kinematicsSource))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	d, ok := r.Get("kin")
	if !ok {
		t.Fatal("definition not registered")
	}
	if got := d.Fields.String(); got != "px,py" {
		t.Errorf("Fields = %q, want px,py", got)
	}
	if d.Kinds["px"] != accum.KindAdditive || d.Kinds["events"] != accum.KindAppendable {
		t.Errorf("Kinds = %v", d.Kinds)
	}
	if d.State != Uncomputed {
		t.Errorf("State = %v, want uncomputed", d.State)
	}
}

func TestRegisterFieldsPrecedence(t *testing.T) {
	r := New()
	if _, err := r.Register("explicit", kinematics, fillKinematics,
		WithSource(kinematicsSource), WithFields("energy")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register("wild", kinematics, fillKinematics, WithFields(fields.Wildcard)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register("bare", kinematics, fillKinematics); err != nil {
		t.Fatal(err)
	}

	d, _ := r.Get("explicit")
	if d.Fields.String() != "energy" {
		t.Errorf("explicit Fields = %q", d.Fields)
	}
	for _, name := range []string{"wild", "bare"} {
		d, _ := r.Get(name)
		if !d.Fields.IsAll() {
			t.Errorf("%s Fields = %q, want wildcard", name, d.Fields)
		}
	}
}

func TestRegisterRejects(t *testing.T) {
	mismatched := func() accum.Set {
		return accum.Set{"px": accum.NewHistogram1D("py", "", 1, 0, 1)}
	}

	tests := []struct {
		name    string
		defName string
		init    InitFunc
		opts    []Option
		wantErr error
	}{
		{"identity mismatch", "bad", mismatched, nil, ErrIdentityMismatch},
		{"malformed source", "bad", kinematics, []Option{WithSource("rec.Float(\"px\")")}, fields.ErrMalformedFillRoutine},
		{"empty name", "", kinematics, nil, ErrConfiguration},
		{"nil init", "bad", nil, nil, ErrConfiguration},
		{"empty set", "bad", func() accum.Set { return accum.Set{} }, nil, ErrConfiguration},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := New()
			n, err := r.Register(tc.defName, tc.init, fillKinematics, tc.opts...)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if n != 0 {
				t.Errorf("count = %d, want 0", n)
			}
			if len(r.Names()) != 0 {
				t.Errorf("registered %v despite error", r.Names())
			}
		})
	}

	if !errors.Is(ErrIdentityMismatch, ErrConfiguration) {
		t.Error("identity mismatch should be a configuration error")
	}
}

func TestRegisterReplaces(t *testing.T) {
	r := New()
	r.Register("kin", kinematics, fillKinematics)
	r.Register("other", kinematics, fillKinematics)
	r.Register("kin", kinematics, fillKinematics, WithFields("px"))

	if got := strings.Join(r.Names(), ","); got != "kin,other" {
		t.Errorf("Names = %s, want kin,other", got)
	}
	d, _ := r.Get("kin")
	if d.Fields.String() != "px" {
		t.Errorf("replacement not applied: %q", d.Fields)
	}
	if owner, ok := r.Owner("events"); !ok || owner.Name != "kin" {
		t.Errorf("Owner(events) = %v, %v", owner, ok)
	}
}

type fakeCatalog struct {
	accs    map[string]accum.Accumulator
	entries []cachestore.Entry
}

func (c *fakeCatalog) Lookup(_ context.Context, name string) (accum.Accumulator, error) {
	if a, ok := c.accs[name]; ok {
		return a, nil
	}
	return nil, cachestore.ErrNotFound
}

func (c *fakeCatalog) Entries(context.Context) ([]cachestore.Entry, error) {
	return c.entries, nil
}

func TestList(t *testing.T) {
	r := New()
	r.Register("kin", kinematics, fillKinematics)

	cached := accum.NewHistogram1D("px", "p_x", 10, -5, 5)
	cached.Fill(1)
	cached.Fill(2)
	cat := &fakeCatalog{
		accs: map[string]accum.Accumulator{"px": cached},
		entries: []cachestore.Entry{
			{Name: "px", Title: "p_x", Entries: 2, Size: 100, Written: time.Unix(0, 0)},
			{Name: "foreign", Title: "from elsewhere", Entries: 9, Size: 2048, Written: time.Unix(0, 0)},
		},
	}

	var buf bytes.Buffer
	n, err := r.List(context.Background(), cat, false, &buf)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if n != 1 {
		t.Errorf("found = %d, want 1", n)
	}
	out := buf.String()
	if !strings.Contains(out, "unfilled") || !strings.Contains(out, "p_x") {
		t.Errorf("unexpected listing:\n%s", out)
	}

	buf.Reset()
	n, err = r.List(context.Background(), cat, true, &buf)
	if err != nil {
		t.Fatalf("List cached: %v", err)
	}
	if n != 2 || !strings.Contains(buf.String(), "foreign") {
		t.Errorf("cached listing n=%d:\n%s", n, buf.String())
	}
}

func TestDump(t *testing.T) {
	r := New()
	r.Register("kin", kinematics, fillKinematics, WithFields("px", "py"))
	d, _ := r.Get("kin")
	d.State = Filled
	d.Filled = kinematics()

	var buf bytes.Buffer
	if err := r.Dump(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"kin [filled] fields=px,py", "px (additive) filled", "events (appendable) filled"} {
		if !strings.Contains(out, want) {
			t.Errorf("Dump missing %q:\n%s", want, out)
		}
	}
}
