package accum

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestHistogram1DFill(t *testing.T) {
	h := NewHistogram1D("h", "test", 10, 0, 10)
	for _, x := range []float64{-1, 0, 0.5, 9.99, 10, 42, math.NaN()} {
		h.Fill(x)
	}

	if h.Entries() != 7 {
		t.Errorf("Entries() = %d, want 7", h.Entries())
	}
	if got := h.BinContent(0); got != 1 {
		t.Errorf("underflow = %g, want 1", got)
	}
	if got := h.BinContent(1); got != 2 {
		t.Errorf("bin 1 = %g, want 2", got)
	}
	if got := h.BinContent(10); got != 1 {
		t.Errorf("bin 10 = %g, want 1", got)
	}
	if got := h.BinContent(11); got != 3 {
		t.Errorf("overflow = %g, want 3", got)
	}
	if got := h.Integral(); got != 3 {
		t.Errorf("Integral() = %g, want 3", got)
	}
}

func fillRange(h *Histogram1D, lo, hi int) {
	for i := lo; i < hi; i++ {
		h.Fill(float64(i%97) / 9.7)
	}
}

func TestHistogram1DAddAssociative(t *testing.T) {
	mk := func(lo, hi int) *Histogram1D {
		h := NewHistogram1D("h", "", 20, 0, 10)
		fillRange(h, lo, hi)
		return h
	}

	// (a+b)+c
	left := mk(0, 100)
	if err := left.Add(mk(100, 250)); err != nil {
		t.Fatal(err)
	}
	if err := left.Add(mk(250, 300)); err != nil {
		t.Fatal(err)
	}

	// a+(b+c)
	bc := mk(100, 250)
	if err := bc.Add(mk(250, 300)); err != nil {
		t.Fatal(err)
	}
	right := mk(0, 100)
	if err := right.Add(bc); err != nil {
		t.Fatal(err)
	}

	whole := mk(0, 300)
	for i := 0; i <= 21; i++ {
		if left.BinContent(i) != whole.BinContent(i) || right.BinContent(i) != whole.BinContent(i) {
			t.Fatalf("bin %d: left=%g right=%g whole=%g", i, left.BinContent(i), right.BinContent(i), whole.BinContent(i))
		}
	}
	if left.Entries() != 300 || right.Entries() != 300 {
		t.Errorf("entries left=%d right=%d, want 300", left.Entries(), right.Entries())
	}
	if math.Abs(left.Mean()-whole.Mean()) > 1e-9 {
		t.Errorf("mean %g vs %g", left.Mean(), whole.Mean())
	}
}

func TestHistogram1DAddShapeMismatch(t *testing.T) {
	a := NewHistogram1D("h", "", 10, 0, 1)
	b := NewHistogram1D("h", "", 20, 0, 1)
	if err := a.Add(b); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
	if err := a.Add(NewTable("h", "")); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch for table, got %v", err)
	}
}

func TestHistogram2D(t *testing.T) {
	h := NewHistogram2D("h2", "", 4, 0, 4, 2, 0, 2)
	h.Fill(0.5, 0.5)
	h.Fill(3.5, 1.5)
	h.Fill(5, 1)

	if got := h.BinContent(1, 1); got != 1 {
		t.Errorf("bin(1,1) = %g", got)
	}
	if got := h.BinContent(4, 2); got != 1 {
		t.Errorf("bin(4,2) = %g", got)
	}
	if got := h.Integral(); got != 2 {
		t.Errorf("Integral() = %g, want 2", got)
	}

	c := h.Clone().(*Histogram2D)
	if err := c.Add(h); err != nil {
		t.Fatal(err)
	}
	if c.Entries() != 6 || h.Entries() != 3 {
		t.Errorf("clone not independent: clone=%d orig=%d", c.Entries(), h.Entries())
	}
}

func TestProfile1D(t *testing.T) {
	p := NewProfile1D("p", "", 2, 0, 2)
	p.Fill(0.5, 1)
	p.Fill(0.5, 3)
	p.Fill(1.5, 10)
	if got := p.BinMean(1); got != 2 {
		t.Errorf("BinMean(1) = %g, want 2", got)
	}
	if got := p.BinSpread(1); math.Abs(got-1) > 1e-12 {
		t.Errorf("BinSpread(1) = %g, want 1", got)
	}
	if got := p.BinMean(2); got != 10 {
		t.Errorf("BinMean(2) = %g, want 10", got)
	}
}

func TestTableAppendPreservesOrder(t *testing.T) {
	chunk := func(start, n int) *Table {
		tb := NewTable("t", "", "x", "y")
		for i := start; i < start+n; i++ {
			if err := tb.AppendRow(float64(i), float64(-i)); err != nil {
				t.Fatal(err)
			}
		}
		return tb
	}

	merged := chunk(0, 3)
	if err := merged.Append(chunk(3, 2)); err != nil {
		t.Fatal(err)
	}
	if err := merged.Append(chunk(5, 4)); err != nil {
		t.Fatal(err)
	}

	xs, ok := merged.Column("x")
	if !ok {
		t.Fatal("missing column x")
	}
	for i, x := range xs {
		if x != float64(i) {
			t.Fatalf("row %d: x = %g", i, x)
		}
	}
	if merged.Len() != 9 {
		t.Errorf("Len() = %d, want 9", merged.Len())
	}
}

func TestTableAppendByColumnName(t *testing.T) {
	a := NewTable("t", "", "x", "y")
	b := NewTable("t", "", "y", "x")
	_ = b.AppendRow(2, 1)

	if err := a.Append(b); err != nil {
		t.Fatal(err)
	}
	row := a.Row(0)
	if row[0] != 1 || row[1] != 2 {
		t.Errorf("row = %v, want [1 2]", row)
	}

	if err := a.AppendRow(1); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("short row: expected ErrShapeMismatch, got %v", err)
	}
}

func TestSetCheckNames(t *testing.T) {
	ok := Set{"a": NewHistogram1D("a", "", 1, 0, 1)}
	if err := ok.CheckNames(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	bad := Set{"a": NewHistogram1D("b", "", 1, 0, 1)}
	if err := bad.CheckNames(); err == nil {
		t.Error("expected name mismatch error")
	}
}

func TestCodecRoundTrip(t *testing.T) {
	h1 := NewHistogram1D("h1", "one", 5, -1, 1)
	h1.FillWeighted(0.1, 2)
	h1.Fill(-5)
	h2 := NewHistogram2D("h2", "two", 2, 0, 1, 3, 0, 1)
	h2.Fill(0.2, 0.7)
	p := NewProfile1D("p1", "prof", 3, 0, 3)
	p.Fill(1.5, 4)
	tb := NewTable("tab", "rows", "a", "b")
	_ = tb.AppendRow(1, 2)
	_ = tb.AppendRow(3, math.Inf(1))

	written := time.Date(2024, 9, 12, 10, 0, 0, 0, time.UTC)
	for _, acc := range []Accumulator{h1, h2, p, tb} {
		t.Run(acc.Name(), func(t *testing.T) {
			data, err := Encode(acc, written)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, hdr, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.Name() != acc.Name() || got.Title() != acc.Title() || got.Kind() != acc.Kind() {
				t.Errorf("identity mismatch: %s/%s/%s", got.Name(), got.Title(), got.Kind())
			}
			if got.Entries() != acc.Entries() {
				t.Errorf("Entries() = %d, want %d", got.Entries(), acc.Entries())
			}
			if !hdr.Written.Equal(written) {
				t.Errorf("Written = %v, want %v", hdr.Written, written)
			}
			hdrOnly, err := DecodeHeader(data)
			if err != nil {
				t.Fatalf("DecodeHeader: %v", err)
			}
			if hdrOnly != hdr {
				t.Errorf("DecodeHeader = %+v, want %+v", hdrOnly, hdr)
			}
		})
	}

	data, _ := Encode(h1, written)
	got, _, _ := Decode(data)
	gh := got.(*Histogram1D)
	for i := 0; i <= 6; i++ {
		if gh.BinContent(i) != h1.BinContent(i) {
			t.Errorf("bin %d = %g, want %g", i, gh.BinContent(i), h1.BinContent(i))
		}
	}
}

func TestEncodeInvalid(t *testing.T) {
	bad := NewTable("t", "", "a", "b")
	bad.rows = append(bad.rows, []float64{1})
	if _, err := Encode(bad, time.Now()); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
	if _, _, err := Decode([]byte("not an accumulator")); !errors.Is(err, ErrBadMagic) {
		t.Errorf("expected ErrBadMagic, got %v", err)
	}
}
