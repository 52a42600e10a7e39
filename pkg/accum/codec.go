package accum

import (
	"bytes"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Encoded accumulator format:
//
//	Magic:   4 bytes ("HCA1")
//	Body:    zstd compressed CBOR envelope
//
// The envelope carries the header fields needed for listing (name, title,
// kind, entries, write time) next to the type specific payload, so listing a
// namespace never decodes bin arrays.

var codecMagic = []byte("HCA1")

const (
	typeHistogram1D = "h1"
	typeHistogram2D = "h2"
	typeProfile1D   = "p1"
	typeTable       = "table"
)

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// Header is the metadata stored alongside an encoded accumulator.
type Header struct {
	Type    string
	Name    string
	Title   string
	Kind    Kind
	Entries int64
	Written time.Time
}

type envelope struct {
	Type    string          `cbor:"type"`
	Name    string          `cbor:"name"`
	Title   string          `cbor:"title"`
	Kind    Kind            `cbor:"kind"`
	Entries int64           `cbor:"entries"`
	Written int64           `cbor:"written"`
	Payload cbor.RawMessage `cbor:"payload"`
}

type hist1DWire struct {
	NBins   int       `cbor:"nbins"`
	Lo      float64   `cbor:"lo"`
	Hi      float64   `cbor:"hi"`
	SumW    []float64 `cbor:"sumw"`
	SumW2   []float64 `cbor:"sumw2"`
	SumWX   float64   `cbor:"sumwx"`
	Entries int64     `cbor:"entries"`
}

type hist2DWire struct {
	NX      int       `cbor:"nx"`
	XLo     float64   `cbor:"xlo"`
	XHi     float64   `cbor:"xhi"`
	NY      int       `cbor:"ny"`
	YLo     float64   `cbor:"ylo"`
	YHi     float64   `cbor:"yhi"`
	SumW    []float64 `cbor:"sumw"`
	SumW2   []float64 `cbor:"sumw2"`
	Entries int64     `cbor:"entries"`
}

type profileWire struct {
	NBins   int       `cbor:"nbins"`
	Lo      float64   `cbor:"lo"`
	Hi      float64   `cbor:"hi"`
	SumW    []float64 `cbor:"sumw"`
	SumWY   []float64 `cbor:"sumwy"`
	SumWY2  []float64 `cbor:"sumwy2"`
	Entries int64     `cbor:"entries"`
}

type tableWire struct {
	Columns []string    `cbor:"columns"`
	Rows    [][]float64 `cbor:"rows"`
}

// Encode validates acc and serializes it with the given write time.
func Encode(acc Accumulator, written time.Time) ([]byte, error) {
	if acc == nil {
		return nil, fmt.Errorf("%w: nil accumulator", ErrInvalid)
	}
	if err := acc.Validate(); err != nil {
		return nil, err
	}

	var typ string
	var wire any
	switch a := acc.(type) {
	case *Histogram1D:
		typ = typeHistogram1D
		wire = hist1DWire{NBins: a.nbins, Lo: a.lo, Hi: a.hi, SumW: a.sumw, SumW2: a.sumw2, SumWX: a.sumwx, Entries: a.entries}
	case *Histogram2D:
		typ = typeHistogram2D
		wire = hist2DWire{NX: a.nx, XLo: a.xlo, XHi: a.xhi, NY: a.ny, YLo: a.ylo, YHi: a.yhi, SumW: a.sumw, SumW2: a.sumw2, Entries: a.entries}
	case *Profile1D:
		typ = typeProfile1D
		wire = profileWire{NBins: a.nbins, Lo: a.lo, Hi: a.hi, SumW: a.sumw, SumWY: a.sumwy, SumWY2: a.sumwy2, Entries: a.entries}
	case *Table:
		typ = typeTable
		wire = tableWire{Columns: a.columns, Rows: a.rows}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, acc)
	}

	payload, err := cbor.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", acc.Name(), err)
	}
	body, err := cbor.Marshal(envelope{
		Type:    typ,
		Name:    acc.Name(),
		Title:   acc.Title(),
		Kind:    acc.Kind(),
		Entries: acc.Entries(),
		Written: written.UnixNano(),
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", acc.Name(), err)
	}

	out := make([]byte, 0, len(codecMagic)+len(body)/2)
	out = append(out, codecMagic...)
	return encoder.EncodeAll(body, out), nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if !bytes.HasPrefix(data, codecMagic) {
		return env, ErrBadMagic
	}
	body, err := decoder.DecodeAll(data[len(codecMagic):], nil)
	if err != nil {
		return env, fmt.Errorf("decompress accumulator: %w", err)
	}
	if err := cbor.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

func (env envelope) header() Header {
	return Header{
		Type:    env.Type,
		Name:    env.Name,
		Title:   env.Title,
		Kind:    env.Kind,
		Entries: env.Entries,
		Written: time.Unix(0, env.Written),
	}
}

// DecodeHeader returns only the metadata of an encoded accumulator.
func DecodeHeader(data []byte) (Header, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return Header{}, err
	}
	return env.header(), nil
}

// Decode reconstructs an accumulator and its header.
func Decode(data []byte) (Accumulator, Header, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, Header{}, err
	}

	var acc Accumulator
	switch env.Type {
	case typeHistogram1D:
		var w hist1DWire
		if err := cbor.Unmarshal(env.Payload, &w); err != nil {
			return nil, Header{}, fmt.Errorf("decode %s: %w", env.Name, err)
		}
		acc = &Histogram1D{name: env.Name, title: env.Title, nbins: w.NBins, lo: w.Lo, hi: w.Hi,
			sumw: w.SumW, sumw2: w.SumW2, sumwx: w.SumWX, entries: w.Entries}
	case typeHistogram2D:
		var w hist2DWire
		if err := cbor.Unmarshal(env.Payload, &w); err != nil {
			return nil, Header{}, fmt.Errorf("decode %s: %w", env.Name, err)
		}
		acc = &Histogram2D{name: env.Name, title: env.Title, nx: w.NX, xlo: w.XLo, xhi: w.XHi,
			ny: w.NY, ylo: w.YLo, yhi: w.YHi, sumw: w.SumW, sumw2: w.SumW2, entries: w.Entries}
	case typeProfile1D:
		var w profileWire
		if err := cbor.Unmarshal(env.Payload, &w); err != nil {
			return nil, Header{}, fmt.Errorf("decode %s: %w", env.Name, err)
		}
		acc = &Profile1D{name: env.Name, title: env.Title, nbins: w.NBins, lo: w.Lo, hi: w.Hi,
			sumw: w.SumW, sumwy: w.SumWY, sumwy2: w.SumWY2, entries: w.Entries}
	case typeTable:
		var w tableWire
		if err := cbor.Unmarshal(env.Payload, &w); err != nil {
			return nil, Header{}, fmt.Errorf("decode %s: %w", env.Name, err)
		}
		acc = &Table{name: env.Name, title: env.Title, columns: w.Columns, rows: w.Rows}
	default:
		return nil, Header{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err := acc.Validate(); err != nil {
		return nil, Header{}, err
	}
	return acc, env.header(), nil
}
