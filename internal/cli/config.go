package cli

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/eunmann/histcache/pkg/accum"
	"github.com/eunmann/histcache/pkg/engine"
	"github.com/eunmann/histcache/pkg/record"
	"github.com/eunmann/histcache/pkg/registry"
)

// Summary types accepted in a definitions file.
const (
	typeHist1D  = "hist1d"
	typeHist2D  = "hist2d"
	typeProfile = "profile"
	typeTable   = "table"
)

var errConfig = errors.New("invalid definitions file")

// DefinitionsFile is the YAML layout read by --config:
//
//	definitions:
//	  - name: kinematics
//	    cut: {field: charge, op: ">", value: 0}
//	    summaries:
//	      - {name: px, type: hist1d, x: px, bins: 50, lo: -5, hi: 5}
//	      - {name: events, type: table, columns: [px, py]}
type DefinitionsFile struct {
	Definitions []DefinitionDecl `yaml:"definitions"`
}

// DefinitionDecl declares one summary definition.
type DefinitionDecl struct {
	Name      string        `yaml:"name"`
	Title     string        `yaml:"title"`
	Cut       *CutDecl      `yaml:"cut"`
	Summaries []SummaryDecl `yaml:"summaries"`
}

// CutDecl selects records by comparing one field with a constant.
type CutDecl struct {
	Field string  `yaml:"field"`
	Op    string  `yaml:"op"`
	Value float64 `yaml:"value"`
}

// SummaryDecl declares one accumulator and the fields that fill it.
type SummaryDecl struct {
	Name    string   `yaml:"name"`
	Title   string   `yaml:"title"`
	Type    string   `yaml:"type"`
	X       string   `yaml:"x"`
	Y       string   `yaml:"y"`
	Weight  string   `yaml:"weight"`
	Bins    int      `yaml:"bins"`
	Lo      float64  `yaml:"lo"`
	Hi      float64  `yaml:"hi"`
	YBins   int      `yaml:"ybins"`
	YLo     float64  `yaml:"ylo"`
	YHi     float64  `yaml:"yhi"`
	Columns []string `yaml:"columns"`
}

// LoadDefinitions reads and validates a definitions file.
func LoadDefinitions(path string) (*DefinitionsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions: %w", err)
	}
	var f DefinitionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errConfig, path, err)
	}
	if len(f.Definitions) == 0 {
		return nil, fmt.Errorf("%w: %s declares no definitions", errConfig, path)
	}
	for _, d := range f.Definitions {
		if err := d.validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", errConfig, err)
		}
	}
	return &f, nil
}

func (d DefinitionDecl) validate() error {
	if d.Name == "" {
		return errors.New("definition without a name")
	}
	if len(d.Summaries) == 0 {
		return fmt.Errorf("definition %s has no summaries", d.Name)
	}
	if d.Cut != nil {
		if d.Cut.Field == "" {
			return fmt.Errorf("definition %s: cut without a field", d.Name)
		}
		if _, ok := cutOps[d.Cut.Op]; !ok {
			return fmt.Errorf("definition %s: unknown cut operator %q", d.Name, d.Cut.Op)
		}
	}
	for _, s := range d.Summaries {
		if err := s.validate(); err != nil {
			return fmt.Errorf("definition %s: %w", d.Name, err)
		}
	}
	return nil
}

func (s SummaryDecl) validate() error {
	if s.Name == "" {
		return errors.New("summary without a name")
	}
	switch s.Type {
	case typeHist1D:
		if s.X == "" {
			return fmt.Errorf("%s: x is required", s.Name)
		}
	case typeHist2D, typeProfile:
		if s.X == "" || s.Y == "" {
			return fmt.Errorf("%s: x and y are required", s.Name)
		}
	case typeTable:
		if len(s.Columns) == 0 {
			return fmt.Errorf("%s: columns are required", s.Name)
		}
	default:
		return fmt.Errorf("%s: unknown type %q", s.Name, s.Type)
	}
	if s.Type != typeTable && (s.Bins <= 0 || s.Hi <= s.Lo) {
		return fmt.Errorf("%s: needs bins > 0 and hi > lo", s.Name)
	}
	if s.Type == typeHist2D && (s.YBins <= 0 || s.YHi <= s.YLo) {
		return fmt.Errorf("%s: needs ybins > 0 and yhi > ylo", s.Name)
	}
	return nil
}

var cutOps = map[string]func(a, b float64) bool{
	"<":  func(a, b float64) bool { return a < b },
	"<=": func(a, b float64) bool { return a <= b },
	">":  func(a, b float64) bool { return a > b },
	">=": func(a, b float64) bool { return a >= b },
	"==": func(a, b float64) bool { return a == b },
	"!=": func(a, b float64) bool { return a != b },
}

// fields lists every input field the definition reads.
func (d DefinitionDecl) fields() []string {
	var out []string
	if d.Cut != nil {
		out = append(out, d.Cut.Field)
	}
	for _, s := range d.Summaries {
		for _, f := range []string{s.X, s.Y, s.Weight} {
			if f != "" {
				out = append(out, f)
			}
		}
		out = append(out, s.Columns...)
	}
	return out
}

func (s SummaryDecl) newAccumulator() accum.Accumulator {
	switch s.Type {
	case typeHist1D:
		return accum.NewHistogram1D(s.Name, s.Title, s.Bins, s.Lo, s.Hi)
	case typeHist2D:
		return accum.NewHistogram2D(s.Name, s.Title, s.Bins, s.Lo, s.Hi, s.YBins, s.YLo, s.YHi)
	case typeProfile:
		return accum.NewProfile1D(s.Name, s.Title, s.Bins, s.Lo, s.Hi)
	default:
		return accum.NewTable(s.Name, s.Title, s.Columns...)
	}
}

func (s SummaryDecl) fill(rec record.Record, acc accum.Accumulator) error {
	w := 1.0
	if s.Weight != "" {
		w = rec.Float(s.Weight)
	}
	switch a := acc.(type) {
	case *accum.Histogram1D:
		a.FillWeighted(rec.Float(s.X), w)
	case *accum.Histogram2D:
		a.FillWeighted(rec.Float(s.X), rec.Float(s.Y), w)
	case *accum.Profile1D:
		a.Fill(rec.Float(s.X), rec.Float(s.Y))
	case *accum.Table:
		row := make([]float64, len(s.Columns))
		for i, c := range s.Columns {
			row[i] = rec.Float(c)
		}
		return a.AppendRow(row...)
	default:
		return fmt.Errorf("%s: unexpected accumulator %T", s.Name, acc)
	}
	return nil
}

// Declare registers every definition of f with the session.
func (f *DefinitionsFile) Declare(s *engine.Session) error {
	for _, d := range f.Definitions {
		init := func() accum.Set {
			set := make(accum.Set, len(d.Summaries))
			for _, sum := range d.Summaries {
				set[sum.Name] = sum.newAccumulator()
			}
			return set
		}
		var cut func(record.Record) bool
		if d.Cut != nil {
			op := cutOps[d.Cut.Op]
			field, value := d.Cut.Field, d.Cut.Value
			cut = func(rec record.Record) bool { return op(rec.Float(field), value) }
		}
		fill := func(rec record.Record, set accum.Set) error {
			if cut != nil && !cut(rec) {
				return nil
			}
			for _, sum := range d.Summaries {
				if err := sum.fill(rec, set[sum.Name]); err != nil {
					return err
				}
			}
			return nil
		}
		opts := []registry.Option{registry.WithFields(d.fields()...)}
		if d.Title != "" {
			opts = append(opts, registry.WithTitle(d.Title))
		}
		if _, err := s.Declare(d.Name, init, fill, opts...); err != nil {
			return err
		}
	}
	return nil
}
