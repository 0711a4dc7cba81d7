// Package statements standardizes the company facts document into balance
// sheets, income statements and cash flow statements.
package statements

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/secdata/pkg/edgar"
	"github.com/pmkol/secdata/pkg/errkind"
)

const (
	taxonomy       = "us-gaap"
	defaultPeriods = 4
	maxPeriods     = 40
)

var nopLogger = zap.NewNop()

// Resolver is implemented by *edgar.Client.
type Resolver interface {
	Facts(ctx context.Context, cik string) (*edgar.Facts, error)
}

type ProcessorOpts struct {
	Resolver Resolver // required

	// Templates defaults to DefaultTemplates.
	Templates []Template

	Logger *zap.Logger
}

func (opts *ProcessorOpts) Init() error {
	if opts.Resolver == nil {
		return errors.New("nil resolver")
	}
	if len(opts.Templates) == 0 {
		opts.Templates = DefaultTemplates()
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

type Processor struct {
	opts      ProcessorOpts
	templates map[Kind]*compiledTemplate
}

func NewProcessor(opts ProcessorOpts) (*Processor, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	p := &Processor{opts: opts, templates: make(map[Kind]*compiledTemplate, len(opts.Templates))}
	for _, t := range opts.Templates {
		ct, err := compileTemplate(t)
		if err != nil {
			return nil, err
		}
		p.templates[t.Kind] = ct
	}
	return p, nil
}

// Value is one line of a statement column.
type Value struct {
	Key     string  `json:"key" yaml:"key"`
	Name    string  `json:"name" yaml:"name"`
	Section string  `json:"section,omitempty" yaml:"section,omitempty"`
	Tag     string  `json:"tag,omitempty" yaml:"tag,omitempty"`
	Value   float64 `json:"value" yaml:"value"`
	Unit    string  `json:"unit" yaml:"unit"`
	Derived bool    `json:"derived,omitempty" yaml:"derived,omitempty"`
}

// Column is a statement for one period. Lines the company did not report
// are left out; required ones are named in Missing.
type Column struct {
	Period  string   `json:"period" yaml:"period"`
	End     string   `json:"end,omitempty" yaml:"end,omitempty"`
	Values  []Value  `json:"values" yaml:"values"`
	Missing []string `json:"missing,omitempty" yaml:"missing,omitempty"`
}

// Get returns the value of the line key.
func (c *Column) Get(key string) (Value, bool) {
	for _, v := range c.Values {
		if v.Key == key {
			return v, true
		}
	}
	return Value{}, false
}

type Statement struct {
	CIK        string   `json:"cik" yaml:"cik"`
	EntityName string   `json:"entity_name" yaml:"entity_name"`
	Kind       Kind     `json:"kind" yaml:"kind"`
	Columns    []Column `json:"periods" yaml:"periods"`
}

// Statements builds each of kinds for period p and the n-1 periods before
// it, newest first. A quarterly p steps back by quarters. n <= 0 means 4.
// The facts document is fetched once. Kinds the company reported nothing
// for are skipped; if that leaves none, a NotFound error is returned.
func (pr *Processor) Statements(ctx context.Context, cik string, kinds []Kind, p edgar.Period, n int) ([]*Statement, error) {
	const op = "statements"
	cik, err := edgar.NormalizeCIK(cik)
	if err != nil {
		return nil, err
	}
	p.Instant = false
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if n <= 0 {
		n = defaultPeriods
	}
	if n > maxPeriods {
		return nil, errkind.Validationf(op, "at most %d periods, got %d", maxPeriods, n)
	}
	if len(kinds) == 0 {
		kinds = Kinds()
	}
	for _, k := range kinds {
		if pr.templates[k] == nil {
			return nil, errkind.Validationf(op, "no template for statement %q", k)
		}
	}

	facts, err := pr.opts.Resolver.Facts(ctx, cik)
	if err != nil {
		return nil, err
	}
	periods := periodsBack(p, n)

	var out []*Statement
	for _, k := range kinds {
		s, ok := pr.templates[k].build(facts, periods)
		if !ok {
			pr.opts.Logger.Debug("no statement data", zap.String("cik", cik), zap.String("kind", string(k)))
			continue
		}
		s.CIK = cik
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, &errkind.Error{
			Kind: errkind.NotFound,
			Op:   op,
			Key:  edgar.FactsKey(cik),
			Err:  fmt.Errorf("no statement data between %s and %s", periods[len(periods)-1].Label(), p.Label()),
		}
	}
	return out, nil
}

// periodsBack returns p and the n-1 periods before it.
func periodsBack(p edgar.Period, n int) []edgar.Period {
	out := make([]edgar.Period, 0, n)
	for i := 0; i < n && p.Year >= 1900; i++ {
		out = append(out, p)
		if p.Quarter == 0 {
			p.Year--
		} else if p.Quarter == 1 {
			p.Year, p.Quarter = p.Year-1, 4
		} else {
			p.Quarter--
		}
	}
	return out
}

// build reports whether any period has a required line.
func (t *compiledTemplate) build(f *edgar.Facts, periods []edgar.Period) (*Statement, bool) {
	s := &Statement{EntityName: f.EntityName, Kind: t.Kind}
	found := false
	for _, p := range periods {
		frame := t.frame(p)
		col := Column{Period: p.Label()}
		vals := make(map[string]float64, len(t.Lines))
		for _, l := range t.Lines {
			tag, fact, ok := pickLine(f, l, frame, p, t.Instant)
			if !ok {
				continue
			}
			vals[l.Key] = fact.Val
			if fact.End > col.End {
				col.End = fact.End
			}
			col.Values = append(col.Values, Value{Key: l.Key, Name: l.Name, Section: l.Section, Tag: tag, Value: fact.Val, Unit: l.Unit})
		}
		for _, k := range t.Required {
			if _, ok := vals[k]; ok {
				found = true
			} else {
				col.Missing = append(col.Missing, k)
			}
		}
		for i := range t.derived {
			d := &t.derived[i]
			if v, ok := d.eval(vals); ok {
				col.Values = append(col.Values, Value{Key: d.Key, Name: d.Name, Value: v, Unit: d.Unit, Derived: true})
			}
		}
		s.Columns = append(s.Columns, col)
	}
	return s, found
}

// frame returns the frame the facts of p carry. Balances are read at the
// end of the period.
func (t *compiledTemplate) frame(p edgar.Period) string {
	if !t.Instant {
		return p.String()
	}
	q := p.Quarter
	if q == 0 {
		q = 4
	}
	return edgar.Period{Year: p.Year, Quarter: q, Instant: true}.String()
}

func pickLine(f *edgar.Facts, l Line, frame string, p edgar.Period, instant bool) (string, edgar.Fact, bool) {
	for _, tag := range l.Tags {
		c, ok := f.Concept(taxonomy, tag)
		if !ok {
			continue
		}
		if fact, ok := pickFact(c.Units[l.Unit], frame, p, instant); ok {
			return tag, fact, true
		}
	}
	return "", edgar.Fact{}, false
}

// pickFact selects the fact of period p. A fact tagged with frame wins. Otherwise the fact of the right shape with the latest end inside p
// is used, the latest filing breaking ties. For flows the right shape is a
// duration of about a year or a quarter, matching p.
func pickFact(facts []edgar.Fact, frame string, p edgar.Period, instant bool) (edgar.Fact, bool) {
	for _, f := range facts {
		if f.Frame == frame {
			return f, true
		}
	}
	var best edgar.Fact
	found := false
	for _, f := range facts {
		if !p.Contains(f.End) || !shaped(f, p, instant) {
			continue
		}
		if !found || f.End > best.End || (f.End == best.End && f.Filed > best.Filed) {
			best, found = f, true
		}
	}
	return best, found
}

func shaped(f edgar.Fact, p edgar.Period, instant bool) bool {
	if instant {
		return f.Start == ""
	}
	if f.Start == "" {
		return false
	}
	start, err1 := time.Parse(time.DateOnly, f.Start)
	end, err2 := time.Parse(time.DateOnly, f.End)
	if err1 != nil || err2 != nil {
		return false
	}
	days := end.Sub(start).Hours() / 24
	if p.Quarter == 0 {
		return days >= 350 && days <= 380
	}
	return days >= 80 && days <= 100
}
