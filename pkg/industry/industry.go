// Package industry ranks companies against each other by financial metrics.
package industry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pmkol/secdata/pkg/edgar"
	"github.com/pmkol/secdata/pkg/errkind"
)

const (
	defaultConcurrency = 4
	defaultTopN        = 10
)

var nopLogger = zap.NewNop()

// Resolver is implemented by *edgar.Client.
type Resolver interface {
	Concept(ctx context.Context, cik, taxonomy, tag string) (*edgar.Concept, error)
	Frames(ctx context.Context, taxonomy, tag, unit string, p edgar.Period) (*edgar.Frame, error)
}

type AnalyzerOpts struct {
	Resolver Resolver // required

	// Metrics defaults to DefaultMetrics.
	Metrics []Metric

	// Concurrency bounds the resolutions in flight per request. Default is 4.
	Concurrency int

	Logger *zap.Logger
}

func (opts *AnalyzerOpts) Init() error {
	if opts.Resolver == nil {
		return errors.New("nil resolver")
	}
	if len(opts.Metrics) == 0 {
		opts.Metrics = DefaultMetrics()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

type Analyzer struct {
	opts    AnalyzerOpts
	metrics catalogue
}

func NewAnalyzer(opts AnalyzerOpts) (*Analyzer, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	c, err := newCatalogue(opts.Metrics)
	if err != nil {
		return nil, err
	}
	return &Analyzer{opts: opts, metrics: c}, nil
}

// Metrics returns the names of the known metrics in configuration order.
func (a *Analyzer) Metrics() []string {
	names := make([]string, 0, len(a.opts.Metrics))
	for _, m := range a.opts.Metrics {
		names = append(names, m.Name)
	}
	return names
}

func (a *Analyzer) metric(op, name string) (*compiledMetric, error) {
	m, ok := a.metrics.get(name)
	if !ok {
		return nil, errkind.Validationf(op, "unsupported metric %q", name)
	}
	return m, nil
}

// Ranked is one company's value of a metric and its place in a ranking.
type Ranked struct {
	Rank       int     `json:"rank" yaml:"rank"`
	CIK        string  `json:"cik" yaml:"cik"`
	EntityName string  `json:"entity_name" yaml:"entity_name"`
	Value      float64 `json:"value" yaml:"value"`
}

// Exclusion is a peer left out of a comparison and the reason.
type Exclusion struct {
	CIK    string `json:"cik" yaml:"cik"`
	Kind   string `json:"kind" yaml:"kind"`
	Reason string `json:"reason" yaml:"reason"`
}

type Comparison struct {
	Metric     string      `json:"metric" yaml:"metric"`
	Period     string      `json:"period" yaml:"period"`
	Target     Ranked      `json:"target" yaml:"target"`
	Ranking    []Ranked    `json:"ranking" yaml:"ranking"`
	Excluded   []Exclusion `json:"excluded,omitempty" yaml:"excluded,omitempty"`
	Percentile float64     `json:"percentile" yaml:"percentile"`
	Median     float64     `json:"median" yaml:"median"`
	Mean       float64     `json:"mean" yaml:"mean"`
}

// ComparePeers resolves metric for target and every peer concurrently and
// ranks them, highest value first. A failure to resolve the target fails
// the comparison. Peers that fail are excluded and listed in Excluded.
func (a *Analyzer) ComparePeers(ctx context.Context, target string, peers []string, metric string, p edgar.Period) (*Comparison, error) {
	const op = "compare peers"
	m, err := a.metric(op, metric)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	target, err = edgar.NormalizeCIK(target)
	if err != nil {
		return nil, err
	}

	cmp := &Comparison{Metric: m.Name, Period: p.Label()}
	var ciks []string
	seen := map[string]bool{target: true}
	for _, peer := range peers {
		cik, err := edgar.NormalizeCIK(peer)
		if err != nil {
			cmp.Excluded = append(cmp.Excluded, exclusion(peer, err))
			continue
		}
		if !seen[cik] {
			seen[cik] = true
			ciks = append(ciks, cik)
		}
	}
	ciks = append([]string{target}, ciks...)

	results := make([]Ranked, len(ciks))
	errs := make([]error, len(ciks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Concurrency)
	for i, cik := range ciks {
		i, cik := i, cik
		g.Go(func() error {
			name, v, err := a.companyValue(gctx, cik, m, p)
			if err != nil {
				if i == 0 || errkind.Is(err, errkind.Canceled) {
					return err
				}
				errs[i] = err
				return nil
			}
			results[i] = Ranked{CIK: cik, EntityName: name, Value: v}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// A peer that saw the cancel may have failed with another kind.
	if err := ctx.Err(); err != nil {
		return nil, errkind.New(errkind.Canceled, op, err)
	}

	for i := 1; i < len(ciks); i++ {
		if errs[i] != nil {
			a.opts.Logger.Warn("peer excluded from comparison",
				zap.String("cik", ciks[i]),
				zap.String("metric", m.Name),
				zap.Error(errs[i]))
			cmp.Excluded = append(cmp.Excluded, exclusion(ciks[i], errs[i]))
			continue
		}
		cmp.Ranking = append(cmp.Ranking, results[i])
	}
	cmp.Ranking = append(cmp.Ranking, results[0])
	rank(cmp.Ranking)

	values := make([]float64, len(cmp.Ranking))
	for i, r := range cmp.Ranking {
		values[i] = r.Value
		if r.CIK == target {
			cmp.Target = r
		}
	}
	cmp.Percentile = percentile(values, cmp.Target.Value)
	cmp.Median = median(values)
	cmp.Mean = mean(values)
	return cmp, nil
}

func exclusion(cik string, err error) Exclusion {
	return Exclusion{CIK: cik, Kind: errkind.KindOf(err).String(), Reason: err.Error()}
}

// rank sorts r by value, highest first, and numbers it. Ties keep cik order.
func rank(r []Ranked) {
	sort.SliceStable(r, func(i, j int) bool {
		if r[i].Value != r[j].Value {
			return r[i].Value > r[j].Value
		}
		return r[i].CIK < r[j].CIK
	})
	for i := range r {
		r[i].Rank = i + 1
	}
}

// companyValue resolves m for one company from its concept documents.
func (a *Analyzer) companyValue(ctx context.Context, cik string, m *compiledMetric, p edgar.Period) (string, float64, error) {
	var (
		mu   sync.Mutex
		name string
		vals = make(map[string]float64, len(m.vars))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, tag := range m.vars {
		tag := tag
		g.Go(func() error {
			c, err := a.opts.Resolver.Concept(gctx, cik, m.Taxonomy, tag)
			if err != nil {
				return err
			}
			f, ok := c.ValueFor(m.Unit, p)
			if !ok {
				return &errkind.Error{
					Kind: errkind.NotFound,
					Op:   "company value",
					Key:  edgar.ConceptKey(cik, m.Taxonomy, tag),
					Err:  fmt.Errorf("no %s value in %s for %s", m.Unit, p.Label(), tag),
				}
			}
			mu.Lock()
			vals[tag] = f.Val
			if name == "" {
				name = c.EntityName
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", 0, err
	}
	v, err := m.eval(vals)
	if err != nil {
		return "", 0, errkind.New(errkind.Validation, "evaluate "+m.Name, err)
	}
	return name, v, nil
}

// frameValues resolves m for every company reporting it in p.
func (a *Analyzer) frameValues(ctx context.Context, m *compiledMetric, p edgar.Period) ([]Ranked, error) {
	fp := m.framePeriod(p)
	frames := make([]*edgar.Frame, len(m.vars))
	g, gctx := errgroup.WithContext(ctx)
	for i, tag := range m.vars {
		i, tag := i, tag
		g.Go(func() error {
			f, err := a.opts.Resolver.Frames(gctx, m.Taxonomy, tag, m.Unit, fp)
			frames[i] = f
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	type row struct {
		name string
		vals map[string]float64
	}
	rows := make(map[string]*row)
	var order []string
	for i, f := range frames {
		for _, d := range f.Data {
			cik := string(d.CIK)
			r := rows[cik]
			if r == nil {
				if i > 0 {
					// Missing from an earlier frame.
					continue
				}
				r = &row{name: d.EntityName, vals: make(map[string]float64, len(m.vars))}
				rows[cik] = r
				order = append(order, cik)
			}
			r.vals[m.vars[i]] = d.Val
		}
	}

	out := make([]Ranked, 0, len(order))
	for _, cik := range order {
		r := rows[cik]
		if len(r.vals) != len(m.vars) {
			continue
		}
		v, err := m.eval(r.vals)
		if err != nil {
			continue
		}
		out = append(out, Ranked{CIK: cik, EntityName: r.name, Value: v})
	}
	return out, nil
}

// Position is one company's standing among all companies reporting a
// metric for a period.
type Position struct {
	Metric         string  `json:"metric" yaml:"metric"`
	Period         string  `json:"period" yaml:"period"`
	CompanyValue   float64 `json:"company_value" yaml:"company_value"`
	IndustryMedian float64 `json:"industry_median" yaml:"industry_median"`
	IndustryMean   float64 `json:"industry_mean" yaml:"industry_mean"`
	Percentile     float64 `json:"percentile" yaml:"percentile"`
	NumCompanies   int     `json:"num_companies" yaml:"num_companies"`
}

// CompanyPosition places cik among all reporting companies for each of
// metrics, or for every known metric if metrics is empty. Unsupported
// metrics, failed frames and metrics the company did not report are
// skipped with a warning.
func (a *Analyzer) CompanyPosition(ctx context.Context, cik string, p edgar.Period, metrics []string) ([]Position, error) {
	cik, err := edgar.NormalizeCIK(cik)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(metrics) == 0 {
		metrics = a.Metrics()
	}

	var selected []*compiledMetric
	for _, name := range metrics {
		m, ok := a.metrics.get(name)
		if !ok {
			a.opts.Logger.Warn("unsupported metric", zap.String("metric", name))
			continue
		}
		selected = append(selected, m)
	}

	positions := make([]*Position, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Concurrency)
	for i, m := range selected {
		i, m := i, m
		g.Go(func() error {
			all, err := a.frameValues(gctx, m, p)
			if err != nil {
				if errkind.Is(err, errkind.Canceled) {
					return err
				}
				a.opts.Logger.Warn("failed to resolve metric", zap.String("metric", m.Name), zap.Error(err))
				return nil
			}
			values := make([]float64, len(all))
			var own *Ranked
			for j := range all {
				values[j] = all[j].Value
				if all[j].CIK == cik {
					own = &all[j]
				}
			}
			if own == nil {
				a.opts.Logger.Debug("company did not report metric", zap.String("cik", cik), zap.String("metric", m.Name))
				return nil
			}
			positions[i] = &Position{
				Metric:         m.Name,
				Period:         p.Label(),
				CompanyValue:   own.Value,
				IndustryMedian: median(values),
				IndustryMean:   mean(values),
				Percentile:     percentile(values, own.Value),
				NumCompanies:   len(values),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Position, 0, len(positions))
	for _, pos := range positions {
		if pos != nil {
			out = append(out, *pos)
		}
	}
	return out, nil
}

// TopCompanies returns the n companies with the highest value of metric in
// p. n <= 0 means 10.
func (a *Analyzer) TopCompanies(ctx context.Context, metric string, p edgar.Period, n int) ([]Ranked, error) {
	m, err := a.metric("top companies", metric)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if n <= 0 {
		n = defaultTopN
	}
	all, err := a.frameValues(ctx, m, p)
	if err != nil {
		return nil, err
	}
	rank(all)
	if len(all) > n {
		all = all[:n]
	}
	return all, nil
}
