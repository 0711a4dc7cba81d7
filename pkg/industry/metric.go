package industry

import (
	"fmt"
	"math"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/pmkol/secdata/pkg/edgar"
)

const defaultTaxonomy = "us-gaap"

// Metric is a named concept to compare companies by. A metric with Expr
// is derived: Expr is evaluated over the values of the concept tags it
// names, e.g. "NetIncomeLoss / Assets".
type Metric struct {
	Name     string `yaml:"name" mapstructure:"name"`
	Taxonomy string `yaml:"taxonomy" mapstructure:"taxonomy"`
	Tag      string `yaml:"tag" mapstructure:"tag"`
	Unit     string `yaml:"unit" mapstructure:"unit"`
	Expr     string `yaml:"expr" mapstructure:"expr"`

	// Instant concepts are balances at a point in time. Their frames are
	// read at the end of the period.
	Instant bool `yaml:"instant" mapstructure:"instant"`
}

func DefaultMetrics() []Metric {
	return []Metric{
		{Name: "Assets", Tag: "Assets", Unit: "USD", Instant: true},
		{Name: "Revenue", Tag: "Revenues", Unit: "USD"},
		{Name: "NetIncome", Tag: "NetIncomeLoss", Unit: "USD"},
		{Name: "OperatingIncome", Tag: "OperatingIncomeLoss", Unit: "USD"},
		{Name: "EarningsPerShare", Tag: "EarningsPerShareDiluted", Unit: "USD/shares"},
	}
}

// compiledMetric is a validated Metric. vars holds the tags a derived
// metric reads, or the single tag of a plain one.
type compiledMetric struct {
	Metric
	expr *govaluate.EvaluableExpression
	vars []string
}

func compileMetric(m Metric) (*compiledMetric, error) {
	if m.Name == "" {
		return nil, fmt.Errorf("metric without name")
	}
	if m.Taxonomy == "" {
		m.Taxonomy = defaultTaxonomy
	}
	if m.Unit == "" {
		m.Unit = "USD"
	}
	tax, err := edgar.NormalizeTaxonomy(m.Taxonomy)
	if err != nil {
		return nil, fmt.Errorf("metric %s: %w", m.Name, err)
	}
	m.Taxonomy = tax
	if _, err := edgar.NormalizeUnit(m.Unit); err != nil {
		return nil, fmt.Errorf("metric %s: %w", m.Name, err)
	}

	cm := &compiledMetric{Metric: m}
	if m.Expr == "" {
		if err := edgar.ValidateTag(m.Tag); err != nil {
			return nil, fmt.Errorf("metric %s: %w", m.Name, err)
		}
		cm.vars = []string{m.Tag}
		return cm, nil
	}

	expr, err := govaluate.NewEvaluableExpression(m.Expr)
	if err != nil {
		return nil, fmt.Errorf("metric %s: invalid expression: %w", m.Name, err)
	}
	vars := expr.Vars()
	if len(vars) == 0 {
		return nil, fmt.Errorf("metric %s: expression names no concept", m.Name)
	}
	seen := make(map[string]struct{}, len(vars))
	for _, v := range vars {
		if err := edgar.ValidateTag(v); err != nil {
			return nil, fmt.Errorf("metric %s: %w", m.Name, err)
		}
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			cm.vars = append(cm.vars, v)
		}
	}

	// Type check with placeholder values.
	params := make(map[string]interface{}, len(cm.vars))
	for _, v := range cm.vars {
		params[v] = 1.0
	}
	if _, err := expr.Evaluate(params); err != nil {
		return nil, fmt.Errorf("metric %s: invalid expression: %w", m.Name, err)
	}
	cm.expr = expr
	return cm, nil
}

func (m *compiledMetric) derived() bool {
	return m.expr != nil
}

// eval computes the metric from the values of its vars.
func (m *compiledMetric) eval(vals map[string]float64) (float64, error) {
	if !m.derived() {
		return vals[m.Tag], nil
	}
	params := make(map[string]interface{}, len(vals))
	for k, v := range vals {
		params[k] = v
	}
	r, err := m.expr.Evaluate(params)
	if err != nil {
		return 0, err
	}
	f, ok := r.(float64)
	if !ok {
		return 0, fmt.Errorf("expression %q returned %T", m.Expr, r)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("expression %q is undefined for these values", m.Expr)
	}
	return f, nil
}

// framePeriod maps p to the frame that holds m for p.
func (m *compiledMetric) framePeriod(p edgar.Period) edgar.Period {
	if !m.Instant {
		return edgar.Period{Year: p.Year, Quarter: p.Quarter}
	}
	q := p.Quarter
	if q == 0 {
		q = 4
	}
	return edgar.Period{Year: p.Year, Quarter: q, Instant: true}
}

// catalogue is the set of metrics an Analyzer knows, keyed by lower case name.
type catalogue map[string]*compiledMetric

func newCatalogue(metrics []Metric) (catalogue, error) {
	c := make(catalogue, len(metrics))
	for _, m := range metrics {
		cm, err := compileMetric(m)
		if err != nil {
			return nil, err
		}
		k := strings.ToLower(m.Name)
		if _, dup := c[k]; dup {
			return nil, fmt.Errorf("duplicated metric %s", m.Name)
		}
		c[k] = cm
	}
	return c, nil
}

func (c catalogue) get(name string) (*compiledMetric, bool) {
	m, ok := c[strings.ToLower(strings.TrimSpace(name))]
	return m, ok
}
