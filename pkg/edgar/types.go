package edgar

import (
	"bytes"
	"sort"
	"strings"
)

// CIK is a ten digit central index key. The provider encodes it as a
// number in some documents and as an unpadded string in others.
type CIK string

func (c *CIK) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	s, err := NormalizeCIK(string(bytes.Trim(b, `"`)))
	if err != nil {
		return err
	}
	*c = CIK(s)
	return nil
}

// Ticker is one row of the company tickers file.
type Ticker struct {
	CIK    CIK    `json:"cik_str"`
	Ticker string `json:"ticker"`
	Title  string `json:"title"`
}

// Tickers is keyed by the row index the provider uses.
type Tickers map[string]Ticker

// List returns the tickers ordered by symbol.
func (t Tickers) List() []Ticker {
	l := make([]Ticker, 0, len(t))
	for _, v := range t {
		l = append(l, v)
	}
	sort.Slice(l, func(i, j int) bool { return l[i].Ticker < l[j].Ticker })
	return l
}

// Lookup finds symbol, ignoring case.
func (t Tickers) Lookup(symbol string) (Ticker, bool) {
	for _, v := range t {
		if strings.EqualFold(v.Ticker, symbol) {
			return v, true
		}
	}
	return Ticker{}, false
}

// Submissions is the company metadata and filing history document.
type Submissions struct {
	CIK                  CIK      `json:"cik"`
	EntityType           string   `json:"entityType"`
	SIC                  string   `json:"sic"`
	SICDescription       string   `json:"sicDescription"`
	Name                 string   `json:"name"`
	Tickers              []string `json:"tickers"`
	Exchanges            []string `json:"exchanges"`
	EIN                  string   `json:"ein"`
	FiscalYearEnd        string   `json:"fiscalYearEnd"`
	StateOfIncorporation string   `json:"stateOfIncorporation"`
	Filings              struct {
		Recent filingColumns `json:"recent"`
	} `json:"filings"`
}

// filingColumns holds recent filings column-wise, one slice per field.
type filingColumns struct {
	AccessionNumber []string `json:"accessionNumber"`
	FilingDate      []string `json:"filingDate"`
	ReportDate      []string `json:"reportDate"`
	Form            []string `json:"form"`
	PrimaryDocument []string `json:"primaryDocument"`
}

type Filing struct {
	AccessionNumber string `json:"accessionNumber"`
	FilingDate      string `json:"filingDate"`
	ReportDate      string `json:"reportDate,omitempty"`
	Form            string `json:"form"`
	PrimaryDocument string `json:"primaryDocument,omitempty"`
}

// Company is the summary of a Submissions document with its filings
// flattened into rows.
type Company struct {
	CIK                  CIK      `json:"cik" yaml:"cik"`
	Name                 string   `json:"name" yaml:"name"`
	EntityType           string   `json:"entity_type,omitempty" yaml:"entity_type,omitempty"`
	SIC                  string   `json:"sic,omitempty" yaml:"sic,omitempty"`
	SICDescription       string   `json:"sic_description,omitempty" yaml:"sic_description,omitempty"`
	Tickers              []string `json:"tickers" yaml:"tickers"`
	Exchanges            []string `json:"exchanges" yaml:"exchanges"`
	FiscalYearEnd        string   `json:"fiscal_year_end,omitempty" yaml:"fiscal_year_end,omitempty"`
	StateOfIncorporation string   `json:"state_of_incorporation,omitempty" yaml:"state_of_incorporation,omitempty"`
	RecentFilings        []Filing `json:"recent_filings" yaml:"recent_filings"`
}

// Company returns the summary of s with at most n recent filings of forms.
func (s *Submissions) Company(n int, forms ...string) Company {
	return Company{
		CIK:                  s.CIK,
		Name:                 s.Name,
		EntityType:           s.EntityType,
		SIC:                  s.SIC,
		SICDescription:       s.SICDescription,
		Tickers:              s.Tickers,
		Exchanges:            s.Exchanges,
		FiscalYearEnd:        s.FiscalYearEnd,
		StateOfIncorporation: s.StateOfIncorporation,
		RecentFilings:        s.RecentFilings(n, forms...),
	}
}

func col(s []string, i int) string {
	if i < len(s) {
		return s[i]
	}
	return ""
}

// RecentFilings returns up to n of the most recent filings, newest first.
// If forms is not empty only those form types are returned. n <= 0 means
// no limit.
func (s *Submissions) RecentFilings(n int, forms ...string) []Filing {
	r := &s.Filings.Recent
	var out []Filing
	for i := range r.AccessionNumber {
		f := Filing{
			AccessionNumber: r.AccessionNumber[i],
			FilingDate:      col(r.FilingDate, i),
			ReportDate:      col(r.ReportDate, i),
			Form:            col(r.Form, i),
			PrimaryDocument: col(r.PrimaryDocument, i),
		}
		if len(forms) > 0 && !containsFold(forms, f.Form) {
			continue
		}
		out = append(out, f)
		if n > 0 && len(out) == n {
			break
		}
	}
	return out
}

func containsFold(l []string, s string) bool {
	for _, v := range l {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// Fact is one reported value of a concept.
type Fact struct {
	Start string  `json:"start,omitempty"`
	End   string  `json:"end"`
	Val   float64 `json:"val"`
	Accn  string  `json:"accn,omitempty"`
	FY    int     `json:"fy,omitempty"`
	FP    string  `json:"fp,omitempty"`
	Form  string  `json:"form,omitempty"`
	Filed string  `json:"filed,omitempty"`
	Frame string  `json:"frame,omitempty"`
}

// ConceptFacts is every value reported for one concept, grouped by unit.
type ConceptFacts struct {
	Label       string            `json:"label"`
	Description string            `json:"description"`
	Units       map[string][]Fact `json:"units"`
}

// ValueFor selects the value of unit for period p. A fact tagged with the
// frame of p wins. Otherwise the fact with the latest end date inside p is
// used, the latest filing breaking ties.
func (c *ConceptFacts) ValueFor(unit string, p Period) (Fact, bool) {
	facts := c.Units[unit]
	frame := p.String()
	for _, f := range facts {
		if f.Frame == frame {
			return f, true
		}
	}

	var best Fact
	found := false
	for _, f := range facts {
		if !p.Contains(f.End) {
			continue
		}
		if !found || f.End > best.End || (f.End == best.End && f.Filed > best.Filed) {
			best, found = f, true
		}
	}
	return best, found
}

// Concept is the company concept document.
type Concept struct {
	CIK        CIK    `json:"cik"`
	Taxonomy   string `json:"taxonomy"`
	Tag        string `json:"tag"`
	EntityName string `json:"entityName"`
	ConceptFacts
}

// Facts is the company facts document, keyed by taxonomy then tag.
type Facts struct {
	CIK        CIK                                `json:"cik"`
	EntityName string                             `json:"entityName"`
	Facts      map[string]map[string]ConceptFacts `json:"facts"`
}

func (f *Facts) Concept(taxonomy, tag string) (ConceptFacts, bool) {
	c, ok := f.Facts[taxonomy][tag]
	return c, ok
}

// Tags returns the sorted concept tags reported under taxonomy.
func (f *Facts) Tags(taxonomy string) []string {
	tags := make([]string, 0, len(f.Facts[taxonomy]))
	for t := range f.Facts[taxonomy] {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

type FrameFact struct {
	Accn       string  `json:"accn"`
	CIK        CIK     `json:"cik"`
	EntityName string  `json:"entityName"`
	Loc        string  `json:"loc"`
	Start      string  `json:"start,omitempty"`
	End        string  `json:"end"`
	Val        float64 `json:"val"`
}

// Frame is one concept reported by every company for one period.
type Frame struct {
	Taxonomy    string      `json:"taxonomy"`
	Tag         string      `json:"tag"`
	CCP         string      `json:"ccp"`
	UOM         string      `json:"uom"`
	Label       string      `json:"label"`
	Description string      `json:"description"`
	Pts         int         `json:"pts"`
	Data        []FrameFact `json:"data"`
}

func (f *Frame) Find(cik string) (FrameFact, bool) {
	for _, d := range f.Data {
		if string(d.CIK) == cik {
			return d, true
		}
	}
	return FrameFact{}, false
}
