// Package edgar resolves company filings data: it validates parameters,
// derives cache keys and decodes provider documents. Every request goes
// through a Fetcher, so resolvers never touch the network directly.
package edgar

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/pmkol/secdata/pkg/errkind"
	"github.com/pmkol/secdata/pkg/fetcher"
)

var nopLogger = zap.NewNop()

var jsonHandler = sonic.Config{
	ValidateString: true,
}.Froze()

// Fetcher is implemented by *fetcher.Client.
type Fetcher interface {
	Fetch(ctx context.Context, req fetcher.Request) ([]byte, error)
}

// TTLs is how long each document kind stays cacheable. Filed facts never
// change once published; amendments are filed as new facts.
type TTLs struct {
	Tickers     time.Duration `yaml:"tickers"`
	Submissions time.Duration `yaml:"submissions"`
	Facts       time.Duration `yaml:"facts"`
	Concept     time.Duration `yaml:"concept"`
	Frames      time.Duration `yaml:"frames"`
}

func DefaultTTLs() TTLs {
	return TTLs{
		Tickers:     24 * time.Hour,
		Submissions: 6 * time.Hour,
		Facts:       7 * 24 * time.Hour,
		Concept:     7 * 24 * time.Hour,
		Frames:      30 * 24 * time.Hour,
	}
}

func (t *TTLs) fill() {
	d := DefaultTTLs()
	for _, p := range []struct {
		v   *time.Duration
		def time.Duration
	}{
		{&t.Tickers, d.Tickers},
		{&t.Submissions, d.Submissions},
		{&t.Facts, d.Facts},
		{&t.Concept, d.Concept},
		{&t.Frames, d.Frames},
	} {
		if *p.v < time.Second {
			*p.v = p.def
		}
	}
}

type ClientOpts struct {
	Fetcher Fetcher // required

	// TTLs fields shorter than a second take their default.
	TTLs TTLs

	// TickersURL overrides the location of the company tickers file.
	TickersURL string

	// RequirePersist fails a request whose response could not be cached.
	RequirePersist bool

	Logger *zap.Logger
}

func (opts *ClientOpts) Init() error {
	if opts.Fetcher == nil {
		return errors.New("nil fetcher")
	}
	opts.TTLs.fill()
	if opts.TickersURL == "" {
		opts.TickersURL = TickersURL
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

type Client struct {
	opts ClientOpts
}

func NewClient(opts ClientOpts) (*Client, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Client{opts: opts}, nil
}

func (c *Client) TTLs() TTLs {
	return c.opts.TTLs
}

func validJSON(b []byte) error {
	if !jsonHandler.Valid(b) {
		return errors.New("payload is not valid json")
	}
	return nil
}

func (c *Client) endpointFor(key string) (string, error) {
	if key == TickersKey() {
		return c.opts.TickersURL, nil
	}
	return EndpointFor(key)
}

func fetchDoc[T any](ctx context.Context, c *Client, key string, ttl time.Duration) (*T, error) {
	b, err := c.opts.Fetcher.Fetch(ctx, fetcher.Request{
		Key:      key,
		Endpoint: c.endpointFor,
		TTL:      ttl,
		Validate: validJSON,

		RequirePersist: c.opts.RequirePersist,
	})
	if err != nil {
		return nil, err
	}
	v := new(T)
	if err := jsonHandler.Unmarshal(b, v); err != nil {
		return nil, errkind.ParseError("decode", key, b, err)
	}
	return v, nil
}

// CompanyTickers returns every listed company and its ticker symbol.
func (c *Client) CompanyTickers(ctx context.Context) (Tickers, error) {
	t, err := fetchDoc[Tickers](ctx, c, TickersKey(), c.opts.TTLs.Tickers)
	if err != nil {
		return nil, err
	}
	return *t, nil
}

// LookupTicker resolves a ticker symbol, ignoring case.
func (c *Client) LookupTicker(ctx context.Context, symbol string) (Ticker, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return Ticker{}, errkind.Validationf("lookup ticker", "empty ticker symbol")
	}
	tickers, err := c.CompanyTickers(ctx)
	if err != nil {
		return Ticker{}, err
	}
	t, ok := tickers.Lookup(symbol)
	if !ok {
		return Ticker{}, &errkind.Error{
			Kind: errkind.NotFound,
			Op:   "lookup ticker",
			Key:  TickersKey(),
			Err:  errors.New("unknown ticker " + strings.ToUpper(symbol)),
		}
	}
	return t, nil
}

// ResolveCIK accepts either a cik or a ticker symbol.
func (c *Client) ResolveCIK(ctx context.Context, cikOrTicker string) (string, error) {
	s := strings.TrimSpace(cikOrTicker)
	if digits := trimCIKPrefix(s); digits == "" || strings.Trim(digits, "0123456789") == "" {
		return NormalizeCIK(s)
	}
	t, err := c.LookupTicker(ctx, s)
	if err != nil {
		return "", err
	}
	return string(t.CIK), nil
}

// Submissions returns company metadata and recent filings.
func (c *Client) Submissions(ctx context.Context, cik string) (*Submissions, error) {
	cik, err := NormalizeCIK(cik)
	if err != nil {
		return nil, err
	}
	return fetchDoc[Submissions](ctx, c, CompanyInfoKey(cik), c.opts.TTLs.Submissions)
}

// Concept returns every value a company reported for one concept.
func (c *Client) Concept(ctx context.Context, cik, taxonomy, tag string) (*Concept, error) {
	cik, err := NormalizeCIK(cik)
	if err != nil {
		return nil, err
	}
	taxonomy, err = NormalizeTaxonomy(taxonomy)
	if err != nil {
		return nil, err
	}
	if err := ValidateTag(tag); err != nil {
		return nil, err
	}
	return fetchDoc[Concept](ctx, c, ConceptKey(cik, taxonomy, tag), c.opts.TTLs.Concept)
}

// Facts returns every concept a company ever reported.
func (c *Client) Facts(ctx context.Context, cik string) (*Facts, error) {
	cik, err := NormalizeCIK(cik)
	if err != nil {
		return nil, err
	}
	return fetchDoc[Facts](ctx, c, FactsKey(cik), c.opts.TTLs.Facts)
}

// Frames returns one concept as reported by all companies for period p.
func (c *Client) Frames(ctx context.Context, taxonomy, tag, unit string, p Period) (*Frame, error) {
	taxonomy, err := NormalizeTaxonomy(taxonomy)
	if err != nil {
		return nil, err
	}
	if err := ValidateTag(tag); err != nil {
		return nil, err
	}
	unit, err = NormalizeUnit(unit)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return fetchDoc[Frame](ctx, c, FramesKey(taxonomy, tag, unit, p), c.opts.TTLs.Frames)
}
