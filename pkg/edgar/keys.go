package edgar

import (
	"fmt"
	"strings"

	"github.com/pmkol/secdata/pkg/errkind"
)

// Cache key prefixes. A key is the prefix followed by colon separated
// normalized parameters, so invalidating a prefix drops one resource kind.
const (
	KindTickers     = "company-tickers"
	KindCompanyInfo = "company-info"
	KindFacts       = "facts"
	KindConcept     = "concept"
	KindFrames      = "frames"
)

// TickersURL is served from the main site rather than the data api.
const TickersURL = "https://www.sec.gov/files/company_tickers.json"

func TickersKey() string {
	return KindTickers
}

func CompanyInfoKey(cik string) string {
	return KindCompanyInfo + ":" + cik
}

func FactsKey(cik string) string {
	return KindFacts + ":" + cik
}

func ConceptKey(cik, taxonomy, tag string) string {
	return KindConcept + ":" + cik + ":" + taxonomy + ":" + tag
}

func FramesKey(taxonomy, tag, unit string, p Period) string {
	return KindFrames + ":" + taxonomy + ":" + tag + ":" + unit + ":" + p.String()
}

// EndpointFor parses a cache key back into its provider endpoint. Every
// parameter is validated again, so a key never reaches the network unless
// it is well formed.
func EndpointFor(key string) (string, error) {
	parts := strings.Split(key, ":")
	bad := func() (string, error) {
		return "", &errkind.Error{Kind: errkind.Validation, Op: "endpoint", Key: key, Err: fmt.Errorf("malformed key")}
	}

	switch parts[0] {
	case KindTickers:
		if len(parts) != 1 {
			return bad()
		}
		return TickersURL, nil

	case KindCompanyInfo, KindFacts:
		if len(parts) != 2 {
			return bad()
		}
		cik, err := NormalizeCIK(parts[1])
		if err != nil {
			return "", err
		}
		if parts[0] == KindFacts {
			return fmt.Sprintf("/api/xbrl/companyfacts/CIK%s.json", cik), nil
		}
		return fmt.Sprintf("/submissions/CIK%s.json", cik), nil

	case KindConcept:
		if len(parts) != 4 {
			return bad()
		}
		cik, err := NormalizeCIK(parts[1])
		if err != nil {
			return "", err
		}
		tax, err := NormalizeTaxonomy(parts[2])
		if err != nil {
			return "", err
		}
		if err := ValidateTag(parts[3]); err != nil {
			return "", err
		}
		return fmt.Sprintf("/api/xbrl/companyconcept/CIK%s/%s/%s.json", cik, tax, parts[3]), nil

	case KindFrames:
		if len(parts) != 5 {
			return bad()
		}
		tax, err := NormalizeTaxonomy(parts[1])
		if err != nil {
			return "", err
		}
		if err := ValidateTag(parts[2]); err != nil {
			return "", err
		}
		unit, err := NormalizeUnit(parts[3])
		if err != nil {
			return "", err
		}
		p, err := ParsePeriod(parts[4])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("/api/xbrl/frames/%s/%s/%s/%s.json", tax, parts[2], unit, p), nil
	}
	return bad()
}
