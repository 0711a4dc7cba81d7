package edgar

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pmkol/secdata/pkg/errkind"
)

const cikWidth = 10

var (
	taxonomyRe = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
	tagRe      = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	unitRe     = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_/-]*$`)
	periodRe   = regexp.MustCompile(`^CY(\d{4})(?:Q([0-4])(I)?)?$`)
)

// NormalizeCIK validates a central index key and returns it zero padded to
// ten digits. Leading zeros and surrounding space are accepted.
func NormalizeCIK(cik string) (string, error) {
	const op = "normalize cik"
	s := trimCIKPrefix(strings.TrimSpace(cik))
	if s == "" {
		return "", errkind.Validationf(op, "empty cik")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", errkind.Validationf(op, "cik %q must contain only digits", cik)
		}
	}
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return "", errkind.Validationf(op, "cik %q is zero", cik)
	}
	if len(s) > cikWidth {
		return "", errkind.Validationf(op, "cik %q is longer than %d digits", cik, cikWidth)
	}
	return strings.Repeat("0", cikWidth-len(s)) + s, nil
}

// trimCIKPrefix drops a leading "CIK" in any case.
func trimCIKPrefix(s string) string {
	if len(s) >= 3 && strings.EqualFold(s[:3], "cik") {
		return s[3:]
	}
	return s
}

// NormalizeTaxonomy lower-cases taxonomy and validates it.
func NormalizeTaxonomy(taxonomy string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(taxonomy))
	if err := ValidateTaxonomy(s); err != nil {
		return "", err
	}
	return s, nil
}

// ValidateTaxonomy checks an already normalized taxonomy.
func ValidateTaxonomy(taxonomy string) error {
	if !taxonomyRe.MatchString(taxonomy) {
		return errkind.Validationf("validate taxonomy", "invalid taxonomy %q", taxonomy)
	}
	return nil
}

func ValidateTag(tag string) error {
	if !tagRe.MatchString(tag) {
		return errkind.Validationf("validate tag", "invalid concept tag %q", tag)
	}
	return nil
}

// NormalizeUnit validates unit and rewrites a ratio unit such as USD/shares
// into the USD-per-shares form used in frame urls.
func NormalizeUnit(unit string) (string, error) {
	if !unitRe.MatchString(unit) {
		return "", errkind.Validationf("validate unit", "invalid unit %q", unit)
	}
	return strings.ReplaceAll(unit, "/", "-per-"), nil
}

// Period is a calendar frame period: a year, a quarter of a year, or an
// instant at the end of a quarter.
type Period struct {
	Year int
	// Quarter is 1 to 4. Zero means the whole year.
	Quarter int
	Instant bool
}

func (p Period) Validate() error {
	const op = "validate period"
	if p.Year < 1900 || p.Year > 9999 {
		return errkind.Validationf(op, "year %d out of range", p.Year)
	}
	if p.Quarter < 0 || p.Quarter > 4 {
		return errkind.Validationf(op, "quarter %d out of range", p.Quarter)
	}
	if p.Instant && p.Quarter == 0 {
		return errkind.Validationf(op, "instant period requires a quarter")
	}
	return nil
}

// String returns the frame notation: CY2023, CY2023Q1 or CY2023Q1I.
func (p Period) String() string {
	s := "CY" + strconv.Itoa(p.Year)
	if p.Quarter > 0 {
		s += "Q" + strconv.Itoa(p.Quarter)
		if p.Instant {
			s += "I"
		}
	}
	return s
}

// Label is the short form used in reports, FY2023 or Q1 2023.
func (p Period) Label() string {
	if p.Quarter == 0 {
		return fmt.Sprintf("FY%d", p.Year)
	}
	return fmt.Sprintf("Q%d %d", p.Quarter, p.Year)
}

func ParsePeriod(s string) (Period, error) {
	m := periodRe.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(s)))
	if m == nil {
		return Period{}, errkind.Validationf("parse period", "invalid period %q, want CY2023, CY2023Q1 or CY2023Q1I", s)
	}
	year, _ := strconv.Atoi(m[1])
	p := Period{Year: year}
	if m[2] != "" {
		p.Quarter, _ = strconv.Atoi(m[2])
	}
	p.Instant = m[3] != ""
	if err := p.Validate(); err != nil {
		return Period{}, err
	}
	return p, nil
}

// Bounds returns the first and last day of p.
func (p Period) Bounds() (first, last time.Time) {
	if p.Quarter == 0 {
		first = time.Date(p.Year, time.January, 1, 0, 0, 0, 0, time.UTC)
		return first, first.AddDate(1, 0, -1)
	}
	first = time.Date(p.Year, time.Month(3*(p.Quarter-1)+1), 1, 0, 0, 0, 0, time.UTC)
	return first, first.AddDate(0, 3, -1)
}

// Contains reports whether the date, in 2006-01-02 form, falls within p.
func (p Period) Contains(date string) bool {
	d, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return false
	}
	first, last := p.Bounds()
	return !d.Before(first) && !d.After(last)
}
