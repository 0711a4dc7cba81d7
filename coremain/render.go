package coremain

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/bytedance/sonic"
	"gopkg.in/yaml.v3"

	"github.com/pmkol/secdata/pkg/errkind"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

var jsonHandler = sonic.Config{
	EscapeHTML:  true,
	SortMapKeys: true,
}.Froze()

// render writes v to w in format. text renders the human readable form.
func render(w io.Writer, format string, v any, text func(w io.Writer) error) error {
	switch format {
	case "", outputText:
		return text(w)
	case outputJSON:
		b, err := jsonHandler.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", b)
		return err
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return errkind.Validationf("render", "unknown output format %q, want text, json or yaml", format)
	}
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// formatValue prints money without decimals and ratios with two.
func formatValue(unit string, v float64) string {
	if unit == "USD" {
		return "$" + groupThousands(fmt.Sprintf("%.0f", v))
	}
	return groupThousands(fmt.Sprintf("%.2f", v))
}

func groupThousands(s string) string {
	sign := ""
	if len(s) > 0 && s[0] == '-' {
		sign, s = "-", s[1:]
	}
	intPart, frac := s, ""
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			intPart, frac = s[:i], s[i:]
			break
		}
	}
	var out []byte
	for i := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, intPart[i])
	}
	return sign + string(out) + frac
}

// FormatError is the one line form of err printed by the cli.
func FormatError(err error) string {
	return fmt.Sprintf("error (%s): %v", errkind.KindOf(err), err)
}
