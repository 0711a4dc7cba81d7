package coremain

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/secdata/pkg/errkind"
)

func TestRender(t *testing.T) {
	v := map[string]any{"removed": 3, "pattern": "facts"}
	text := func(w io.Writer) error {
		_, err := fmt.Fprint(w, "Cleared 3")
		return err
	}

	buf := new(bytes.Buffer)
	require.NoError(t, render(buf, outputText, v, text))
	assert.Equal(t, "Cleared 3", buf.String())

	buf.Reset()
	require.NoError(t, render(buf, outputJSON, v, text))
	assert.Equal(t, "{\n  \"pattern\": \"facts\",\n  \"removed\": 3\n}\n", buf.String())

	buf.Reset()
	require.NoError(t, render(buf, outputYAML, v, text))
	assert.Equal(t, "pattern: facts\nremoved: 3\n", buf.String())

	err := render(buf, "xml", v, text)
	assert.Equal(t, errkind.Validation, errkind.KindOf(err))
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		unit string
		v    float64
		want string
	}{
		{"USD", 0, "$0"},
		{"USD", 999, "$999"},
		{"USD", 1000, "$1,000"},
		{"USD", 352583000000, "$352,583,000,000"},
		{"USD", -1234567, "$-1,234,567"},
		{"USD/shares", 6.13, "6.13"},
		{"", 1234.5, "1,234.50"},
		{"", 0.1, "0.10"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatValue(tt.unit, tt.v), "%s %v", tt.unit, tt.v)
	}
}

func TestFormatError(t *testing.T) {
	err := &errkind.Error{Kind: errkind.NotFound, Op: "lookup ticker", Err: errors.New("unknown ticker ZZZZ")}
	assert.Equal(t, "error (not_found): lookup ticker: not_found: unknown ticker ZZZZ", FormatError(err))
	assert.Equal(t, "error (unknown): boom", FormatError(errors.New("boom")))
}
