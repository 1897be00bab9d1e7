package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datasheet-cli/internal/model"
)

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"Here you go: {\"a\":1} hope it helps", `{"a":1}`},
		{`  {"a":1}  `, `{"a":1}`},
		{"no json", "no json"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cleanJSON(tt.in))
	}
}

func TestOutputSchema_Decode(t *testing.T) {
	s, err := NewOutputSchema(model.DefaultFieldRegistry())
	require.NoError(t, err)

	out, err := s.Decode("```json\n" + `{
		"fields": {
			"manufacturer": "Rockwool",
			"product_name": "  Frontrock MAX E ",
			"thermal_conductivity": "0,036 W/mK",
			"density": "1,200 kg/m³",
			"thickness": "fifty mm",
			"color": null,
			"model_number": "",
			"shoe_size": "44"
		},
		"confidence": 0.92
	}` + "\n```")
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"manufacturer":         "Rockwool",
		"product_name":         "Frontrock MAX E",
		"thermal_conductivity": 0.036,
		"density":              1200.0,
	}, out.Fields)
	require.NotNil(t, out.Confidence)
	assert.InDelta(t, 0.92, *out.Confidence, 1e-9)
}

func TestOutputSchema_DecodeRejects(t *testing.T) {
	s, err := NewOutputSchema(model.DefaultFieldRegistry())
	require.NoError(t, err)

	_, err = s.Decode("I could not read the document.")
	assert.Error(t, err)

	_, err = s.Decode(`{"confidence": 0.5}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema")

	_, err = s.Decode(`{"fields": {}, "confidence": 1.5}`)
	assert.Error(t, err)

	_, err = s.Decode(`{"fields": {"manufacturer": 42}}`)
	assert.Error(t, err)
}

func TestFieldCatalogue(t *testing.T) {
	cat := fieldCatalogue(model.DefaultFieldRegistry())
	assert.Contains(t, cat, "- manufacturer (string, required)\n")
	assert.Contains(t, cat, "- thermal_conductivity (number, W/mK)\n")
}
