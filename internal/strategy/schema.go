package strategy

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/sells-group/datasheet-cli/internal/model"
)

// ModelOutput is the JSON object model-backed strategies must return.
type ModelOutput struct {
	Fields     map[string]any `json:"fields"`
	Confidence *float64       `json:"confidence"`
}

// OutputSchema validates model output against a JSON schema derived from the
// field registry.
type OutputSchema struct {
	fields *model.FieldRegistry
	schema *jsonschema.Schema
}

// NewOutputSchema compiles the output schema for fields.
func NewOutputSchema(fields *model.FieldRegistry) (*OutputSchema, error) {
	props := make(map[string]any, len(fields.Fields))
	for _, f := range fields.Fields {
		if f.DataType == model.DataTypeNumber {
			props[f.Key] = map[string]any{"type": []string{"number", "string", "null"}}
			continue
		}
		props[f.Key] = map[string]any{"type": []string{"string", "null"}}
	}
	doc := map[string]any{
		"type":     "object",
		"required": []string{"fields"},
		"properties": map[string]any{
			"fields": map[string]any{
				"type":       "object",
				"properties": props,
			},
			"confidence": map[string]any{
				"type":    "number",
				"minimum": 0,
				"maximum": 1,
			},
		},
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return nil, eris.Wrap(err, "strategy: marshal output schema")
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("output.json", bytes.NewReader(b)); err != nil {
		return nil, eris.Wrap(err, "strategy: add output schema")
	}
	schema, err := compiler.Compile("output.json")
	if err != nil {
		return nil, eris.Wrap(err, "strategy: compile output schema")
	}
	return &OutputSchema{fields: fields, schema: schema}, nil
}

// Decode cleans raw model text, validates it, and returns the known,
// non-empty fields. Numeric fields given as strings are converted.
func (s *OutputSchema) Decode(raw string) (ModelOutput, error) {
	text := cleanJSON(raw)

	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return ModelOutput{}, eris.Wrap(err, "strategy: model output is not JSON")
	}
	if err := s.schema.Validate(v); err != nil {
		return ModelOutput{}, eris.Wrap(err, "strategy: model output does not match schema")
	}

	var out ModelOutput
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return ModelOutput{}, eris.Wrap(err, "strategy: decode model output")
	}

	fields := make(map[string]any, len(out.Fields))
	for k, v := range out.Fields {
		spec := s.fields.ByKey(k)
		if spec == nil || v == nil {
			continue
		}
		switch val := v.(type) {
		case string:
			val = strings.TrimSpace(val)
			if val == "" {
				continue
			}
			if spec.DataType == model.DataTypeNumber {
				f, err := model.ParseNumber(val, spec.Unit)
				if err != nil {
					zap.L().Debug("strategy: dropped unparsable number",
						zap.String("field", k),
						zap.String("value", val),
					)
					continue
				}
				fields[k] = f
				continue
			}
			fields[k] = val
		case float64:
			fields[k] = val
		}
	}
	out.Fields = fields
	return out, nil
}

// cleanJSON strips markdown code fences and surrounding prose from model
// output.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

// fieldCatalogue renders the field list for a model prompt.
func fieldCatalogue(fields *model.FieldRegistry) string {
	var b strings.Builder
	for _, f := range fields.Fields {
		b.WriteString("- ")
		b.WriteString(f.Key)
		b.WriteString(" (")
		b.WriteString(f.DataType)
		if f.Unit != "" {
			b.WriteString(", ")
			b.WriteString(f.Unit)
		}
		if f.Required {
			b.WriteString(", required")
		}
		b.WriteString(")\n")
	}
	return b.String()
}
