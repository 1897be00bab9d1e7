package model

import (
	"os"
	"regexp"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Field data types.
const (
	DataTypeString = "string"
	DataTypeNumber = "number"
)

// defaultImportance applies to fields the schema does not know.
const defaultImportance = 0.5

// FieldSpec describes one extractable datasheet field.
type FieldSpec struct {
	Key             string         `yaml:"key" json:"key"`
	DataType        string         `yaml:"data_type" json:"data_type"`
	Required        bool           `yaml:"required" json:"required"`
	Importance      float64        `yaml:"importance" json:"importance"`
	CaseInsensitive bool           `yaml:"case_insensitive" json:"case_insensitive"`
	Tolerance       float64        `yaml:"tolerance" json:"tolerance,omitempty"` // relative, numeric fields only
	Unit            string         `yaml:"unit" json:"unit,omitempty"`
	Validation      string         `yaml:"validation" json:"validation,omitempty"`
	ValidationRegex *regexp.Regexp `yaml:"-" json:"-"`
}

// FieldRegistry is an indexed collection of field specs plus the expected
// field sets per document type.
type FieldRegistry struct {
	Fields   []FieldSpec
	byKey    map[string]*FieldSpec
	required []*FieldSpec
	expected map[string][]string
	generic  []string
}

// NewFieldRegistry creates a FieldRegistry with indexed lookups.
// Validation regexes are compiled once here; invalid patterns are ignored.
func NewFieldRegistry(fields []FieldSpec, expected map[string][]string, generic []string) *FieldRegistry {
	r := &FieldRegistry{
		Fields:   fields,
		byKey:    make(map[string]*FieldSpec, len(fields)),
		expected: expected,
		generic:  generic,
	}
	for i := range r.Fields {
		f := &r.Fields[i]
		if f.Importance <= 0 {
			f.Importance = defaultImportance
		}
		if f.DataType == "" {
			f.DataType = DataTypeString
		}
		if f.Validation != "" {
			if re, err := regexp.Compile(f.Validation); err == nil {
				f.ValidationRegex = re
			}
		}
		r.byKey[f.Key] = f
		if f.Required {
			r.required = append(r.required, f)
		}
	}
	if len(r.generic) == 0 {
		for _, f := range r.required {
			r.generic = append(r.generic, f.Key)
		}
	}
	return r
}

// ByKey returns the field spec for the given key, or nil if not found.
func (r *FieldRegistry) ByKey(key string) *FieldSpec {
	return r.byKey[key]
}

// Required returns all required field specs.
func (r *FieldRegistry) Required() []*FieldSpec {
	return r.required
}

// Importance returns the static importance weight of a field.
func (r *FieldRegistry) Importance(key string) float64 {
	if f := r.byKey[key]; f != nil {
		return f.Importance
	}
	return defaultImportance
}

// Expected returns the fields expected for a document type, falling back to
// the generic minimum set when the type is unknown.
func (r *FieldRegistry) Expected(docType string) []string {
	if keys, ok := r.expected[docType]; ok && len(keys) > 0 {
		return keys
	}
	return r.generic
}

// DocumentTypes lists the document types with a dedicated expected set.
func (r *FieldRegistry) DocumentTypes() []string {
	out := make([]string, 0, len(r.expected))
	for k := range r.expected {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// fieldFile is the on-disk layout of a field schema.
type fieldFile struct {
	Fields   []FieldSpec         `yaml:"fields"`
	Expected map[string][]string `yaml:"expected"`
	Generic  []string            `yaml:"generic"`
}

// LoadFieldRegistry reads a YAML field schema from path.
func LoadFieldRegistry(path string) (*FieldRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "model: read field schema %s", path)
	}

	var ff fieldFile
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, eris.Wrap(err, "model: parse field schema")
	}
	if len(ff.Fields) == 0 {
		return nil, eris.Errorf("model: field schema %s defines no fields", path)
	}
	for _, f := range ff.Fields {
		if f.Key == "" {
			return nil, eris.New("model: field schema entry missing key")
		}
	}

	return NewFieldRegistry(ff.Fields, ff.Expected, ff.Generic), nil
}

// Well-known datasheet field keys.
const (
	FieldManufacturer        = "manufacturer"
	FieldProductName         = "product_name"
	FieldModelNumber         = "model_number"
	FieldProductCategory     = "product_category"
	FieldMaterial            = "material"
	FieldThermalConductivity = "thermal_conductivity"
	FieldDensity             = "density"
	FieldCompressiveStrength = "compressive_strength"
	FieldFireRating          = "fire_rating"
	FieldOperatingTemp       = "operating_temperature"
	FieldThickness           = "thickness"
	FieldDimensions          = "dimensions"
	FieldWeight              = "weight"
	FieldColor               = "color"
	FieldCertifications      = "certifications"
	FieldDescription         = "description"
)

// DefaultFieldRegistry returns the built-in datasheet schema.
func DefaultFieldRegistry() *FieldRegistry {
	fields := []FieldSpec{
		{Key: FieldManufacturer, Required: true, Importance: 3, CaseInsensitive: true},
		{Key: FieldProductName, Required: true, Importance: 3, CaseInsensitive: true},
		{Key: FieldModelNumber, Importance: 2, CaseInsensitive: true},
		{Key: FieldProductCategory, Importance: 1, CaseInsensitive: true},
		{Key: FieldMaterial, Importance: 1, CaseInsensitive: true},
		{Key: FieldThermalConductivity, DataType: DataTypeNumber, Importance: 1.5, Unit: "W/mK"},
		{Key: FieldDensity, DataType: DataTypeNumber, Importance: 1, Unit: "kg/m3"},
		{Key: FieldCompressiveStrength, DataType: DataTypeNumber, Importance: 1, Unit: "kPa"},
		{Key: FieldFireRating, Importance: 1, CaseInsensitive: true, Validation: `^(?i)(A1|A2|B|C|D|E|F)(-s[1-3])?(,?\s*d[0-2])?$`},
		{Key: FieldOperatingTemp, Importance: 0.75},
		{Key: FieldThickness, DataType: DataTypeNumber, Importance: 0.75, Unit: "mm"},
		{Key: FieldDimensions, Importance: 0.5},
		{Key: FieldWeight, DataType: DataTypeNumber, Importance: 0.5, Unit: "kg"},
		{Key: FieldColor, Importance: 0.5, CaseInsensitive: true},
		{Key: FieldCertifications, Importance: 0.5},
		{Key: FieldDescription, Importance: 0.25},
	}
	expected := map[string][]string{
		"technical_datasheet": {
			FieldManufacturer, FieldProductName, FieldModelNumber, FieldProductCategory,
			FieldMaterial, FieldThermalConductivity, FieldDensity, FieldFireRating, FieldDimensions,
		},
		"safety_datasheet": {
			FieldManufacturer, FieldProductName, FieldProductCategory, FieldMaterial,
		},
		"declaration_of_performance": {
			FieldManufacturer, FieldProductName, FieldThermalConductivity, FieldFireRating,
			FieldCompressiveStrength,
		},
	}
	generic := []string{FieldManufacturer, FieldProductName, FieldModelNumber, FieldProductCategory}
	return NewFieldRegistry(fields, expected, generic)
}
