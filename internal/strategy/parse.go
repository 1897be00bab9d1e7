package strategy

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/datasheet-cli/internal/model"
)

// DefaultPatterns maps field keys to label/value expressions. Each
// expression has exactly one capture group holding the value. Labels cover
// English, German, and Hungarian datasheets.
func DefaultPatterns() map[string][]string {
	return map[string][]string{
		model.FieldManufacturer: {
			`(?im)^\s*(?:manufacturer|producer|made by|hersteller|gyártó)\s*[:\-]\s*(.+?)\s*$`,
		},
		model.FieldProductName: {
			`(?im)^\s*(?:product name|product|trade name|produktname|termék\s*név|terméknév|termék)\s*[:\-]\s*(.+?)\s*$`,
		},
		model.FieldModelNumber: {
			`(?im)^\s*(?:model(?: no\.?| number)?|article(?: no\.?| number)|part(?: no\.?| number)|sku|artikelnummer|cikkszám|típus)\s*[:\-#]\s*([A-Za-z0-9][\w\-./]*)`,
		},
		model.FieldProductCategory: {
			`(?im)^\s*(?:category|product type|produktart|kategória|termékcsoport)\s*[:\-]\s*(.+?)\s*$`,
		},
		model.FieldMaterial: {
			`(?im)^\s*(?:material|composition|werkstoff|anyag)\s*[:\-]\s*(.+?)\s*$`,
		},
		model.FieldThermalConductivity: {
			`(?i)(?:thermal conductivity|wärmeleitfähigkeit|hővezetési tényező|λ[dD]?|lambda)[^0-9\n]{0,30}([0-9]+[.,][0-9]+)`,
		},
		model.FieldDensity: {
			`(?i)(?:bulk density|density|rohdichte|testsűrűség|sűrűség)[^0-9\n]{0,30}([0-9]+(?:[.,][0-9]+)?)\s*kg\s*/\s*m`,
		},
		model.FieldCompressiveStrength: {
			`(?i)(?:compressive strength|druckfestigkeit|nyomószilárdság)[^0-9\n]{0,40}([0-9]+(?:[.,][0-9]+)?)\s*kPa`,
		},
		model.FieldFireRating: {
			`(?i)(?:reaction to fire|fire rating|fire class(?:ification)?|euroclass|brandverhalten|tűzvédelmi osztály|éghetőségi osztály)[^A-Za-z0-9\n]{0,20}((?:A1|A2|B|C|D|E|F)(?:-s[1-3])?(?:,\s*d[0-2])?)\b`,
		},
		model.FieldOperatingTemp: {
			`(?im)^\s*(?:operating temperature|service temperature|max(?:imum)? temperature|einsatztemperatur|alkalmazási hőmérséklet)\s*[:\-]\s*(.+?)\s*$`,
		},
		model.FieldThickness: {
			`(?i)(?:thickness|dicke|vastagság)[^0-9\n]{0,20}([0-9]+(?:[.,][0-9]+)?)\s*mm`,
		},
		model.FieldDimensions: {
			`(?i)(?:dimensions?|size|abmessungen|méretek|méret)\s*[:\-]\s*([0-9]+\s*[x×]\s*[0-9]+(?:\s*[x×]\s*[0-9]+)?(?:\s*(?:mm|cm|m)\b)?)`,
		},
		model.FieldWeight: {
			`(?i)(?:weight|gewicht|tömeg)\s*[:\-]\s*([0-9]+(?:[.,][0-9]+)?)\s*kg`,
		},
		model.FieldColor: {
			`(?im)^\s*(?:colou?r|farbe|szín)\s*[:\-]\s*(.+?)\s*$`,
		},
		model.FieldCertifications: {
			`(?im)^\s*(?:certifications?|approvals?|zulassungen|tanúsítványok|tanúsítvány)\s*[:\-]\s*(.+?)\s*$`,
		},
	}
}

type fieldPattern struct {
	field string
	exprs []*regexp.Regexp
}

// Parser pulls label/value pairs out of raw document text.
type Parser struct {
	fields   *model.FieldRegistry
	patterns []fieldPattern
}

// NewParser compiles patterns into a Parser. Keys are processed in sorted
// order so parsing is deterministic.
func NewParser(fields *model.FieldRegistry, patterns map[string][]string) (*Parser, error) {
	keys := make([]string, 0, len(patterns))
	for k := range patterns {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	p := &Parser{fields: fields}
	for _, k := range keys {
		fp := fieldPattern{field: k}
		for _, expr := range patterns[k] {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, eris.Wrapf(err, "strategy: compile pattern for %s", k)
			}
			if re.NumSubexp() < 1 {
				return nil, eris.Errorf("strategy: pattern for %s has no capture group", k)
			}
			fp.exprs = append(fp.exprs, re)
		}
		p.patterns = append(p.patterns, fp)
	}
	return p, nil
}

// MergePatterns returns base with extra prepended per field, so extra
// expressions are tried first.
func MergePatterns(base, extra map[string][]string) map[string][]string {
	out := make(map[string][]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = append([]string(nil), v...)
	}
	for k, v := range extra {
		out[k] = append(append([]string(nil), v...), out[k]...)
	}
	return out
}

// Parse extracts every field it can find. The first matching expression per
// field wins. Numeric fields are returned as float64.
func (p *Parser) Parse(text string) map[string]any {
	text = norm.NFKC.String(text)
	found := make(map[string]any)
	for _, fp := range p.patterns {
		for _, re := range fp.exprs {
			m := re.FindStringSubmatch(text)
			if m == nil {
				continue
			}
			raw := strings.TrimSpace(m[1])
			if raw == "" {
				continue
			}
			v, ok := p.convert(fp.field, raw)
			if !ok {
				continue
			}
			found[fp.field] = v
			break
		}
	}
	return found
}

func (p *Parser) convert(field, raw string) (any, bool) {
	spec := p.fields.ByKey(field)
	if spec == nil {
		return raw, true
	}
	if spec.ValidationRegex != nil && !spec.ValidationRegex.MatchString(raw) {
		return nil, false
	}
	if spec.DataType == model.DataTypeNumber {
		f, err := model.ParseNumber(raw, spec.Unit)
		if err != nil {
			return nil, false
		}
		return f, true
	}
	return raw, true
}

// Confidence scores a parse: the fraction of the document type's expected
// fields that were found, scaled by text quality.
func (p *Parser) Confidence(text string, found map[string]any, docType string) float64 {
	expected := p.fields.Expected(docType)
	if len(expected) == 0 || len(found) == 0 {
		return 0
	}
	hits := 0
	for _, k := range expected {
		if _, ok := found[k]; ok {
			hits++
		}
	}
	coverage := float64(hits) / float64(len(expected))
	if hits == 0 {
		coverage = 0.1
	}
	return clamp01(coverage * TextQuality(text))
}

// TextQuality returns the share of printable characters in text, a cheap
// proxy for a garbled text layer or poor OCR.
func TextQuality(text string) float64 {
	total, printable := 0, 0
	for _, r := range text {
		if r == '\n' || r == '\r' || r == '\t' {
			continue
		}
		total++
		if unicode.IsPrint(r) && r != unicode.ReplacementChar {
			printable++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(printable) / float64(total)
}
