package merge

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/datasheet-cli/internal/model"
)

// Normalized is a value reduced to its comparison form.
type Normalized struct {
	Key     string
	Number  float64
	Numeric bool
}

// Normalize reduces v for equality grouping: NFKC, trimmed, inner
// whitespace collapsed, case-folded when spec marks the field case
// insensitive. Numeric fields are read with model.ParseNumber, so thousands
// separators, decimal commas and a trailing unit matching spec.Unit are
// accepted. ok is false for empty or unusable values.
func Normalize(spec *model.FieldSpec, v any) (Normalized, bool) {
	numericField := spec != nil && spec.DataType == model.DataTypeNumber

	switch val := v.(type) {
	case nil:
		return Normalized{}, false
	case float64:
		return number(val)
	case float32:
		return number(float64(val))
	case int:
		return number(float64(val))
	case int64:
		return number(float64(val))
	case string:
		s := cleanString(val)
		if s == "" {
			return Normalized{}, false
		}
		if numericField {
			f, err := model.ParseNumber(s, spec.Unit)
			if err != nil {
				return Normalized{}, false
			}
			return number(f)
		}
		if spec != nil && spec.CaseInsensitive {
			s = cases.Fold().String(s)
		}
		return Normalized{Key: s}, true
	default:
		s := cleanString(fmt.Sprint(val))
		if s == "" {
			return Normalized{}, false
		}
		return Normalized{Key: s}, true
	}
}

func number(f float64) (Normalized, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Normalized{}, false
	}
	return Normalized{Key: strconv.FormatFloat(f, 'f', -1, 64), Number: f, Numeric: true}, true
}

func cleanString(s string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
}

// withinTolerance reports whether a and b differ by at most tol relative to
// the larger magnitude.
func withinTolerance(a, b, tol float64) bool {
	if a == b {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	return math.Abs(a-b) <= tol*scale
}
