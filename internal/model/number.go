package model

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
)

var (
	// 1,200 and 1,234,567.5: comma groups thousands, dot is decimal.
	commaGrouped = regexp.MustCompile(`^[+-]?[1-9]\d{0,2}(?:,\d{3})+(?:\.\d+)?$`)
	// 1.234,5: dot groups thousands, comma is decimal.
	dotGrouped = regexp.MustCompile(`^[+-]?[1-9]\d{0,2}(?:\.\d{3})+,\d+$`)
)

// ParseNumber parses a number as printed on a datasheet. A comma that
// groups digits in threes is a thousands separator; any other comma is the
// decimal mark, so "0,035" and "12,5" read as decimals. A trailing unit
// equal to unit (case and compatibility forms ignored) is stripped first.
func ParseNumber(raw, unit string) (float64, error) {
	s := stripUnit(strings.TrimSpace(raw), unit)
	switch {
	case commaGrouped.MatchString(s):
		s = strings.ReplaceAll(s, ",", "")
	case dotGrouped.MatchString(s):
		s = strings.ReplaceAll(strings.ReplaceAll(s, ".", ""), ",", ".")
	default:
		s = strings.ReplaceAll(s, ",", ".")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "model: parse number %q", raw)
	}
	return f, nil
}

// stripUnit removes a trailing unit from s, returning the folded form when
// it cuts one. "kg/m³" matches a "kg/m3" unit.
func stripUnit(s, unit string) string {
	if unit == "" {
		return s
	}
	folded := strings.ToLower(norm.NFKC.String(s))
	u := strings.ToLower(norm.NFKC.String(unit))
	if !strings.HasSuffix(folded, u) {
		return s
	}
	// NFKC can change byte lengths, so cut the folded form.
	return strings.TrimSpace(folded[:len(folded)-len(u)])
}
