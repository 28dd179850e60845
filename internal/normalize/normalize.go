// Package normalize canonicalizes patient identifiers for comparison.
// Every function is pure and idempotent: normalizing an already
// normalized value is a no-op.
package normalize

import (
	"strings"
	"time"
	"unicode"

	"github.com/savegress/labbridge/pkg/models"
)

// NamePart canonicalizes one name component: trim, uppercase, collapse
// internal whitespace runs to a single space.
func NamePart(s string) string {
	return strings.Join(strings.Fields(strings.ToUpper(s)), " ")
}

// Name canonicalizes every component of a person name, preserving
// component order.
func Name(n models.PersonName) models.PersonName {
	out := models.PersonName{
		Family: NamePart(n.Family),
		Given:  NamePart(n.Given),
		Middle: NamePart(n.Middle),
	}
	if len(n.Extra) > 0 {
		out.Extra = make([]string, len(n.Extra))
		for i, e := range n.Extra {
			out.Extra[i] = NamePart(e)
		}
	}
	return out
}

// dobLayouts are tried in order. US month-first is preferred for
// slash-separated dates; day-first is the fallback for dates like
// 25/12/1990 that cannot be month-first.
var dobLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"02/01/2006",
	"20060102",
}

// DOB normalizes a date of birth in any accepted input format to the
// canonical ISO-8601 date string. Unparseable input normalizes to the
// empty string, never an error.
func DOB(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	// HL7 timestamps may carry a time portion after the date.
	if len(s) > 8 && isDigits(s[:8]) {
		s = s[:8]
	}
	for _, layout := range dobLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ""
}

// MRN strips every non-alphanumeric rune and uppercases the rest.
func MRN(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// MRNIsNumeric reports whether a normalized MRN consists of digits
// only. Numeric-only and alphanumeric MRNs are weighted differently by
// the match engine.
func MRNIsNumeric(mrn string) bool {
	return mrn != "" && isDigits(mrn)
}

// Identifiers canonicalizes a full identifier set.
func Identifiers(p models.PatientIdentifiers) models.PatientIdentifiers {
	return models.PatientIdentifiers{
		MRN:         MRN(p.MRN),
		Name:        Name(p.Name),
		DateOfBirth: DOB(p.DateOfBirth),
	}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
