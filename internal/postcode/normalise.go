// Package postcode normalises UK-style unit postcodes into the canonical
// dedup key used by the merge engine.
package postcode

import (
	"regexp"
	"strings"
)

// unitRe matches a canonical unit postcode: outward 2-4 chars, single space,
// inward exactly one digit followed by two letters.
var (
	unitRe     = regexp.MustCompile(`^([A-Z]{1,2}\d[A-Z\d]?)\s(\d[A-Z]{2})$`)
	embeddedRe = regexp.MustCompile(`\b([A-Z]{1,2}\d[A-Z\d]?\s*\d[A-Z]{2})\b`)
	punctRe    = regexp.MustCompile(`[.,;:'"` + "`" + `_\-/\\()\[\]{}|~!?@#$%^&*+=]`)
	spaceRe    = regexp.MustCompile(`\s+`)
)

// IsValid reports whether value is already a canonical unit postcode.
func IsValid(value string) bool {
	return unitRe.MatchString(value)
}

// Normalise maps arbitrary raw text to a canonical unit postcode. It returns
// the normalised key and true, or "" and false when the input cannot be a
// unit postcode. Source fields sometimes carry whole address strings, so
// inputs longer than 8 characters are searched for an embedded postcode.
func Normalise(raw string) (string, bool) {
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return "", false
	}

	cleaned = strings.ToUpper(cleaned)
	if len(cleaned) > 8 {
		if m := embeddedRe.FindString(cleaned); m != "" {
			cleaned = m
		}
	}
	cleaned = punctRe.ReplaceAllString(cleaned, "")
	cleaned = spaceRe.ReplaceAllString(cleaned, "")

	if len(cleaned) < 5 || len(cleaned) > 8 {
		return "", false
	}

	cleaned = cleaned[:len(cleaned)-3] + " " + cleaned[len(cleaned)-3:]

	if !unitRe.MatchString(cleaned) {
		return "", false
	}
	return cleaned, true
}
