package sessions

import (
	"regexp"
	"strings"
	"unicode"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{2,15}$`)

// NormalizePhoneNumber strips whitespace and validates the result against
// the loose international pattern: an optional leading + followed by 2-15
// digits.
func NormalizePhoneNumber(raw string) (string, error) {
	normalized := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, raw)
	if !phonePattern.MatchString(normalized) {
		return "", ErrInvalidPhoneNumber
	}
	return normalized, nil
}
