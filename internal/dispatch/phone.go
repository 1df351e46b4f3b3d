package dispatch

import (
	"fmt"
	"strings"
)

// FormatPhone normalizes a raw phone cell to E.164. US numbers are assumed
// when no country code is present.
func FormatPhone(raw string) (string, error) {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()

	switch {
	case len(d) == 10:
		return "+1" + d, nil
	case len(d) == 11 && d[0] == '1':
		return "+" + d, nil
	case len(d) >= 11 && len(d) <= 15 && strings.HasPrefix(strings.TrimSpace(raw), "+"):
		return "+" + d, nil
	default:
		return "", fmt.Errorf("dispatch: cannot normalize phone %q", raw)
	}
}

// Excluded reports whether a normalized number matches one of the configured
// do-not-dial prefixes (test lines, office numbers).
func Excluded(number string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(number, p) {
			return true
		}
	}
	return false
}
