package store

import "strings"

// NormalizePhone strips every non-digit character. ok is false when nothing
// remains, in which case the phone must be treated as absent.
func NormalizePhone(raw string) (digits string, ok bool) {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits = b.String()
	return digits, digits != ""
}
