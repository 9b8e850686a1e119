package util

import "unicode/utf8"

// ClipString truncates s to at most max bytes without cutting a UTF-8
// sequence in half. If max is negative or exceeds len(s), s is returned
// unchanged.
func ClipString(s string, max int) string {
	if max < 0 || len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
