package utils

import "strings"

// CanonicalPair orders two participant ids so that the unordered pair {a, b}
// always maps to the same key regardless of argument order.
func CanonicalPair(a, b string) (string, string) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if b < a {
		return b, a
	}
	return a, b
}
