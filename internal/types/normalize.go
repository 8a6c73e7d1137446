package types

import "strings"

// NormalizeName folds a raw item name into the form used for exact-name
// matching: lower-cased, trimmed, with internal runs of whitespace collapsed
// to a single space. CJK text passes through unchanged apart from
// whitespace handling.
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
