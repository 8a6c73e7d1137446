package fusion

import (
	"strings"
	"unicode"
)

// fuzzyAttachFactor discounts a fuzzy match's similarity into the attach
// confidence (confidence = similarity x 0.92). Exact matches bypass this.
const fuzzyAttachFactor = 0.92

// tokenSet splits a normalized name into its comparison token set.
//
// Whitespace-delimited names tokenize by field. Names that collapse to a
// single token of CJK text (the common case for Chinese ingredient names,
// which carry no spaces) fall back to character bigrams so that 五花肉 and
// 带皮五花肉 still overlap.
func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(s)
	set := make(map[string]struct{}, len(fields))

	if len(fields) == 1 && isCJK(fields[0]) {
		runes := []rune(fields[0])
		if len(runes) == 1 {
			set[string(runes)] = struct{}{}
			return set
		}
		for i := 0; i+1 < len(runes); i++ {
			set[string(runes[i:i+2])] = struct{}{}
		}
		return set
	}

	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func isCJK(s string) bool {
	for _, r := range s {
		if !unicode.Is(unicode.Han, r) {
			return false
		}
	}
	return s != ""
}

// TokenSetSimilarity computes Jaccard similarity between the token sets of
// two normalized names: |intersection| / |union|. Returns a value in [0,1].
func TokenSetSimilarity(a, b string) float64 {
	sa, sb := tokenSet(a), tokenSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}

	intersection := 0
	for t := range sa {
		if _, ok := sb[t]; ok {
			intersection++
		}
	}
	union := len(sa) + len(sb) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
