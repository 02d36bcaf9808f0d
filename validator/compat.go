package validator

import (
	"strings"
	"unicode"
)

// CompatibilityFunc decides whether a dependency's output description can
// feed a dependent's input description.
type CompatibilityFunc func(output, input string) bool

// TokenOverlap is the default compatibility rule: two descriptions are
// compatible unless both are non-empty and share no token after case folding
// and punctuation stripping.
func TokenOverlap(output, input string) bool {
	out := tokens(output)
	in := tokens(input)
	if len(out) == 0 || len(in) == 0 {
		return true
	}
	for tok := range in {
		if out[tok] {
			return true
		}
	}
	return false
}

func tokens(s string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}
