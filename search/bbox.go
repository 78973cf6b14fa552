package search

import (
	"strings"
	"unicode"
)

// tokenize lowercases and splits on anything that is not a letter or
// digit, dropping single-character noise tokens.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		if len([]rune(field)) > 1 {
			tokens = append(tokens, field)
		}
	}
	return tokens
}

// sharesToken reports whether the two token sets intersect.
func sharesToken(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(b))
	for _, token := range b {
		set[token] = struct{}{}
	}
	for _, token := range a {
		if _, ok := set[token]; ok {
			return true
		}
	}
	return false
}
