package utils

import (
	"regexp"
	"strings"
	"unicode"
)

// MultipleSpaces matches any sequence of whitespace, including newlines.
var MultipleSpaces = regexp.MustCompile(`\s+`)

// CompressWhitespace collapses all whitespace runs to a single space and
// trims the ends. Chat messages are single-line, so newlines are folded too.
func CompressWhitespace(s string) string {
	return strings.TrimSpace(MultipleSpaces.ReplaceAllString(s, " "))
}

// Tokenize splits chat content into alphanumeric word tokens. Punctuation
// acts as a separator so "free!!!money" yields two tokens.
func Tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// TruncateRunes limits s to at most n runes, appending an ellipsis when
// anything was cut. Used for log and event payloads.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}

	runes := []rune(s)
	if len(runes) <= n {
		return s
	}

	return string(runes[:n]) + "…"
}
