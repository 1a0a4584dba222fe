package utils

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// TextNormalizer wraps a transform chain that folds chat text into a
// canonical comparison form: compatibility-decomposed, diacritics stripped,
// lowercased, recomposed. Not safe for concurrent use; the evaluator keeps
// one per worker.
type TextNormalizer struct {
	transformer transform.Transformer
}

// NewTextNormalizer builds the standard folding chain.
func NewTextNormalizer() *TextNormalizer {
	return &TextNormalizer{
		transformer: transform.Chain(
			norm.NFKD,
			runes.Remove(runes.In(unicode.Mn)),
			runes.Map(unicode.ToLower),
			norm.NFKC,
		),
	}
}

// Normalize folds s into canonical form. Returns the lowercased input when
// the transform fails so matching degrades rather than silently passing.
func (n *TextNormalizer) Normalize(s string) string {
	if s == "" {
		return ""
	}

	s = CompressWhitespace(s)

	result, _, err := transform.String(n.transformer, s)
	if err != nil || result == "" {
		return strings.ToLower(s)
	}

	return result
}

// Contains reports whether substr occurs in s after both are folded.
func (n *TextNormalizer) Contains(s, substr string) bool {
	if s == "" || substr == "" {
		return false
	}

	return strings.Contains(n.Normalize(s), n.Normalize(substr))
}
