package pattern

import (
	"fmt"
	"strings"
)

// confusables maps visually similar characters from other scripts to their
// ASCII equivalents. Covers the Cyrillic, Greek, fullwidth and mathematical
// alphanumeric ranges seen in real evasion attempts.
var confusables = map[rune]rune{
	// Cyrillic lowercase lookalikes.
	'а': 'a', 'е': 'e', 'о': 'o', 'р': 'p', 'с': 'c',
	'х': 'x', 'у': 'y', 'і': 'i', 'ѕ': 's', 'ј': 'j',
	// Cyrillic uppercase lookalikes.
	'А': 'a', 'В': 'b', 'Е': 'e', 'К': 'k', 'М': 'm',
	'Н': 'h', 'О': 'o', 'Р': 'p', 'С': 'c', 'Т': 't',
	'У': 'y', 'Х': 'x',
	// Greek lookalikes.
	'α': 'a', 'ο': 'o', 'ρ': 'p', 'υ': 'u', 'ν': 'v',
	'ι': 'i', 'κ': 'k', 'τ': 't', 'η': 'n',
	'Α': 'a', 'Β': 'b', 'Ε': 'e', 'Ζ': 'z', 'Η': 'h',
	'Ι': 'i', 'Κ': 'k', 'Μ': 'm', 'Ν': 'n', 'Ο': 'o',
	'Ρ': 'p', 'Τ': 't', 'Υ': 'y', 'Χ': 'x',
	// Fullwidth digits and letters.
	'０': '0', '１': '1', '２': '2', '３': '3', '４': '4',
	'５': '5', '６': '6', '７': '7', '８': '8', '９': '9',
	'ａ': 'a', 'ｅ': 'e', 'ｉ': 'i', 'ｏ': 'o', 'ｕ': 'u',
	// Mathematical alphanumerics (common bold range).
	'𝐀': 'a', '𝐁': 'b', '𝐂': 'c', '𝐃': 'd', '𝐄': 'e',
	'𝐚': 'a', '𝐛': 'b', '𝐜': 'c', '𝐝': 'd', '𝐞': 'e',
}

// FoldConfusables transliterates confusable characters to ASCII and
// lowercases the result.
func FoldConfusables(s string) string {
	var b strings.Builder

	b.Grow(len(s))

	for _, r := range s {
		if sub, ok := confusables[r]; ok {
			b.WriteRune(sub)
			continue
		}

		b.WriteRune(r)
	}

	return strings.ToLower(b.String())
}

// homoglyphEval matches when the confusables-folded text contains the
// target, case-insensitively.
type homoglyphEval struct {
	target string
}

func compileHomoglyph(spec Spec) (evaluator, error) {
	if spec.Target == "" {
		return nil, fmt.Errorf("%w: homoglyph target is empty", ErrCompile)
	}

	return &homoglyphEval{target: FoldConfusables(spec.Target)}, nil
}

func (e *homoglyphEval) evaluate(text string, _ Options) Result {
	folded := FoldConfusables(text)

	idx := strings.Index(folded, e.target)
	if idx < 0 {
		return Result{}
	}

	// Spans refer to the folded view; rune widths differ from the
	// original, so only the cleaned text is positionally exact.
	return Result{
		Matched:    true,
		Confidence: 1.0,
		Spans:      []Span{{Start: idx, End: idx + len(e.target)}},
		Cleaned:    folded,
	}
}
