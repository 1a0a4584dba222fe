package pattern

import (
	"fmt"
	"strings"
	"unicode"
)

// defaultLeetMap is used when a filter does not supply its own
// substitution table.
var defaultLeetMap = map[rune]rune{
	'0': 'o', '1': 'i', '3': 'e', '4': 'a', '5': 's',
	'6': 'g', '7': 't', '8': 'b', '9': 'g',
	'@': 'a', '$': 's', '+': 't', '!': 'i',
	'|': 'l', '(': 'c', ')': 'c', '[': 'c', ']': 'c',
	'{': 'c', '}': 'c', '/': 'l', '\\': 'l',
}

// leetEval de-substitutes digits and symbols back to their alphabetic
// classes and compares against the target. A minimum number of actual
// substitutions is required so plain text cannot match itself through this
// family.
type leetEval struct {
	target  string
	subs    map[rune]rune
	minSubs int
}

func compileLeetspeak(spec Spec) (evaluator, error) {
	if spec.Target == "" {
		return nil, fmt.Errorf("%w: leetspeak target is empty", ErrCompile)
	}

	subs := defaultLeetMap

	if len(spec.SubstitutionMap) > 0 {
		subs = make(map[rune]rune, len(spec.SubstitutionMap))

		for from, to := range spec.SubstitutionMap {
			fr := []rune(from)
			tr := []rune(to)

			if len(fr) != 1 || len(tr) != 1 {
				return nil, fmt.Errorf("%w: substitution %q->%q must map single characters", ErrCompile, from, to)
			}

			subs[fr[0]] = unicode.ToLower(tr[0])
		}
	}

	minSubs := spec.MinSubstitutions
	if minSubs < 1 {
		minSubs = 1
	}

	return &leetEval{
		target:  strings.ToLower(spec.Target),
		subs:    subs,
		minSubs: minSubs,
	}, nil
}

func (e *leetEval) evaluate(text string, _ Options) Result {
	// Substitutions are counted over the whole message so evasion spread
	// across several words still crosses the threshold.
	canonical, applied := e.canonicalize(strings.ToLower(text))
	if applied < e.minSubs {
		return Result{}
	}

	idx := strings.Index(canonical, e.target)
	if idx < 0 {
		return Result{}
	}

	// Confidence scales with how many characters were de-substituted
	// relative to the target length.
	confidence := 0.8 + 0.2*min(1.0, float64(applied)/float64(len(e.target)))

	return Result{
		Matched:    true,
		Confidence: confidence,
		Spans:      []Span{{Start: idx, End: idx + len(e.target)}},
		Cleaned:    canonical,
	}
}

// canonicalize replaces every mapped rune and counts how many replacements
// were applied.
func (e *leetEval) canonicalize(text string) (string, int) {
	var b strings.Builder

	applied := 0

	for _, r := range text {
		if sub, ok := e.subs[r]; ok {
			b.WriteRune(sub)
			applied++

			continue
		}

		b.WriteRune(r)
	}

	return b.String(), applied
}
