package pattern

import (
	"fmt"
	"strings"

	"github.com/notarikon-nz/notabot/pkg/utils"
)

// fuzzyEval matches tokens whose normalized Levenshtein similarity to the
// target meets the configured threshold. Confidence is the similarity ratio
// of the best-scoring token.
type fuzzyEval struct {
	target    string
	threshold float64
}

func compileFuzzy(spec Spec) (evaluator, error) {
	if spec.Target == "" {
		return nil, fmt.Errorf("%w: fuzzy target is empty", ErrCompile)
	}

	if spec.Threshold <= 0 || spec.Threshold > 1 {
		return nil, fmt.Errorf("%w: fuzzy threshold %.2f outside (0,1]", ErrCompile, spec.Threshold)
	}

	return &fuzzyEval{
		target:    strings.ToLower(spec.Target),
		threshold: spec.Threshold,
	}, nil
}

func (e *fuzzyEval) evaluate(text string, _ Options) Result {
	best := 0.0

	var bestSpan Span

	offset := 0

	for _, token := range utils.Tokenize(strings.ToLower(text)) {
		idx := strings.Index(strings.ToLower(text)[offset:], token)
		if idx >= 0 {
			idx += offset
			offset = idx + len(token)
		}

		sim := Similarity(token, e.target)
		if sim > best {
			best = sim

			if idx >= 0 {
				bestSpan = Span{Start: idx, End: idx + len(token)}
			}
		}
	}

	if best < e.threshold {
		return Result{Confidence: best}
	}

	return Result{Matched: true, Confidence: best, Spans: []Span{bestSpan}}
}

// Similarity returns the normalized Levenshtein similarity of two strings:
// 1 - distance/max(len). Identical strings score 1.0, disjoint strings
// approach 0.
func Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}

	ra, rb := []rune(a), []rune(b)

	maxLen := max(len(ra), len(rb))
	if maxLen == 0 {
		return 1.0
	}

	return 1.0 - float64(levenshtein(ra, rb))/float64(maxLen)
}

// levenshtein computes edit distance with the two-row variant to keep
// allocations proportional to the shorter string.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}

	if len(b) == 0 {
		return len(a)
	}

	if len(a) < len(b) {
		a, b = b, a
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i

		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}

			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
