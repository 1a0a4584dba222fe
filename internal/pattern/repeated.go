package pattern

import (
	"fmt"
	"strings"
)

// repeatedCharEval collapses runs of two or more identical characters to a
// single character and compares literally, so "heellooo" matches "helo"
// style targets after both sides are compressed.
type repeatedCharEval struct {
	target string
}

func compileRepeatedChar(spec Spec) (evaluator, error) {
	if spec.Target == "" {
		return nil, fmt.Errorf("%w: repeated_char target is empty", ErrCompile)
	}

	return &repeatedCharEval{target: compressRuns(strings.ToLower(spec.Target))}, nil
}

func (e *repeatedCharEval) evaluate(text string, opts Options) Result {
	compressed := compressRuns(strings.ToLower(text))

	idx := strings.Index(compressed, e.target)
	if idx < 0 {
		return Result{}
	}

	if opts.WholeWordsOnly && !isWholeWord(compressed, idx, idx+len(e.target)) {
		return Result{}
	}

	return Result{
		Matched:    true,
		Confidence: 1.0,
		Spans:      []Span{{Start: idx, End: idx + len(e.target)}},
		Cleaned:    compressed,
	}
}

// compressRuns collapses every run of identical runes to one occurrence.
func compressRuns(s string) string {
	var b strings.Builder

	b.Grow(len(s))

	var prev rune = -1

	for _, r := range s {
		if r == prev {
			continue
		}

		b.WriteRune(r)

		prev = r
	}

	return b.String()
}
