package pattern

import (
	"fmt"
	"strings"
	"unicode"
)

// zalgoEval is structural: it matches any text whose ratio of combining
// marks to base characters crosses the threshold. No target is involved.
type zalgoEval struct {
	ratioThreshold float64
	minLength      int
}

func compileZalgo(spec Spec) (evaluator, error) {
	ratio := spec.CombiningRatioThreshold
	if ratio <= 0 {
		ratio = 0.3
	}

	if ratio > 1 {
		return nil, fmt.Errorf("%w: zalgo combining_ratio_threshold %.2f above 1", ErrCompile, ratio)
	}

	minLength := spec.MinLength
	if minLength <= 0 {
		minLength = 5
	}

	return &zalgoEval{ratioThreshold: ratio, minLength: minLength}, nil
}

func (e *zalgoEval) evaluate(text string, _ Options) Result {
	var total, combining int

	var cleaned strings.Builder

	for _, r := range text {
		total++

		if unicode.Is(unicode.Mn, r) || unicode.Is(unicode.Me, r) {
			combining++
			continue
		}

		cleaned.WriteRune(r)
	}

	if total < e.minLength || combining == 0 {
		return Result{}
	}

	ratio := float64(combining) / float64(total)
	if ratio < e.ratioThreshold {
		return Result{Confidence: ratio / e.ratioThreshold * 0.5}
	}

	// Confidence grows with mark density past the threshold; fully
	// saturated zalgo approaches 1.0.
	confidence := 0.7 + 0.3*min(1.0, (ratio-e.ratioThreshold)/(1-e.ratioThreshold))

	return Result{
		Matched:    true,
		Confidence: confidence,
		Cleaned:    cleaned.String(),
	}
}
