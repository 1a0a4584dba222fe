package pattern

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// unicodeEval folds text through compatibility decomposition, optional
// diacritic stripping and optional confusables folding, then compares to
// the target. Script mixing inside a single alphabetic run is an
// independent trigger.
type unicodeEval struct {
	target             string
	transformer        transform.Transformer
	detectHomoglyphs   bool
	detectScriptMixing bool
}

func compileUnicode(spec Spec) (evaluator, error) {
	if spec.Target == "" && !spec.DetectScriptMixing {
		return nil, fmt.Errorf("%w: unicode_normalized needs a target or detect_script_mixing", ErrCompile)
	}

	chain := []transform.Transformer{norm.NFKD}
	if spec.FoldDiacritics {
		chain = append(chain, runes.Remove(runes.In(unicode.Mn)))
	}

	chain = append(chain, runes.Map(unicode.ToLower), norm.NFKC)

	t := transform.Chain(chain...)

	target := spec.Target
	if target != "" {
		if folded, _, err := transform.String(t, target); err == nil {
			target = folded
		}

		if spec.DetectHomoglyphs {
			target = FoldConfusables(target)
		}
	}

	return &unicodeEval{
		target:             target,
		transformer:        t,
		detectHomoglyphs:   spec.DetectHomoglyphs,
		detectScriptMixing: spec.DetectScriptMixing,
	}, nil
}

func (e *unicodeEval) evaluate(text string, _ Options) Result {
	folded, _, err := transform.String(e.transformer, text)
	if err != nil {
		folded = strings.ToLower(text)
	}

	if e.detectHomoglyphs {
		folded = FoldConfusables(folded)
	}

	if e.target != "" {
		if idx := strings.Index(folded, e.target); idx >= 0 {
			return Result{
				Matched:    true,
				Confidence: 1.0,
				Spans:      []Span{{Start: idx, End: idx + len(e.target)}},
				Cleaned:    folded,
			}
		}
	}

	if e.detectScriptMixing && hasMixedScriptRun(text) {
		return Result{Matched: true, Confidence: 0.85, Cleaned: folded}
	}

	return Result{}
}

// hasMixedScriptRun reports whether any contiguous alphabetic run contains
// letters from more than one writing system. Single-script messages in any
// language never trigger.
func hasMixedScriptRun(text string) bool {
	var runScript *unicode.RangeTable

	for _, r := range text {
		if !unicode.IsLetter(r) {
			runScript = nil
			continue
		}

		script := scriptOf(r)
		if script == nil {
			continue
		}

		if runScript == nil {
			runScript = script
			continue
		}

		if script != runScript {
			return true
		}
	}

	return false
}

// knownScripts lists the writing systems that matter for evasion: mixing
// any two of these within one word is the homoglyph attack shape.
var knownScripts = []*unicode.RangeTable{
	unicode.Latin,
	unicode.Cyrillic,
	unicode.Greek,
	unicode.Armenian,
	unicode.Hebrew,
}

func scriptOf(r rune) *unicode.RangeTable {
	for _, script := range knownScripts {
		if unicode.Is(script, r) {
			return script
		}
	}

	return nil
}
