package pattern

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// literalEval matches the target as a plain substring, optionally bounded
// to whole words.
type literalEval struct {
	target string
}

func compileLiteral(spec Spec) (evaluator, error) {
	if spec.Target == "" {
		return nil, fmt.Errorf("%w: literal target is empty", ErrCompile)
	}

	return &literalEval{target: spec.Target}, nil
}

func (e *literalEval) evaluate(text string, opts Options) Result {
	haystack, needle := text, e.target
	if !opts.CaseSensitive {
		haystack = strings.ToLower(haystack)
		needle = strings.ToLower(needle)
	}

	idx := strings.Index(haystack, needle)
	for idx >= 0 {
		end := idx + len(needle)

		if !opts.WholeWordsOnly || isWholeWord(haystack, idx, end) {
			return Result{
				Matched:    true,
				Confidence: 1.0,
				Spans:      []Span{{Start: idx, End: end}},
			}
		}

		next := strings.Index(haystack[idx+1:], needle)
		if next < 0 {
			break
		}

		idx += 1 + next
	}

	return Result{}
}

// isWholeWord reports whether text[start:end] is bounded by non-word runes
// or the ends of the string.
func isWholeWord(text string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:start])
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return false
		}
	}

	if end < len(text) {
		r, _ := utf8.DecodeRuneInString(text[end:])
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return false
		}
	}

	return true
}

// wildcardEval matches shell-style globs. Patterns without a leading or
// trailing star are anchored at that end.
type wildcardEval struct {
	re *regexp.Regexp
}

func compileWildcard(spec Spec) (evaluator, error) {
	if spec.Target == "" {
		return nil, fmt.Errorf("%w: wildcard target is empty", ErrCompile)
	}

	var b strings.Builder

	b.WriteString("(?i)")

	if !strings.HasPrefix(spec.Target, "*") {
		b.WriteString(`(?:^|\b)`)
	}

	for _, r := range spec.Target {
		switch r {
		case '*':
			b.WriteString(`\S*`)
		case '?':
			b.WriteString(`.`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}

	if !strings.HasSuffix(spec.Target, "*") {
		b.WriteString(`(?:$|\b)`)
	}

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("%w: wildcard %q: %w", ErrCompile, spec.Target, err)
	}

	return &wildcardEval{re: re}, nil
}

func (e *wildcardEval) evaluate(text string, opts Options) Result {
	if opts.WholeWordsOnly {
		for _, loc := range e.re.FindAllStringIndex(text, -1) {
			if isWholeWord(text, loc[0], loc[1]) {
				return Result{Matched: true, Confidence: 1.0, Spans: []Span{{Start: loc[0], End: loc[1]}}}
			}
		}

		return Result{}
	}

	loc := e.re.FindStringIndex(text)
	if loc == nil {
		return Result{}
	}

	return Result{Matched: true, Confidence: 1.0, Spans: []Span{{Start: loc[0], End: loc[1]}}}
}

// regexEval matches precompiled regular expressions. The stdlib engine is
// linear-time, so catastrophic patterns are impossible by construction;
// the budget check in Evaluate still bounds pathological input sizes.
type regexEval struct {
	re *regexp.Regexp
}

func compileRegex(spec Spec) (evaluator, error) {
	expr, flags := spec.Target, spec.Flags

	// NightBot-style "~/pattern/flags" syntax is accepted as-is from
	// imported filter lists.
	if strings.HasPrefix(expr, "~/") {
		body := expr[2:]

		lastSlash := strings.LastIndex(body, "/")
		if lastSlash < 0 {
			return nil, fmt.Errorf("%w: regex %q missing closing slash", ErrCompile, expr)
		}

		expr, flags = body[:lastSlash], body[lastSlash+1:]
	}

	var prefix strings.Builder

	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			prefix.WriteRune(f)
		default:
			return nil, fmt.Errorf("%w: unknown regex flag %q", ErrCompile, string(f))
		}
	}

	if prefix.Len() > 0 {
		expr = "(?" + prefix.String() + ")" + expr
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompile, err)
	}

	return &regexEval{re: re}, nil
}

func (e *regexEval) evaluate(text string, _ Options) Result {
	loc := e.re.FindStringIndex(text)
	if loc == nil {
		return Result{}
	}

	return Result{Matched: true, Confidence: 1.0, Spans: []Span{{Start: loc[0], End: loc[1]}}}
}
