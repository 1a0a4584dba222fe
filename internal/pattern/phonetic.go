package pattern

import (
	"fmt"
	"strings"
	"unicode"
)

// phoneticEval matches tokens whose Soundex code equals the target's code.
type phoneticEval struct {
	target     string
	targetCode string
}

func compilePhonetic(spec Spec) (evaluator, error) {
	if spec.Target == "" {
		return nil, fmt.Errorf("%w: phonetic target is empty", ErrCompile)
	}

	code := Soundex(spec.Target)
	if code == "" {
		return nil, fmt.Errorf("%w: phonetic target %q has no soundex code", ErrCompile, spec.Target)
	}

	return &phoneticEval{target: strings.ToLower(spec.Target), targetCode: code}, nil
}

func (e *phoneticEval) evaluate(text string, _ Options) Result {
	lower := strings.ToLower(text)

	offset := 0

	for _, token := range strings.Fields(lower) {
		idx := strings.Index(lower[offset:], token)
		if idx >= 0 {
			idx += offset
			offset = idx + len(token)
		}

		if Soundex(token) != e.targetCode {
			continue
		}

		// Exact spellings score full confidence; phonetic-only matches
		// score lower because Soundex codes collapse aggressively.
		confidence := 0.75
		if token == e.target {
			confidence = 1.0
		}

		res := Result{Matched: true, Confidence: confidence}
		if idx >= 0 {
			res.Spans = []Span{{Start: idx, End: idx + len(token)}}
		}

		return res
	}

	return Result{}
}

// soundexCodes maps consonants to their Soundex digit groups.
var soundexCodes = map[rune]byte{
	'b': '1', 'f': '1', 'p': '1', 'v': '1',
	'c': '2', 'g': '2', 'j': '2', 'k': '2', 'q': '2', 's': '2', 'x': '2', 'z': '2',
	'd': '3', 't': '3',
	'l': '4',
	'm': '5', 'n': '5',
	'r': '6',
}

// Soundex returns the four-character American Soundex code for a word, or
// the empty string when the word has no leading letter.
func Soundex(word string) string {
	word = strings.ToLower(strings.TrimFunc(word, func(r rune) bool {
		return !unicode.IsLetter(r)
	}))
	if word == "" {
		return ""
	}

	runes := []rune(word)

	code := []byte{byte(unicode.ToUpper(runes[0]))}

	var prev byte
	if c, ok := soundexCodes[runes[0]]; ok {
		prev = c
	}

	for _, r := range runes[1:] {
		c, ok := soundexCodes[r]
		if !ok {
			// h and w are transparent for adjacency; vowels reset it.
			if r != 'h' && r != 'w' {
				prev = 0
			}

			continue
		}

		if c == prev {
			continue
		}

		code = append(code, c)

		prev = c

		if len(code) == 4 {
			break
		}
	}

	for len(code) < 4 {
		code = append(code, '0')
	}

	return string(code)
}
