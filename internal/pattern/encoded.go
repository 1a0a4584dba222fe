package pattern

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// Encoding names accepted in EncodedContent specs.
const (
	EncodingBase64 = "base64"
	EncodingURL    = "url"
	EncodingHex    = "hex"
	EncodingROT13  = "rot13"
)

// minEncodedLength is the smallest substring worth attempting to decode.
// Shorter fragments decode to noise and would flood the inner scan.
const minEncodedLength = 8

// innerScanScale discounts confidence for matches found only after
// decoding, since the decode step itself can produce coincidental text.
const innerScanScale = 0.95

// encodedEval tries each enabled decoding on candidate substrings and
// scans the decoded plaintext for the inner targets with literal and fuzzy
// comparison.
type encodedEval struct {
	encodings []string
	inner     []string
}

func compileEncoded(spec Spec) (evaluator, error) {
	if len(spec.InnerTargets) == 0 {
		return nil, fmt.Errorf("%w: encoded pattern needs inner_targets", ErrCompile)
	}

	encodings := spec.Encodings
	if len(encodings) == 0 {
		encodings = []string{EncodingBase64, EncodingURL, EncodingHex, EncodingROT13}
	}

	for _, enc := range encodings {
		switch enc {
		case EncodingBase64, EncodingURL, EncodingHex, EncodingROT13:
		default:
			return nil, fmt.Errorf("%w: unknown encoding %q", ErrCompile, enc)
		}
	}

	inner := make([]string, len(spec.InnerTargets))
	for i, t := range spec.InnerTargets {
		inner[i] = strings.ToLower(t)
	}

	return &encodedEval{encodings: encodings, inner: inner}, nil
}

func (e *encodedEval) evaluate(text string, _ Options) Result {
	best := Result{}

	for _, token := range strings.Fields(text) {
		if len(token) < minEncodedLength {
			continue
		}

		for _, enc := range e.encodings {
			decoded, ok := decode(enc, token)
			if !ok {
				continue
			}

			confidence := e.scanInner(decoded)
			if confidence > best.Confidence {
				best = Result{
					Matched:    confidence > 0,
					Confidence: confidence,
					Cleaned:    decoded,
				}
			}
		}
	}

	return best
}

// scanInner checks decoded plaintext against the inner targets with exact
// containment first, then fuzzy token similarity, and returns the scaled
// best confidence.
func (e *encodedEval) scanInner(decoded string) float64 {
	lower := strings.ToLower(decoded)

	best := 0.0

	for _, target := range e.inner {
		if strings.Contains(lower, target) {
			return innerScanScale
		}

		for _, token := range strings.Fields(lower) {
			if sim := Similarity(token, target); sim >= 0.85 && sim > best {
				best = sim
			}
		}
	}

	return best * innerScanScale
}

// decode attempts a single decoding of token, returning valid UTF-8
// plaintext only.
func decode(encoding, token string) (string, bool) {
	switch encoding {
	case EncodingBase64:
		if !isBase64Alphabet(token) {
			return "", false
		}

		raw, err := base64.StdEncoding.DecodeString(token)
		if err != nil {
			raw, err = base64.RawStdEncoding.DecodeString(token)
		}

		if err != nil || !utf8.Valid(raw) {
			return "", false
		}

		return string(raw), true

	case EncodingURL:
		if !strings.Contains(token, "%") {
			return "", false
		}

		decoded, err := url.QueryUnescape(token)
		if err != nil || decoded == token {
			return "", false
		}

		return decoded, true

	case EncodingHex:
		if len(token)%2 != 0 || !isHexAlphabet(token) {
			return "", false
		}

		raw, err := hex.DecodeString(token)
		if err != nil || !utf8.Valid(raw) {
			return "", false
		}

		return string(raw), true

	case EncodingROT13:
		return rot13(token), true
	}

	return "", false
}

func isBase64Alphabet(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '+', r == '/', r == '=':
		default:
			return false
		}
	}

	return true
}

func isHexAlphabet(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}

	return true
}

func rot13(s string) string {
	var b strings.Builder

	b.Grow(len(s))

	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune('a' + (r-'a'+13)%26)
		case r >= 'A' && r <= 'Z':
			b.WriteRune('A' + (r-'A'+13)%26)
		default:
			b.WriteRune(r)
		}
	}

	return b.String()
}
