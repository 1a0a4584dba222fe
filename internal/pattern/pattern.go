// Package pattern implements the detector families used by blacklist
// filters. Every family shares one contract: a compiled Pattern is evaluated
// against message text and returns a match flag, a confidence score and the
// evaluation cost. Evaluation is pure; compilation happens once at snapshot
// build and carries all derived state inside the Pattern value.
package pattern

import (
	"errors"
	"fmt"
	"time"
)

// Kind selects the detector family a Pattern belongs to.
type Kind string

const (
	KindLiteral      Kind = "literal"
	KindWildcard     Kind = "wildcard"
	KindRegex        Kind = "regex"
	KindFuzzy        Kind = "fuzzy"
	KindLeetspeak    Kind = "leetspeak"
	KindUnicode      Kind = "unicode_normalized"
	KindHomoglyph    Kind = "homoglyph"
	KindRepeatedChar Kind = "repeated_char"
	KindZalgo        Kind = "zalgo"
	KindEncoded      Kind = "encoded"
	KindPhonetic     Kind = "phonetic"
)

var (
	// ErrCompile reports a pattern that cannot be compiled at snapshot build.
	ErrCompile = errors.New("pattern compile failed")
	// ErrEvalTimeout reports an evaluation that exceeded its budget.
	ErrEvalTimeout = errors.New("pattern evaluation exceeded budget")
	// ErrOversizedInput reports input above the per-message size cap.
	ErrOversizedInput = errors.New("input exceeds maximum scan length")
)

// MaxScanLength caps how many bytes of a message any detector will scan.
// Chat platforms cap messages around 500 characters; anything larger is
// hostile input.
const MaxScanLength = 4096

// Span marks a matched byte range in the original text.
type Span struct {
	Start int
	End   int
}

// Result is the outcome of evaluating one pattern against one message.
type Result struct {
	Matched    bool
	Confidence float64
	Spans      []Span
	// Cleaned carries transformed text some families produce (zalgo
	// stripping, decoded payloads) for downstream reuse.
	Cleaned string
	Cost    time.Duration
	Err     error
}

// Spec is the uncompiled, config-facing description of a pattern.
type Spec struct {
	Kind   Kind   `koanf:"kind"   json:"kind"`
	Target string `koanf:"target" json:"target"`
	// Weight scales the family's confidence when the filter aggregates
	// pattern scores. Zero means 1.0.
	Weight float64 `koanf:"weight" json:"weight,omitempty"`

	// Regex options.
	Flags string `koanf:"flags" json:"flags,omitempty"`

	// Fuzzy options.
	Threshold float64 `koanf:"threshold" json:"threshold,omitempty"`

	// Leetspeak options.
	SubstitutionMap  map[string]string `koanf:"substitution_map"  json:"substitution_map,omitempty"`
	MinSubstitutions int               `koanf:"min_substitutions" json:"min_substitutions,omitempty"`

	// Unicode options.
	FoldDiacritics     bool `koanf:"fold_diacritics"      json:"fold_diacritics,omitempty"`
	DetectHomoglyphs   bool `koanf:"detect_homoglyphs"    json:"detect_homoglyphs,omitempty"`
	DetectScriptMixing bool `koanf:"detect_script_mixing" json:"detect_script_mixing,omitempty"`

	// Zalgo options.
	CombiningRatioThreshold float64 `koanf:"combining_ratio_threshold" json:"combining_ratio_threshold,omitempty"`
	MinLength               int     `koanf:"min_length"                json:"min_length,omitempty"`

	// Encoded options.
	Encodings    []string `koanf:"encodings"     json:"encodings,omitempty"`
	InnerTargets []string `koanf:"inner_targets" json:"inner_targets,omitempty"`
}

// Options carry the filter-level flags that change how text is compared.
type Options struct {
	CaseSensitive  bool
	WholeWordsOnly bool
	// Budget bounds a single evaluation. Zero means no budget check.
	Budget time.Duration
}

// Pattern is a compiled detector. The zero value is not usable; build
// instances through Compile.
type Pattern struct {
	spec     Spec
	weight   float64
	compiled evaluator
}

// evaluator is the per-family match implementation.
type evaluator interface {
	evaluate(text string, opts Options) Result
}

// Compile validates a Spec and builds the compiled Pattern for it.
// All regex/wildcard compilation and table construction happens here so
// evaluation never allocates derived state.
func Compile(spec Spec) (*Pattern, error) {
	weight := spec.Weight
	if weight <= 0 || weight > 1 {
		weight = 1.0
	}

	var (
		eval evaluator
		err  error
	)

	switch spec.Kind {
	case KindLiteral:
		eval, err = compileLiteral(spec)
	case KindWildcard:
		eval, err = compileWildcard(spec)
	case KindRegex:
		eval, err = compileRegex(spec)
	case KindFuzzy:
		eval, err = compileFuzzy(spec)
	case KindLeetspeak:
		eval, err = compileLeetspeak(spec)
	case KindUnicode:
		eval, err = compileUnicode(spec)
	case KindHomoglyph:
		eval, err = compileHomoglyph(spec)
	case KindRepeatedChar:
		eval, err = compileRepeatedChar(spec)
	case KindZalgo:
		eval, err = compileZalgo(spec)
	case KindEncoded:
		eval, err = compileEncoded(spec)
	case KindPhonetic:
		eval, err = compilePhonetic(spec)
	default:
		err = fmt.Errorf("%w: unknown kind %q", ErrCompile, spec.Kind)
	}

	if err != nil {
		return nil, err
	}

	return &Pattern{spec: spec, weight: weight, compiled: eval}, nil
}

// MustCompile is Compile that panics on error. Test helper.
func MustCompile(spec Spec) *Pattern {
	p, err := Compile(spec)
	if err != nil {
		panic(err)
	}

	return p
}

// Kind returns the pattern's detector family.
func (p *Pattern) Kind() Kind { return p.spec.Kind }

// Weight returns the confidence multiplier applied by the filter.
func (p *Pattern) Weight() float64 { return p.weight }

// Spec returns the original uncompiled spec, for export.
func (p *Pattern) Spec() Spec { return p.spec }

// Evaluate runs the pattern against text. It never panics out: internal
// errors, oversized input and budget overruns all come back as a non-match
// with Err set and the measured cost recorded.
func (p *Pattern) Evaluate(text string, opts Options) (result Result) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			result = Result{Err: fmt.Errorf("pattern %s panic: %v", p.spec.Kind, r)}
		}

		result.Cost = time.Since(start)

		if opts.Budget > 0 && result.Cost > opts.Budget && result.Err == nil {
			// Over-budget matches are discarded so a slow detector can
			// never decide moderation outcomes.
			result = Result{Cost: result.Cost, Err: ErrEvalTimeout}
		}
	}()

	if len(text) > MaxScanLength {
		return Result{Err: ErrOversizedInput}
	}

	return p.compiled.evaluate(text, opts)
}
