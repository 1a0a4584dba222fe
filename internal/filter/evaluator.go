package filter

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/notarikon-nz/notabot/internal/chat"
	"github.com/notarikon-nz/notabot/internal/escalation"
	"github.com/notarikon-nz/notabot/internal/pattern"
)

// Default evaluation budgets. The per-message budget is the hard ceiling
// for one pipeline traversal; the per-filter budget bounds a single
// pattern set.
const (
	DefaultFilterBudget          = 100 * time.Millisecond
	DefaultMessageBudgetParallel = 5 * time.Millisecond
	DefaultMessageBudgetSerial   = 10 * time.Millisecond
	DefaultMaxFiltersPerMessage  = 50
)

// ActionResolver maps a confirmed match to the moderation action the
// user's offense history warrants. The escalation ledger implements it.
type ActionResolver interface {
	Record(userKey, filterID string, policy *escalation.Policy, now time.Time) chat.Action
}

// EffectivenessStore receives per-evaluation statistics and answers
// whether a filter has been auto-disabled by its accuracy trend.
type EffectivenessStore interface {
	RecordEvaluation(filterID string, matched bool, latency time.Duration)
	AutoDisabled(filterID string) bool
}

// EvaluatorOptions tunes evaluation limits. Zero values select defaults.
type EvaluatorOptions struct {
	FilterBudget         time.Duration
	MessageBudget        time.Duration
	MaxFiltersPerMessage int
}

// Evaluator runs a message through an ordered filter list, short-circuits
// on the first decisive hit, and reports every outcome to the
// effectiveness store.
type Evaluator struct {
	resolver ActionResolver
	stats    EffectivenessStore
	history  *History
	opts     EvaluatorOptions
	logger   *zap.Logger
}

// NewEvaluator creates an evaluator wired to the escalation ledger and
// effectiveness store.
func NewEvaluator(
	resolver ActionResolver, stats EffectivenessStore, history *History,
	opts EvaluatorOptions, logger *zap.Logger,
) *Evaluator {
	if opts.FilterBudget <= 0 {
		opts.FilterBudget = DefaultFilterBudget
	}

	if opts.MessageBudget <= 0 {
		opts.MessageBudget = DefaultMessageBudgetSerial
	}

	if opts.MaxFiltersPerMessage <= 0 {
		opts.MaxFiltersPerMessage = DefaultMaxFiltersPerMessage
	}

	return &Evaluator{
		resolver: resolver,
		stats:    stats,
		history:  history,
		opts:     opts,
		logger:   logger.Named("evaluator"),
	}
}

// Evaluate runs the pipeline for one message against pre-sorted filters
// and returns the decision. The message's arrival time anchors all
// window math so replayed traffic evaluates deterministically.
func (e *Evaluator) Evaluate(msg *chat.Message, role chat.Role, filters []*Filter) chat.Decision {
	start := time.Now()

	e.history.Observe(msg)

	// Fold once; case-sensitive filters get the original content.
	lowered := strings.ToLower(msg.Content)

	evaluated := 0

	for _, f := range filters {
		if time.Since(start) > e.opts.MessageBudget {
			e.logger.Debug("Message budget exhausted",
				zap.String("messageID", msg.ID),
				zap.Int("filtersEvaluated", evaluated))

			break
		}

		if evaluated >= e.opts.MaxFiltersPerMessage {
			break
		}

		if !f.Eligible(msg, role, msg.ArrivedAt) {
			continue
		}

		if e.stats.AutoDisabled(f.ID) {
			continue
		}

		evaluated++

		filterStart := time.Now()
		matched, confidence, reason := e.runFilter(f, msg, role, lowered)

		e.stats.RecordEvaluation(f.ID, matched, time.Since(filterStart))

		if matched && confidence >= f.ConfidenceThreshold {
			userKey := escalation.UserKey(msg.Platform, msg.UserID)
			action := e.resolver.Record(userKey, f.ID, f.Escalation, msg.ArrivedAt)

			if action.Message == "" {
				action.Message = f.CustomMessage
			}

			return chat.Decision{
				MessageID:  msg.ID,
				FilterID:   f.ID,
				Action:     action,
				Reason:     reason,
				Confidence: confidence,
				Latency:    time.Since(start),
				Silent:     f.SilentMode,
			}
		}
	}

	return chat.Decision{
		MessageID: msg.ID,
		Action:    chat.Pass(),
		Latency:   time.Since(start),
	}
}

func (e *Evaluator) runFilter(f *Filter, msg *chat.Message, role chat.Role, lowered string) (bool, float64, string) {
	if f.Spam != nil {
		matched, confidence, reason := f.Spam.Check(msg, role, e.history)
		return matched, confidence, reason
	}

	text := msg.Content
	if !f.CaseSensitive {
		text = lowered
	}

	opts := pattern.Options{
		CaseSensitive:  f.CaseSensitive,
		WholeWordsOnly: f.WholeWordsOnly,
		Budget:         e.opts.FilterBudget,
	}

	confidence, best := f.match(text, opts)
	if confidence <= 0 {
		return false, 0, ""
	}

	reason := "pattern match"
	if len(best.Spans) > 0 {
		span := best.Spans[0]
		if span.End <= len(text) && span.Start < span.End {
			reason = "matched " + text[span.Start:span.End]
		}
	}

	return true, confidence, reason
}
