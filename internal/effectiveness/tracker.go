// Package effectiveness keeps running per-filter statistics and feeds
// the learning loop: appeal outcomes lower accuracy, and filters whose
// accuracy falls below their threshold are auto-disabled until the
// on-disk config changes or an operator re-enables them.
package effectiveness

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// responseTimeAlpha is the EWMA smoothing factor for response latency.
const responseTimeAlpha = 0.1

// minTriggersForDisable is how many triggers a filter needs before its
// accuracy is trusted enough to auto-disable it.
const minTriggersForDisable = 20

// Stats is a point-in-time copy of one filter's counters.
type Stats struct {
	Triggers          uint64  `json:"triggers"`
	TruePositives     uint64  `json:"true_positives"`
	FalsePositives    uint64  `json:"false_positives"`
	AvgResponseTimeMS float64 `json:"avg_response_time_ms"`
	Accuracy          float64 `json:"accuracy"`
	UserSatisfaction  float64 `json:"user_satisfaction"`
}

type filterStats struct {
	mu                sync.Mutex
	triggers          uint64
	truePositives     uint64
	falsePositives    uint64
	avgResponseTimeMS float64
	satisfaction      float64
	disabled          bool
	disableThreshold  float64
}

// Tracker aggregates evaluation outcomes per filter. All methods are
// safe for concurrent use from the worker pool.
type Tracker struct {
	filters *xsync.MapOf[string, *filterStats]
	logger  *zap.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{
		filters: xsync.NewMapOf[string, *filterStats](),
		logger:  logger.Named("effectiveness"),
	}
}

// Register declares a filter and its auto-disable threshold. Re-listing
// a filter from a fresh config snapshot clears any auto-disabled state,
// which is how an on-disk change resurrects a disabled filter.
func (t *Tracker) Register(filterID string, autoDisableThreshold float64) {
	stats, _ := t.filters.LoadOrStore(filterID, &filterStats{})

	stats.mu.Lock()
	defer stats.mu.Unlock()

	stats.disableThreshold = autoDisableThreshold
	stats.disabled = false
}

// RecordEvaluation counts one filter evaluation. Matches are counted as
// true positives until an appeal reclassifies them.
func (t *Tracker) RecordEvaluation(filterID string, matched bool, latency time.Duration) {
	stats, _ := t.filters.LoadOrStore(filterID, &filterStats{})

	stats.mu.Lock()
	defer stats.mu.Unlock()

	stats.triggers++

	if matched {
		stats.truePositives++
	}

	ms := float64(latency.Microseconds()) / 1000.0
	if stats.avgResponseTimeMS == 0 {
		stats.avgResponseTimeMS = ms
	} else {
		stats.avgResponseTimeMS = responseTimeAlpha*ms + (1-responseTimeAlpha)*stats.avgResponseTimeMS
	}

	t.maybeDisableLocked(filterID, stats)
}

// RecordAppeal reclassifies one match after an appeal verdict. Accepted
// appeals convert a true positive into a false positive.
func (t *Tracker) RecordAppeal(filterID string, accepted bool) {
	stats, _ := t.filters.LoadOrStore(filterID, &filterStats{})

	stats.mu.Lock()
	defer stats.mu.Unlock()

	if accepted {
		stats.falsePositives++

		if stats.truePositives > 0 {
			stats.truePositives--
		}
	}

	// Satisfaction tracks the share of appeals resolved in the user's
	// favor, smoothed the same way as latency.
	verdict := 0.0
	if accepted {
		verdict = 1.0
	}

	if stats.satisfaction == 0 {
		stats.satisfaction = verdict
	} else {
		stats.satisfaction = responseTimeAlpha*verdict + (1-responseTimeAlpha)*stats.satisfaction
	}

	t.maybeDisableLocked(filterID, stats)
}

// AutoDisabled reports whether the filter's accuracy has fallen below
// its threshold with enough triggers to trust the signal.
func (t *Tracker) AutoDisabled(filterID string) bool {
	stats, ok := t.filters.Load(filterID)
	if !ok {
		return false
	}

	stats.mu.Lock()
	defer stats.mu.Unlock()

	return stats.disabled
}

// Reenable clears the auto-disabled flag, used by the operator
// re-enable path.
func (t *Tracker) Reenable(filterID string) {
	stats, ok := t.filters.Load(filterID)
	if !ok {
		return
	}

	stats.mu.Lock()
	defer stats.mu.Unlock()

	if stats.disabled {
		stats.disabled = false

		t.logger.Info("Filter re-enabled by operator", zap.String("filterID", filterID))
	}
}

// Snapshot returns a copy of one filter's stats.
func (t *Tracker) Snapshot(filterID string) (Stats, bool) {
	stats, ok := t.filters.Load(filterID)
	if !ok {
		return Stats{}, false
	}

	stats.mu.Lock()
	defer stats.mu.Unlock()

	return Stats{
		Triggers:          stats.triggers,
		TruePositives:     stats.truePositives,
		FalsePositives:    stats.falsePositives,
		AvgResponseTimeMS: stats.avgResponseTimeMS,
		Accuracy:          accuracyLocked(stats),
		UserSatisfaction:  stats.satisfaction,
	}, true
}

// All returns a copy of every filter's stats keyed by filter id.
func (t *Tracker) All() map[string]Stats {
	out := make(map[string]Stats)

	t.filters.Range(func(id string, _ *filterStats) bool {
		if s, ok := t.Snapshot(id); ok {
			out[id] = s
		}

		return true
	})

	return out
}

// SeedPriors loads imported community stats as advisory starting points.
// Priors never mark a filter disabled.
func (t *Tracker) SeedPriors(filterID string, prior Stats) {
	stats, _ := t.filters.LoadOrStore(filterID, &filterStats{})

	stats.mu.Lock()
	defer stats.mu.Unlock()

	if stats.triggers > 0 {
		return
	}

	stats.triggers = prior.Triggers
	stats.truePositives = prior.TruePositives
	stats.falsePositives = prior.FalsePositives
	stats.avgResponseTimeMS = prior.AvgResponseTimeMS
	stats.satisfaction = prior.UserSatisfaction
}

func (t *Tracker) maybeDisableLocked(filterID string, stats *filterStats) {
	if stats.disabled || stats.disableThreshold <= 0 || stats.triggers < minTriggersForDisable {
		return
	}

	if accuracy := accuracyLocked(stats); accuracy < stats.disableThreshold {
		stats.disabled = true

		t.logger.Warn("Filter auto-disabled by accuracy",
			zap.String("filterID", filterID),
			zap.Float64("accuracy", accuracy),
			zap.Float64("threshold", stats.disableThreshold),
			zap.Uint64("triggers", stats.triggers))
	}
}

func accuracyLocked(stats *filterStats) float64 {
	triggers := stats.triggers
	if triggers == 0 {
		triggers = 1
	}

	return 1.0 - float64(stats.falsePositives)/float64(triggers)
}
