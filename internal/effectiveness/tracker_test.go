package effectiveness_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/notarikon-nz/notabot/internal/effectiveness"
)

func TestRecordEvaluationCounters(t *testing.T) {
	t.Parallel()

	tracker := effectiveness.NewTracker(zaptest.NewLogger(t))

	tracker.RecordEvaluation("f1", true, 2*time.Millisecond)
	tracker.RecordEvaluation("f1", false, 2*time.Millisecond)

	stats, ok := tracker.Snapshot("f1")
	require.True(t, ok)
	assert.Equal(t, uint64(2), stats.Triggers)
	assert.Equal(t, uint64(1), stats.TruePositives)
	assert.Equal(t, uint64(0), stats.FalsePositives)
	assert.InDelta(t, 1.0, stats.Accuracy, 0.001)
}

func TestResponseTimeEWMA(t *testing.T) {
	t.Parallel()

	tracker := effectiveness.NewTracker(zaptest.NewLogger(t))

	tracker.RecordEvaluation("f1", false, 10*time.Millisecond)

	stats, _ := tracker.Snapshot("f1")
	assert.InDelta(t, 10.0, stats.AvgResponseTimeMS, 0.01)

	// alpha 0.1: 0.1*20 + 0.9*10 = 11.
	tracker.RecordEvaluation("f1", false, 20*time.Millisecond)

	stats, _ = tracker.Snapshot("f1")
	assert.InDelta(t, 11.0, stats.AvgResponseTimeMS, 0.01)
}

func TestAcceptedAppealReclassifies(t *testing.T) {
	t.Parallel()

	tracker := effectiveness.NewTracker(zaptest.NewLogger(t))

	tracker.RecordEvaluation("f1", true, time.Millisecond)
	tracker.RecordAppeal("f1", true)

	stats, _ := tracker.Snapshot("f1")
	assert.Equal(t, uint64(0), stats.TruePositives)
	assert.Equal(t, uint64(1), stats.FalsePositives)
	assert.InDelta(t, 0.0, stats.Accuracy, 0.001)
	assert.InDelta(t, 1.0, stats.UserSatisfaction, 0.001)
}

func TestRejectedAppealKeepsCounters(t *testing.T) {
	t.Parallel()

	tracker := effectiveness.NewTracker(zaptest.NewLogger(t))

	tracker.RecordEvaluation("f1", true, time.Millisecond)
	tracker.RecordAppeal("f1", false)

	stats, _ := tracker.Snapshot("f1")
	assert.Equal(t, uint64(1), stats.TruePositives)
	assert.Equal(t, uint64(0), stats.FalsePositives)
}

func TestAutoDisableNeedsEnoughTriggers(t *testing.T) {
	t.Parallel()

	tracker := effectiveness.NewTracker(zaptest.NewLogger(t))
	tracker.Register("f1", 0.5)

	// Every evaluation is appealed successfully, so accuracy collapses,
	// but the filter stays live until the trigger floor is crossed.
	for range 19 {
		tracker.RecordEvaluation("f1", true, time.Millisecond)
		tracker.RecordAppeal("f1", true)
	}

	assert.False(t, tracker.AutoDisabled("f1"))

	tracker.RecordEvaluation("f1", true, time.Millisecond)
	tracker.RecordAppeal("f1", true)

	assert.True(t, tracker.AutoDisabled("f1"))
}

func TestRegisterResurrectsDisabledFilter(t *testing.T) {
	t.Parallel()

	tracker := effectiveness.NewTracker(zaptest.NewLogger(t))
	tracker.Register("f1", 0.9)

	for range 25 {
		tracker.RecordEvaluation("f1", true, time.Millisecond)
		tracker.RecordAppeal("f1", true)
	}

	require.True(t, tracker.AutoDisabled("f1"))

	// A fresh snapshot re-listing the filter clears the disabled state.
	tracker.Register("f1", 0.9)
	assert.False(t, tracker.AutoDisabled("f1"))
}

func TestReenable(t *testing.T) {
	t.Parallel()

	tracker := effectiveness.NewTracker(zaptest.NewLogger(t))
	tracker.Register("f1", 0.9)

	for range 25 {
		tracker.RecordEvaluation("f1", true, time.Millisecond)
		tracker.RecordAppeal("f1", true)
	}

	require.True(t, tracker.AutoDisabled("f1"))

	tracker.Reenable("f1")
	assert.False(t, tracker.AutoDisabled("f1"))
}

func TestSeedPriorsOnlyOnFreshFilters(t *testing.T) {
	t.Parallel()

	tracker := effectiveness.NewTracker(zaptest.NewLogger(t))

	tracker.SeedPriors("fresh", effectiveness.Stats{Triggers: 100, TruePositives: 90})

	stats, ok := tracker.Snapshot("fresh")
	require.True(t, ok)
	assert.Equal(t, uint64(100), stats.Triggers)

	tracker.RecordEvaluation("used", true, time.Millisecond)
	tracker.SeedPriors("used", effectiveness.Stats{Triggers: 100})

	stats, _ = tracker.Snapshot("used")
	assert.Equal(t, uint64(1), stats.Triggers)
}

func TestAllReturnsEveryFilter(t *testing.T) {
	t.Parallel()

	tracker := effectiveness.NewTracker(zaptest.NewLogger(t))
	tracker.RecordEvaluation("a", false, time.Millisecond)
	tracker.RecordEvaluation("b", true, time.Millisecond)

	all := tracker.All()
	assert.Len(t, all, 2)
	assert.Contains(t, all, "a")
	assert.Contains(t, all, "b")
}
