package adaptive_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/notarikon-nz/notabot/internal/adaptive"
)

// fireOnceStrategy proposes a fixed adjustment on its first call only, so
// guard behavior can be observed without new changes piling up.
type fireOnceStrategy struct {
	proposal adaptive.Proposal
	fired    bool
}

func (s *fireOnceStrategy) Name() string { return "fire_once" }

func (s *fireOnceStrategy) Propose(adaptive.Sample, *adaptive.Store) []adaptive.Proposal {
	if s.fired {
		return nil
	}

	s.fired = true

	return []adaptive.Proposal{s.proposal}
}

type sampleFeed struct {
	samples []adaptive.Sample
	idx     int
}

func (f *sampleFeed) Sample(time.Time) adaptive.Sample {
	s := f.samples[f.idx]
	if f.idx < len(f.samples)-1 {
		f.idx++
	}

	return s
}

func newStore(t *testing.T) *adaptive.Store {
	t.Helper()

	store := adaptive.NewStore(10)
	require.NoError(t, adaptive.RegisterDefaults(store, 100, 100, 64))

	return store
}

func TestLatencyStrategySheds(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	feed := &sampleFeed{samples: []adaptive.Sample{{P95LatencyMS: 80}}}
	controller := adaptive.NewController(store, feed,
		adaptive.DefaultStrategies(adaptive.DefaultThresholds()),
		adaptive.ControllerOptions{}, zaptest.NewLogger(t))

	controller.Tick(time.Now())

	batch, _ := store.Get(adaptive.ParamBatchSize)
	assert.InDelta(t, 75, batch, 0.001)

	delay, _ := store.Get(adaptive.ParamResponseDelayMS)
	assert.InDelta(t, 150, delay, 0.001)
}

func TestLatencyStrategyIdleBelowThreshold(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	feed := &sampleFeed{samples: []adaptive.Sample{{P95LatencyMS: 20}}}
	controller := adaptive.NewController(store, feed,
		adaptive.DefaultStrategies(adaptive.DefaultThresholds()),
		adaptive.ControllerOptions{}, zaptest.NewLogger(t))

	controller.Tick(time.Now())

	batch, _ := store.Get(adaptive.ParamBatchSize)
	assert.InDelta(t, 100, batch, 0.001)
}

func TestCacheStrategyScalesDown(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	feed := &sampleFeed{samples: []adaptive.Sample{{CachePressurePercent: 90}}}
	controller := adaptive.NewController(store, feed,
		adaptive.DefaultStrategies(adaptive.DefaultThresholds()),
		adaptive.ControllerOptions{}, zaptest.NewLogger(t))

	controller.Tick(time.Now())

	size, _ := store.Get(adaptive.ParamCacheSizeMB)
	assert.InDelta(t, 48, size, 0.001)
}

func TestErrorRateStrategyBacksOff(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	feed := &sampleFeed{samples: []adaptive.Sample{{ErrorRatePercent: 8}}}
	controller := adaptive.NewController(store, feed,
		adaptive.DefaultStrategies(adaptive.DefaultThresholds()),
		adaptive.ControllerOptions{}, zaptest.NewLogger(t))

	controller.Tick(time.Now())

	retry, _ := store.Get(adaptive.ParamRetryDelaySec)
	assert.InDelta(t, 2, retry, 0.001)

	checks, _ := store.Get(adaptive.ParamConcurrentChecks)
	assert.InDelta(t, 4, checks, 0.001)
}

func TestLearningModeWithholdsChanges(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	feed := &sampleFeed{samples: []adaptive.Sample{{P95LatencyMS: 80}}}
	controller := adaptive.NewController(store, feed,
		adaptive.DefaultStrategies(adaptive.DefaultThresholds()),
		adaptive.ControllerOptions{LearningMode: true}, zaptest.NewLogger(t))

	controller.Tick(time.Now())

	batch, _ := store.Get(adaptive.ParamBatchSize)
	assert.InDelta(t, 100, batch, 0.001)
	assert.Empty(t, store.History())
}

func TestGuardDegradationRollsBack(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	strategy := &fireOnceStrategy{proposal: adaptive.Proposal{
		Parameter: adaptive.ParamBatchSize,
		Value:     50,
		Reason:    "shed load",
		Guard:     adaptive.GuardP95Latency,
	}}

	feed := &sampleFeed{samples: []adaptive.Sample{
		{P95LatencyMS: 80},  // baseline at apply time
		{P95LatencyMS: 120}, // degraded
		{P95LatencyMS: 120}, // still degraded past the threshold
	}}

	controller := adaptive.NewController(store, feed, []adaptive.Strategy{strategy},
		adaptive.ControllerOptions{RollbackThreshold: time.Minute}, zaptest.NewLogger(t))

	now := time.Now()
	controller.Tick(now)

	batch, _ := store.Get(adaptive.ParamBatchSize)
	require.InDelta(t, 50, batch, 0.001)

	controller.Tick(now.Add(30 * time.Second))
	controller.Tick(now.Add(2 * time.Minute))

	batch, _ = store.Get(adaptive.ParamBatchSize)
	assert.InDelta(t, 100, batch, 0.001)

	history := store.History()
	assert.Contains(t, history[len(history)-1].Reason, "rollback")
}

func TestGuardRecoveryKeepsChange(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	strategy := &fireOnceStrategy{proposal: adaptive.Proposal{
		Parameter: adaptive.ParamBatchSize,
		Value:     50,
		Reason:    "shed load",
		Guard:     adaptive.GuardP95Latency,
	}}

	feed := &sampleFeed{samples: []adaptive.Sample{
		{P95LatencyMS: 80},
		{P95LatencyMS: 40}, // improved, change holds
		{P95LatencyMS: 40},
	}}

	controller := adaptive.NewController(store, feed, []adaptive.Strategy{strategy},
		adaptive.ControllerOptions{RollbackThreshold: time.Minute}, zaptest.NewLogger(t))

	now := time.Now()
	controller.Tick(now)
	controller.Tick(now.Add(time.Minute))
	controller.Tick(now.Add(5 * time.Minute))

	batch, _ := store.Get(adaptive.ParamBatchSize)
	assert.InDelta(t, 50, batch, 0.001)
}
