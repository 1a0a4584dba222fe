package adaptive

import "fmt"

// Tunable parameter names registered by the controller.
const (
	ParamBatchSize        = "batch_size"
	ParamResponseDelayMS  = "response_delay_ms"
	ParamCacheSizeMB      = "cache_size_mb"
	ParamRetryDelaySec    = "retry_delay_s"
	ParamConcurrentChecks = "concurrent_checks"
)

// Thresholds tunes when the built-in strategies fire.
type Thresholds struct {
	AggressiveLatencyMS      float64
	TimeoutAdjustmentFactor  float64
	CriticalCachePercent     float64
	CacheReductionFactor     float64
	CriticalErrorRatePercent float64
	RetryIncreaseFactor      float64
}

// DefaultThresholds returns the stock strategy thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AggressiveLatencyMS:      50,
		TimeoutAdjustmentFactor:  1.5,
		CriticalCachePercent:     85,
		CacheReductionFactor:     0.75,
		CriticalErrorRatePercent: 5,
		RetryIncreaseFactor:      2.0,
	}
}

// Proposal is one parameter adjustment a strategy wants to make.
type Proposal struct {
	Parameter string
	Value     float64
	Reason    string
	// Guard names the metric that must not degrade after applying; the
	// safety manager reverts the change if it does.
	Guard GuardMetric
}

// GuardMetric selects which sample field the safety manager watches
// after a change.
type GuardMetric int

const (
	GuardP95Latency GuardMetric = iota
	GuardErrorRate
	GuardCachePressure
)

// Strategy inspects a sample and proposes adjustments. Strategies read
// current values through the store and never apply changes themselves.
type Strategy interface {
	Name() string
	Propose(sample Sample, store *Store) []Proposal
}

// latencyStrategy sheds work when evaluation latency runs hot.
type latencyStrategy struct {
	thresholds Thresholds
}

func (s *latencyStrategy) Name() string { return "latency" }

func (s *latencyStrategy) Propose(sample Sample, store *Store) []Proposal {
	if sample.P95LatencyMS <= s.thresholds.AggressiveLatencyMS {
		return nil
	}

	var proposals []Proposal

	if batch, err := store.Get(ParamBatchSize); err == nil && batch > 1 {
		proposals = append(proposals, Proposal{
			Parameter: ParamBatchSize,
			Value:     batch * 0.75,
			Reason:    fmt.Sprintf("p95 latency %.1fms above %.1fms", sample.P95LatencyMS, s.thresholds.AggressiveLatencyMS),
			Guard:     GuardP95Latency,
		})
	}

	if delay, err := store.Get(ParamResponseDelayMS); err == nil {
		next := delay * s.thresholds.TimeoutAdjustmentFactor
		if next == 0 {
			next = 50
		}

		proposals = append(proposals, Proposal{
			Parameter: ParamResponseDelayMS,
			Value:     next,
			Reason:    fmt.Sprintf("p95 latency %.1fms above %.1fms", sample.P95LatencyMS, s.thresholds.AggressiveLatencyMS),
			Guard:     GuardP95Latency,
		})
	}

	return proposals
}

// cacheStrategy scales the pattern cache down under memory pressure.
type cacheStrategy struct {
	thresholds Thresholds
}

func (s *cacheStrategy) Name() string { return "cache" }

func (s *cacheStrategy) Propose(sample Sample, store *Store) []Proposal {
	if sample.CachePressurePercent <= s.thresholds.CriticalCachePercent {
		return nil
	}

	size, err := store.Get(ParamCacheSizeMB)
	if err != nil || size <= 1 {
		return nil
	}

	return []Proposal{{
		Parameter: ParamCacheSizeMB,
		Value:     size * s.thresholds.CacheReductionFactor,
		Reason:    fmt.Sprintf("cache pressure %.1f%% above %.1f%%", sample.CachePressurePercent, s.thresholds.CriticalCachePercent),
		Guard:     GuardCachePressure,
	}}
}

// errorRateStrategy backs off and narrows concurrency when errors spike.
type errorRateStrategy struct {
	thresholds Thresholds
}

func (s *errorRateStrategy) Name() string { return "error_rate" }

func (s *errorRateStrategy) Propose(sample Sample, store *Store) []Proposal {
	if sample.ErrorRatePercent <= s.thresholds.CriticalErrorRatePercent {
		return nil
	}

	var proposals []Proposal

	if delay, err := store.Get(ParamRetryDelaySec); err == nil {
		next := delay * s.thresholds.RetryIncreaseFactor
		if next == 0 {
			next = 1
		}

		proposals = append(proposals, Proposal{
			Parameter: ParamRetryDelaySec,
			Value:     next,
			Reason:    fmt.Sprintf("error rate %.1f%% above %.1f%%", sample.ErrorRatePercent, s.thresholds.CriticalErrorRatePercent),
			Guard:     GuardErrorRate,
		})
	}

	if checks, err := store.Get(ParamConcurrentChecks); err == nil && checks > 1 {
		proposals = append(proposals, Proposal{
			Parameter: ParamConcurrentChecks,
			Value:     checks / 2,
			Reason:    fmt.Sprintf("error rate %.1f%% above %.1f%%", sample.ErrorRatePercent, s.thresholds.CriticalErrorRatePercent),
			Guard:     GuardErrorRate,
		})
	}

	return proposals
}

// DefaultStrategies returns the stock rule set.
func DefaultStrategies(thresholds Thresholds) []Strategy {
	return []Strategy{
		&latencyStrategy{thresholds: thresholds},
		&cacheStrategy{thresholds: thresholds},
		&errorRateStrategy{thresholds: thresholds},
	}
}
