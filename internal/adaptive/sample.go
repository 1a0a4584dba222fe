package adaptive

import "time"

// Sample is one periodic reading of the signals the tuning rules
// consume. Producers fill what they know; zero values mean "no signal".
type Sample struct {
	TakenAt time.Time

	P50LatencyMS float64
	P95LatencyMS float64

	MatchRatePercent         float64
	FalsePositiveRatePercent float64
	ErrorRatePercent         float64

	// SendSuccessPercent is keyed by platform name.
	SendSuccessPercent map[string]float64

	PoolUtilizationPercent float64
	CachePressurePercent   float64
	QueueDepthPercent      float64
}

// Sampler produces the current sample. The dispatcher, pool, and metrics
// registry compose one through SamplerFunc.
type Sampler interface {
	Sample(now time.Time) Sample
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(now time.Time) Sample

// Sample implements Sampler.
func (f SamplerFunc) Sample(now time.Time) Sample { return f(now) }
