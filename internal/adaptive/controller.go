package adaptive

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ControllerOptions tunes the sampling loop. Zero values select
// defaults.
type ControllerOptions struct {
	SampleInterval    time.Duration
	RollbackThreshold time.Duration
	MaxChangesPerHour int
	// LearningMode logs proposals without applying them.
	LearningMode bool
}

// watchedChange is an applied change under guard observation.
type watchedChange struct {
	change        Change
	guard         GuardMetric
	baseline      float64
	degradedSince time.Time
}

// Controller samples metrics on an interval, runs the strategies, and
// applies bounded changes with guard-metric rollback.
type Controller struct {
	store      *Store
	sampler    Sampler
	strategies []Strategy
	opts       ControllerOptions
	logger     *zap.Logger

	watched []watchedChange
}

// NewController wires a controller. Callers register parameters on the
// store before starting the loop.
func NewController(
	store *Store, sampler Sampler, strategies []Strategy,
	opts ControllerOptions, logger *zap.Logger,
) *Controller {
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = 30 * time.Second
	}

	if opts.RollbackThreshold <= 0 {
		opts.RollbackThreshold = 2 * time.Minute
	}

	return &Controller{
		store:      store,
		sampler:    sampler,
		strategies: strategies,
		opts:       opts,
		logger:     logger.Named("adaptive"),
	}
}

// Run blocks sampling and tuning until ctx is canceled.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			c.Tick(now)
		}
	}
}

// Tick runs one sample-propose-apply cycle. Exposed for tests and for
// dispatcher-triggered early ticks under backpressure.
func (c *Controller) Tick(now time.Time) {
	sample := c.sampler.Sample(now)
	sample.TakenAt = now

	c.observeWatched(sample, now)

	for _, strategy := range c.strategies {
		for _, proposal := range strategy.Propose(sample, c.store) {
			c.apply(strategy.Name(), proposal, sample, now)
		}
	}
}

func (c *Controller) apply(strategyName string, proposal Proposal, sample Sample, now time.Time) {
	if c.opts.LearningMode {
		c.logger.Info("Proposal withheld in learning mode",
			zap.String("strategy", strategyName),
			zap.String("parameter", proposal.Parameter),
			zap.Float64("value", proposal.Value),
			zap.String("reason", proposal.Reason))

		return
	}

	change, err := c.store.Set(proposal.Parameter, proposal.Value, proposal.Reason, sample, now)
	if err != nil {
		if errors.Is(err, ErrChangeBudgetExhausted) {
			c.logger.Debug("Change budget exhausted", zap.String("parameter", proposal.Parameter))
		} else {
			c.logger.Warn("Parameter change failed",
				zap.String("parameter", proposal.Parameter), zap.Error(err))
		}

		return
	}

	if change.Before == change.After {
		return
	}

	c.logger.Info("Parameter adjusted",
		zap.String("strategy", strategyName),
		zap.String("parameter", change.Parameter),
		zap.Float64("before", change.Before),
		zap.Float64("after", change.After),
		zap.String("reason", change.Reason))

	c.watched = append(c.watched, watchedChange{
		change:   change,
		guard:    proposal.Guard,
		baseline: guardValue(proposal.Guard, sample),
	})
}

// observeWatched reverts changes whose guard metric has stayed degraded
// past the rollback threshold and retires ones that held up.
func (c *Controller) observeWatched(sample Sample, now time.Time) {
	kept := c.watched[:0]

	for _, w := range c.watched {
		current := guardValue(w.guard, sample)

		if current > w.baseline {
			if w.degradedSince.IsZero() {
				w.degradedSince = now
			}

			if now.Sub(w.degradedSince) >= c.opts.RollbackThreshold {
				c.store.Revert(w.change, now)

				c.logger.Warn("Change rolled back, guard metric degraded",
					zap.String("parameter", w.change.Parameter),
					zap.Float64("restored", w.change.Before),
					zap.Float64("guardBaseline", w.baseline),
					zap.Float64("guardCurrent", current))

				continue
			}
		} else {
			w.degradedSince = time.Time{}

			// Held for a full observation period without degrading;
			// accept and stop watching.
			if now.Sub(w.change.AppliedAt) >= 2*c.opts.RollbackThreshold {
				continue
			}
		}

		kept = append(kept, w)
	}

	c.watched = kept
}

func guardValue(guard GuardMetric, sample Sample) float64 {
	switch guard {
	case GuardP95Latency:
		return sample.P95LatencyMS
	case GuardErrorRate:
		return sample.ErrorRatePercent
	case GuardCachePressure:
		return sample.CachePressurePercent
	}

	return 0
}

// RegisterDefaults registers the standard tunables from the performance
// config's starting values.
func RegisterDefaults(store *Store, batchSize, responseDelayMS, cacheSizeMB int) error {
	defs := []Definition{
		{Name: ParamBatchSize, Default: float64(max(1, batchSize)), Min: 1, Max: 500, Unit: "messages"},
		{Name: ParamResponseDelayMS, Default: float64(responseDelayMS), Min: 0, Max: 5000, Unit: "ms"},
		{Name: ParamCacheSizeMB, Default: float64(max(1, cacheSizeMB)), Min: 1, Max: 4096, Unit: "MB"},
		{Name: ParamRetryDelaySec, Default: 1, Min: 0, Max: 300, Unit: "s"},
		{Name: ParamConcurrentChecks, Default: 8, Min: 1, Max: 128, Unit: "checks"},
	}

	for _, def := range defs {
		if err := store.Register(def); err != nil {
			return err
		}
	}

	return nil
}
