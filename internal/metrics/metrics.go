// Package metrics exposes moderation throughput and pipeline health as
// Prometheus collectors.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/notarikon-nz/notabot/internal/adaptive"
	"github.com/notarikon-nz/notabot/internal/events"
)

// Metrics holds every collector the bot publishes.
type Metrics struct {
	registry *prometheus.Registry
	logger   *zap.Logger

	actionsTotal    *prometheus.CounterVec
	appealsTotal    *prometheus.CounterVec
	latencyP50MS    prometheus.Gauge
	latencyP95MS    prometheus.Gauge
	matchRate       prometheus.Gauge
	errorRate       prometheus.Gauge
	queueDepth      prometheus.Gauge
	poolUtilization prometheus.Gauge
	sendSuccess     *prometheus.GaugeVec
}

// New registers the bot's collectors on a fresh registry.
func New(logger *zap.Logger) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		logger:   logger.Named("metrics"),
		actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notabot_actions_total",
			Help: "Moderation actions emitted, by action kind.",
		}, []string{"action"}),
		appealsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notabot_appeals_total",
			Help: "Appeal verdicts, by decision.",
		}, []string{"decision"}),
		latencyP50MS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notabot_processing_latency_p50_ms",
			Help: "Median message processing time over the recent window.",
		}),
		latencyP95MS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notabot_processing_latency_p95_ms",
			Help: "95th percentile message processing time over the recent window.",
		}),
		matchRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notabot_match_rate_percent",
			Help: "Share of processed messages that matched a filter.",
		}),
		errorRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notabot_error_rate_percent",
			Help: "Share of processed messages that hit a pipeline error.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notabot_queue_depth_percent",
			Help: "Worker queue fill level against capacity.",
		}),
		poolUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notabot_pool_utilization_percent",
			Help: "Busiest connection pool's live connections against its maximum.",
		}),
		sendSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "notabot_send_success_percent",
			Help: "Outbound delivery success rate, by platform.",
		}, []string{"platform"}),
	}

	registry.MustRegister(
		m.actionsTotal, m.appealsTotal,
		m.latencyP50MS, m.latencyP95MS,
		m.matchRate, m.errorRate,
		m.queueDepth, m.poolUtilization,
		m.sendSuccess,
	)

	return m
}

// Registry returns the underlying registry for the HTTP exporter.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Consume counts moderation and appeal events until ctx is canceled.
// Run it against a dedicated bus subscription.
func (m *Metrics) Consume(ctx context.Context, stream <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}

			if event.Moderation != nil {
				m.actionsTotal.WithLabelValues(event.Moderation.Action.String()).Inc()
			}

			if event.Appeal != nil {
				m.appealsTotal.WithLabelValues(string(event.Appeal.Decision)).Inc()
			}
		}
	}
}

// Observe copies one adaptive sample into the gauges.
func (m *Metrics) Observe(sample adaptive.Sample) {
	m.latencyP50MS.Set(sample.P50LatencyMS)
	m.latencyP95MS.Set(sample.P95LatencyMS)
	m.matchRate.Set(sample.MatchRatePercent)
	m.errorRate.Set(sample.ErrorRatePercent)
	m.queueDepth.Set(sample.QueueDepthPercent)
	m.poolUtilization.Set(sample.PoolUtilizationPercent)

	for platform, percent := range sample.SendSuccessPercent {
		m.sendSuccess.WithLabelValues(platform).Set(percent)
	}
}
