// Package metrics exposes Prometheus instrumentation for the orchestrator.
// Counters follow the shard/plan lifecycle, the histogram tracks per-shard
// latency for SLO monitoring, and gauges reflect the live dispatch state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// Collector bundles the orchestrator's Prometheus metrics.
// Construct with NewCollector and register against an injectable registry
// so tests never fight over the global default.
type Collector struct {
	shardsDispatched prometheus.Counter
	shardsCompleted  prometheus.Counter
	shardsFailed     prometheus.Counter
	shardsHealed     prometheus.Counter
	shardsSplit      prometheus.Counter

	plansCertified prometheus.Counter
	plansAborted   prometheus.Counter
	plansHalted    prometheus.Counter

	eventsDropped *prometheus.CounterVec

	shardLatency prometheus.Histogram

	shardsRunning prometheus.Gauge
	shardsPending prometheus.Gauge
}

// NewCollector creates and registers the metrics set on the given registry.
// Pass prometheus.DefaultRegisterer in production.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		shardsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchard_shards_dispatched_total",
			Help: "Total number of shards handed to the worker pool",
		}),
		shardsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchard_shards_completed_total",
			Help: "Total number of shards completed successfully",
		}),
		shardsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchard_shards_failed_total",
			Help: "Total number of shard execution failures (before healing)",
		}),
		shardsHealed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchard_shards_healed_total",
			Help: "Total number of shards re-enqueued by the healing controller",
		}),
		shardsSplit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchard_shards_split_total",
			Help: "Total number of shards replaced by split children",
		}),
		plansCertified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchard_plans_certified_total",
			Help: "Total number of plans certified by quorum",
		}),
		plansAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchard_plans_aborted_total",
			Help: "Total number of plans aborted",
		}),
		plansHalted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchard_plans_halted_total",
			Help: "Total number of plans guardian-halted",
		}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchard_events_dropped_total",
			Help: "Outbound relay events dropped under backpressure, by priority",
		}, []string{"priority"}),
		shardLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchard_shard_latency_seconds",
			Help:    "Shard execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		shardsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchard_shards_running",
			Help: "Current number of running shards",
		}),
		shardsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchard_shards_pending",
			Help: "Current number of pending shards",
		}),
	}

	reg.MustRegister(
		c.shardsDispatched, c.shardsCompleted, c.shardsFailed,
		c.shardsHealed, c.shardsSplit,
		c.plansCertified, c.plansAborted, c.plansHalted,
		c.eventsDropped, c.shardLatency,
		c.shardsRunning, c.shardsPending,
	)
	return c
}

// RecordDispatch records a shard handed to the pool.
func (c *Collector) RecordDispatch() { c.shardsDispatched.Inc() }

// RecordCompleted records a successful shard with its latency.
func (c *Collector) RecordCompleted(latencySeconds float64) {
	c.shardsCompleted.Inc()
	c.shardLatency.Observe(latencySeconds)
}

// RecordFailed records a shard failure.
func (c *Collector) RecordFailed() { c.shardsFailed.Inc() }

// RecordHealed records a healing re-enqueue.
func (c *Collector) RecordHealed() { c.shardsHealed.Inc() }

// RecordSplit records a shard split.
func (c *Collector) RecordSplit() { c.shardsSplit.Inc() }

// RecordCertified records a certified plan.
func (c *Collector) RecordCertified() { c.plansCertified.Inc() }

// RecordAborted records an aborted plan.
func (c *Collector) RecordAborted() { c.plansAborted.Inc() }

// RecordHalted records a guardian-halted plan.
func (c *Collector) RecordHalted() { c.plansHalted.Inc() }

// RecordEventDropped records a relay drop for the given priority label.
func (c *Collector) RecordEventDropped(priority string) {
	c.eventsDropped.WithLabelValues(priority).Inc()
}

// UpdateDispatchStats updates the live shard gauges.
func (c *Collector) UpdateDispatchStats(pending, running int) {
	c.shardsPending.Set(float64(pending))
	c.shardsRunning.Set(float64(running))
}

// Handler returns the /metrics HTTP handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
