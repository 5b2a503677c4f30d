// Package metrics exposes the executor's observable counters and
// gauges (spec.md §6) through Prometheus, behind a Sink interface so
// the core stays testable without a real registry (spec.md §9 design
// note: "model [metrics] as a passed-in MetricsSink interface").
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink is every metrics observation point the executor makes. A
// Collector satisfies it for production; tests substitute a recording
// fake.
type Sink interface {
	ObserveStateLoadTime(d time.Duration)
	IncStateLoadWarnings()
	IncStateLoadErrors()
	IncStatePartialLoads()
	SetLiveApplications(n int)
	IncExpiredApplications()
	IncTruncatedApplications()
	ObserveMapAttemptFlushDelay(d time.Duration)
	ObserveMapAttemptFlushTime(d time.Duration)
}

// Collector is the production Sink, backed by the default Prometheus
// registry.
type Collector struct {
	stateLoadTime            prometheus.Histogram
	stateLoadWarnings        prometheus.Counter
	stateLoadErrors          prometheus.Counter
	statePartialLoads        prometheus.Counter
	numLiveApplications      prometheus.Gauge
	numExpiredApplications   prometheus.Counter
	numTruncatedApplications prometheus.Counter
	mapAttemptFlushDelay     prometheus.Histogram
	mapAttemptFlushTime      prometheus.Histogram
}

// NewCollector builds and registers the full metric set against the
// default Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		stateLoadTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shuffle_state_load_time_seconds",
			Help:    "Wall-clock time spent replaying the state store at startup.",
			Buckets: prometheus.DefBuckets,
		}),
		stateLoadWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shuffle_state_load_warnings_total",
			Help: "Unrecognized log items skipped during recovery.",
		}),
		stateLoadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shuffle_state_load_errors_total",
			Help: "Hard errors encountered during recovery.",
		}),
		statePartialLoads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shuffle_state_partial_loads_total",
			Help: "Startup recoveries that hit the wall-clock budget before finishing the log.",
		}),
		numLiveApplications: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shuffle_live_applications",
			Help: "Applications currently tracked with a live AppState.",
		}),
		numExpiredApplications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shuffle_expired_applications_total",
			Help: "Applications removed by the idle-expiry sweep.",
		}),
		numTruncatedApplications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shuffle_truncated_applications_total",
			Help: "Applications that hit appMaxWriteBytes and had a write rejected.",
		}),
		mapAttemptFlushDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shuffle_map_attempt_flush_delay_seconds",
			Help:    "Time between a finishUpload call enqueuing a flush and the flush task starting.",
			Buckets: prometheus.DefBuckets,
		}),
		mapAttemptFlushTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shuffle_map_attempt_flush_time_seconds",
			Help:    "Time spent running flushPartitions once started.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	prometheus.MustRegister(
		c.stateLoadTime,
		c.stateLoadWarnings,
		c.stateLoadErrors,
		c.statePartialLoads,
		c.numLiveApplications,
		c.numExpiredApplications,
		c.numTruncatedApplications,
		c.mapAttemptFlushDelay,
		c.mapAttemptFlushTime,
	)

	return c
}

func (c *Collector) ObserveStateLoadTime(d time.Duration) { c.stateLoadTime.Observe(d.Seconds()) }
func (c *Collector) IncStateLoadWarnings()                 { c.stateLoadWarnings.Inc() }
func (c *Collector) IncStateLoadErrors()                   { c.stateLoadErrors.Inc() }
func (c *Collector) IncStatePartialLoads()                 { c.statePartialLoads.Inc() }
func (c *Collector) SetLiveApplications(n int)             { c.numLiveApplications.Set(float64(n)) }
func (c *Collector) IncExpiredApplications()               { c.numExpiredApplications.Inc() }
func (c *Collector) IncTruncatedApplications()             { c.numTruncatedApplications.Inc() }
func (c *Collector) ObserveMapAttemptFlushDelay(d time.Duration) {
	c.mapAttemptFlushDelay.Observe(d.Seconds())
}
func (c *Collector) ObserveMapAttemptFlushTime(d time.Duration) {
	c.mapAttemptFlushTime.Observe(d.Seconds())
}

// Serve starts the Prometheus /metrics HTTP endpoint. Blocks until the
// listener fails.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}

// NoopSink discards every observation. Used where a caller (tests, or
// the CLI with metrics disabled) doesn't care about metrics but needs a
// non-nil Sink.
type NoopSink struct{}

func (NoopSink) ObserveStateLoadTime(time.Duration)        {}
func (NoopSink) IncStateLoadWarnings()                     {}
func (NoopSink) IncStateLoadErrors()                       {}
func (NoopSink) IncStatePartialLoads()                     {}
func (NoopSink) SetLiveApplications(int)                   {}
func (NoopSink) IncExpiredApplications()                   {}
func (NoopSink) IncTruncatedApplications()                 {}
func (NoopSink) ObserveMapAttemptFlushDelay(time.Duration) {}
func (NoopSink) ObserveMapAttemptFlushTime(time.Duration)  {}
