// Package metrics exports monitor snapshots as Prometheus metrics
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dglo/trigger-testbed-sub000/internal/consumer"
	"github.com/dglo/trigger-testbed-sub000/internal/monitor"
)

// Metrics holds the testbed collectors and their registry
type Metrics struct {
	registry *prometheus.Registry

	written       *prometheus.CounterVec
	lastTimestamp *prometheus.GaugeVec
	paused        *prometheus.GaugeVec
	stopped       *prometheus.GaugeVec

	received    prometheus.Counter
	processed   prometheus.Counter
	failures    prometheus.Counter
	queueDepth  *prometheus.GaugeVec
	readerPause prometheus.Gauge
	results     *prometheus.GaugeVec

	skew       prometheus.Gauge
	numStatic  prometheus.Gauge
	numStopped prometheus.Gauge
	pauses     prometheus.Counter
	unpauses   prometheus.Counter
	forced     prometheus.Gauge
	polls      prometheus.Counter

	// cumulative values already added to counters
	mu   sync.Mutex
	seen map[string]int64
}

// New creates the collectors on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		seen:     make(map[string]int64),

		written: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "testbed_bridge_records_written_total",
			Help: "Records written by each bridge.",
		}, []string{"source"}),
		lastTimestamp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "testbed_bridge_last_timestamp",
			Help: "Timestamp of the last record written by each bridge.",
		}, []string{"source"}),
		paused: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "testbed_bridge_paused",
			Help: "1 while the bridge is paused by skew control.",
		}, []string{"source"}),
		stopped: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "testbed_bridge_stopped",
			Help: "1 once the bridge has stopped.",
		}, []string{"source"}),

		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "testbed_consumer_records_received_total",
			Help: "Records read from the system under test.",
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "testbed_consumer_records_processed_total",
			Help: "Records decoded and handled.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "testbed_consumer_failures_total",
			Help: "Records that failed comparison.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "testbed_consumer_queue_depth",
			Help: "Consumer queue depths.",
		}, []string{"queue"}),
		readerPause: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "testbed_consumer_reader_paused",
			Help: "1 while the consumer reader is paused by backpressure.",
		}),
		results: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "testbed_consumer_result",
			Help: "Final consumer counts by outcome.",
		}, []string{"outcome"}),

		skew: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "testbed_monitor_skew",
			Help: "Spread between the earliest and latest live bridge timestamps.",
		}),
		numStatic: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "testbed_monitor_static_polls",
			Help: "Consecutive polls without progress.",
		}),
		numStopped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "testbed_monitor_stopped_polls",
			Help: "Consecutive polls with everything stopped.",
		}),
		pauses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "testbed_monitor_pauses_total",
			Help: "Bridges paused by skew control.",
		}),
		unpauses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "testbed_monitor_unpauses_total",
			Help: "Bridges resumed by skew control.",
		}),
		forced: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "testbed_monitor_forced",
			Help: "1 once the failure policy force-stopped the pipeline.",
		}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "testbed_monitor_polls_total",
			Help: "Monitor polls.",
		}),
	}

	m.registry.MustRegister(
		m.written, m.lastTimestamp, m.paused, m.stopped,
		m.received, m.processed, m.failures, m.queueDepth, m.readerPause, m.results,
		m.skew, m.numStatic, m.numStopped, m.pauses, m.unpauses, m.forced, m.polls,
	)
	return m
}

// Registry returns the registry holding the collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe updates every collector from a monitor snapshot
func (m *Metrics) Observe(s monitor.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, src := range s.Sources {
		m.advance(m.written.WithLabelValues(src.Name), "written/"+src.Name, src.Written)
		m.lastTimestamp.WithLabelValues(src.Name).Set(float64(src.LastTimestamp))
		m.paused.WithLabelValues(src.Name).Set(boolValue(src.Paused))
		m.stopped.WithLabelValues(src.Name).Set(boolValue(src.Stopped))
	}

	if c := s.Consumer; c != nil {
		m.advance(m.received, "received", c.Received)
		m.advance(m.processed, "processed", c.Processed)
		m.advance(m.failures, "failures", c.Failures)
		m.queueDepth.WithLabelValues("input").Set(float64(c.InputDepth))
		m.queueDepth.WithLabelValues("output").Set(float64(c.OutputDepth))
		m.readerPause.Set(boolValue(c.ReaderPaused))
	}

	m.skew.Set(float64(s.Skew))
	m.numStatic.Set(float64(s.NumStatic))
	m.numStopped.Set(float64(s.NumStopped))
	m.advance(m.pauses, "pauses", s.Pauses)
	m.advance(m.unpauses, "unpauses", s.Unpauses)
	m.forced.Set(boolValue(s.Forced))
	m.polls.Inc()
}

// ObserveResult records the consumer's final counts
func (m *Metrics) ObserveResult(r consumer.Result) {
	m.results.WithLabelValues("recorded").Set(float64(r.Recorded))
	m.results.WithLabelValues("matched").Set(float64(r.Matched))
	m.results.WithLabelValues("missed").Set(float64(r.Missed))
	m.results.WithLabelValues("extra").Set(float64(r.Extra))
	m.results.WithLabelValues("failed").Set(float64(r.Failed))
}

// advance adds the growth of a cumulative value to a counter
func (m *Metrics) advance(c prometheus.Counter, key string, total int64) {
	if delta := total - m.seen[key]; delta > 0 {
		c.Add(float64(delta))
		m.seen[key] = total
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
