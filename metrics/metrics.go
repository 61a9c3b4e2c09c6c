// Package metrics exposes Prometheus collectors for the network subsystem.
// Every Collector owns its registry so several systems can coexist in one
// process and in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "netsys"

// Connect attempt results.
const (
	ResultOK      = "ok"
	ResultRetry   = "retry"
	ResultFailure = "failure"
)

// Collector groups the subsystem's metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	registry         *prometheus.Registry
	accepted         *prometheus.CounterVec
	dropped          *prometheus.CounterVec
	clients          prometheus.Gauge
	sockets          prometheus.Gauge
	bufferAllocs     prometheus.Counter
	connectAttempts  *prometheus.CounterVec
	shutdownDuration prometheus.Histogram
}

// New creates and registers the collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accepted_total",
			Help:      "Connections accepted and finalized, by channel.",
		}, []string{"channel"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_dropped_total",
			Help:      "Accepted connections dropped during finalization, by channel.",
		}, []string{"channel"}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients",
			Help:      "Client connection records currently registered.",
		}),
		sockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plain_sockets",
			Help:      "Sockets held by plain listen servers.",
		}),
		bufferAllocs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_allocations_total",
			Help:      "Buffers allocated by the buffer manager.",
		}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Outbound connect attempts, by result.",
		}, []string{"result"}),
		shutdownDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "shutdown_seconds",
			Help:      "Time taken to stop a listen server.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}

	c.registry.MustRegister(
		c.accepted,
		c.dropped,
		c.clients,
		c.sockets,
		c.bufferAllocs,
		c.connectAttempts,
		c.shutdownDuration,
		collectors.NewGoCollector(),
	)

	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Accepted counts a connection handed over by a finalizer, or a bound
// vector peer.
//
// Parameters:
//   - channel: The channel name, e.g. "control"
func (c *Collector) Accepted(channel string) {
	if c != nil {
		c.accepted.WithLabelValues(channel).Inc()
	}
}

// Dropped counts an accepted connection that was closed before it was
// registered.
//
// Parameters:
//   - channel: The channel name
func (c *Collector) Dropped(channel string) {
	if c != nil {
		c.dropped.WithLabelValues(channel).Inc()
	}
}

// SetClients records the number of registered clients.
func (c *Collector) SetClients(n int) {
	if c != nil {
		c.clients.Set(float64(n))
	}
}

// SetSockets records the number of plain-mode sockets.
func (c *Collector) SetSockets(n int) {
	if c != nil {
		c.sockets.Set(float64(n))
	}
}

// BufferAllocated counts one buffer allocation. It matches the bufmgr
// allocation hook; the length is ignored.
func (c *Collector) BufferAllocated(int) {
	if c != nil {
		c.bufferAllocs.Inc()
	}
}

// ConnectAttempt counts one outbound connect attempt.
//
// Parameters:
//   - result: ResultOK, ResultRetry or ResultFailure
func (c *Collector) ConnectAttempt(result string) {
	if c != nil {
		c.connectAttempts.WithLabelValues(result).Inc()
	}
}

// ObserveShutdown records how long stopping listen mode took.
func (c *Collector) ObserveShutdown(d time.Duration) {
	if c != nil {
		c.shutdownDuration.Observe(d.Seconds())
	}
}
