// Package metrics provides Prometheus metrics for the gatelink agent.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "gatelink"
)

// Metrics contains all Prometheus metrics for the agent.
type Metrics struct {
	// Link metrics
	Connected        prometheus.Gauge
	ConnectsTotal    *prometheus.CounterVec
	Disconnects      *prometheus.CounterVec
	Reconnects       prometheus.Counter
	HandshakeLatency prometheus.Histogram

	// Frame metrics
	FramesSent      *prometheus.CounterVec
	FramesReceived  *prometheus.CounterVec
	MalformedFrames prometheus.Counter

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestTimeouts prometheus.Counter
	RequestLatency  prometheus.Histogram

	// Invoke metrics
	InvokesQueued      prometheus.Counter
	InvokesEvicted     prometheus.Counter
	InvokeOutcomes     *prometheus.CounterVec
	InvokeQueueSize    prometheus.Gauge
	InvokesRateLimited prometheus.Counter

	// Sandbox metrics
	CommandsExecuted *prometheus.CounterVec
	CommandDuration  prometheus.Histogram
	PolicyDenials    *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Link metrics
		Connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "Whether the agent currently holds a ready gateway session (0 or 1)",
		}),
		ConnectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Total gateway connections established by encoding",
		}, []string{"encoding"}),
		Disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total gateway disconnections by reason",
		}, []string{"reason"}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total reconnect attempts",
		}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of gateway handshake latency in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		// Frame metrics
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total frames sent by type",
		}, []string{"frame_type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total frames received by type",
		}, []string{"frame_type"}),
		MalformedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Total inbound frames dropped as malformed",
		}),

		// Request metrics
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total outbound requests by method",
		}, []string{"method"}),
		RequestTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_timeouts_total",
			Help:      "Total outbound requests that timed out waiting for a response",
		}),
		RequestLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "Histogram of outbound request round-trip latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),

		// Invoke metrics
		InvokesQueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invokes_queued_total",
			Help:      "Total inbound invokes accepted into the approval queue",
		}),
		InvokesEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invokes_evicted_total",
			Help:      "Total queued invokes evicted to make room for newer ones",
		}),
		InvokeOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoke_outcomes_total",
			Help:      "Total resolved invokes by outcome",
		}, []string{"outcome"}),
		InvokeQueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "invoke_queue_size",
			Help:      "Number of invokes currently awaiting approval",
		}),
		InvokesRateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invokes_rate_limited_total",
			Help:      "Total inbound invokes refused by the intake rate limiter",
		}),

		// Sandbox metrics
		CommandsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_executed_total",
			Help:      "Total sandbox commands executed by command name",
		}, []string{"command"}),
		CommandDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Histogram of sandbox command execution duration",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		PolicyDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_denials_total",
			Help:      "Total sandbox policy denials by reason",
		}, []string{"reason"}),
	}

	return m
}

// RecordConnect records an established gateway connection.
func (m *Metrics) RecordConnect(encoding string) {
	m.Connected.Set(1)
	m.ConnectsTotal.WithLabelValues(encoding).Inc()
}

// RecordDisconnect records a gateway disconnection.
func (m *Metrics) RecordDisconnect(reason string) {
	m.Connected.Set(0)
	m.Disconnects.WithLabelValues(reason).Inc()
}

// RecordHandshake records a successful handshake.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordRequest records a completed outbound request.
func (m *Metrics) RecordRequest(method string, latencySeconds float64) {
	m.RequestsTotal.WithLabelValues(method).Inc()
	m.RequestLatency.Observe(latencySeconds)
}

// RecordInvokeQueued records an invoke accepted into the queue.
func (m *Metrics) RecordInvokeQueued(queueSize int) {
	m.InvokesQueued.Inc()
	m.InvokeQueueSize.Set(float64(queueSize))
}

// RecordInvokeResolved records an invoke leaving the queue.
func (m *Metrics) RecordInvokeResolved(outcome string, queueSize int) {
	m.InvokeOutcomes.WithLabelValues(outcome).Inc()
	m.InvokeQueueSize.Set(float64(queueSize))
}

// RecordCommand records a sandbox command execution.
func (m *Metrics) RecordCommand(command string, durationSeconds float64) {
	m.CommandsExecuted.WithLabelValues(command).Inc()
	m.CommandDuration.Observe(durationSeconds)
}

// RecordPolicyDenial records a sandbox policy denial.
func (m *Metrics) RecordPolicyDenial(reason string) {
	m.PolicyDenials.WithLabelValues(reason).Inc()
}
