// Package metrics provides Prometheus metrics for engine handles and
// workers.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all Prometheus metrics related to engine operations.
// Every recording method is safe on a nil receiver, so instrumentation can
// be left in place when metrics are disabled.
type Metrics struct {
	FramesTotal       prometheus.Counter
	InferencesTotal   *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	NativeCallSeconds *prometheus.HistogramVec
	InstancesActive   prometheus.Gauge
	EnvelopesTotal    *prometheus.CounterVec
}

// New creates the metrics and registers them with registerer.
// It returns an error if metric registration fails.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{}
	m.initMetrics()
	if err := registerer.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register engine metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.FramesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rhino_frames_processed_total",
			Help: "Total number of audio frames submitted to the engine.",
		},
	)

	m.InferencesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rhino_inferences_total",
			Help: "Total number of finalized inferences partitioned by whether they were understood.",
		},
		[]string{"understood"},
	)

	m.ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rhino_errors_total",
			Help: "Total number of errors partitioned by phase and status.",
		},
		[]string{"phase", "status"},
	)

	m.NativeCallSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rhino_native_call_duration_seconds",
			Help:    "Time spent in native engine entry points.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10), // 10µs to ~2.6s
		},
		[]string{"export"},
	)

	m.InstancesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rhino_instances_active",
			Help: "Number of live engine instances.",
		},
	)

	m.EnvelopesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rhino_worker_envelopes_total",
			Help: "Total number of worker protocol envelopes partitioned by command and direction.",
		},
		[]string{"command", "direction"},
	)
}

// FrameProcessed counts one submitted frame.
func (m *Metrics) FrameProcessed() {
	if m == nil {
		return
	}
	m.FramesTotal.Inc()
}

// RecordInference counts one finalized inference.
func (m *Metrics) RecordInference(understood bool) {
	if m == nil {
		return
	}
	label := "false"
	if understood {
		label = "true"
	}
	m.InferencesTotal.WithLabelValues(label).Inc()
}

// RecordError counts one error by phase and status name.
func (m *Metrics) RecordError(phase, status string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(phase, status).Inc()
}

// ObserveNativeCall records the duration of one native call.
func (m *Metrics) ObserveNativeCall(export string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.NativeCallSeconds.WithLabelValues(export).Observe(elapsed.Seconds())
}

// InstanceCreated increments the live instance gauge.
func (m *Metrics) InstanceCreated() {
	if m == nil {
		return
	}
	m.InstancesActive.Inc()
}

// InstanceReleased decrements the live instance gauge.
func (m *Metrics) InstanceReleased() {
	if m == nil {
		return
	}
	m.InstancesActive.Dec()
}

// RecordEnvelope counts one protocol envelope. direction is "in" for
// commands received by a worker and "out" for replies.
func (m *Metrics) RecordEnvelope(command, direction string) {
	if m == nil {
		return
	}
	m.EnvelopesTotal.WithLabelValues(command, direction).Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.FramesTotal.Desc()
	m.InferencesTotal.Describe(ch)
	m.ErrorsTotal.Describe(ch)
	m.NativeCallSeconds.Describe(ch)
	ch <- m.InstancesActive.Desc()
	m.EnvelopesTotal.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.FramesTotal
	m.InferencesTotal.Collect(ch)
	m.ErrorsTotal.Collect(ch)
	m.NativeCallSeconds.Collect(ch)
	ch <- m.InstancesActive
	m.EnvelopesTotal.Collect(ch)
}
