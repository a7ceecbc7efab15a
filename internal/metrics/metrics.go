// Package metrics owns the process Prometheus registry. A nil *Metrics is a
// valid no-op so components can be built without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/importly/moteus-motor/internal/device"
)

const namespace = "mcb"

// Operation sources.
const (
	SourceLoop   = "loop"
	SourceClient = "client"
)

// Metrics holds every collector exported by the bridge.
type Metrics struct {
	registry *prometheus.Registry

	loopTicks         prometheus.Counter
	loopTickDuration  prometheus.Histogram
	deviceOps         *prometheus.CounterVec
	connectionsActive prometheus.Gauge
	connectionsTotal  *prometheus.CounterVec
	frames            *prometheus.CounterVec
	setpointsAccepted prometheus.Counter
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		loopTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_ticks_total",
			Help:      "Control loop ticks executed.",
		}),
		loopTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "loop_tick_duration_seconds",
			Help:      "Wall time spent issuing keep-alive setpoints per tick.",
			Buckets:   []float64{.0005, .001, .002, .005, .01, .02, .05, .1},
		}),
		deviceOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_operations_total",
			Help:      "Device operations by source, operation and normalized result.",
		}, []string{"source", "op", "result"}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Client connections currently open.",
		}),
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Client connections by admission result.",
		}, []string{"result"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Request frames by decode result.",
		}, []string{"result"}),
		setpointsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "setpoints_accepted_total",
			Help:      "Client setpoints written to the command state.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.loopTicks,
		m.loopTickDuration,
		m.deviceOps,
		m.connectionsActive,
		m.connectionsTotal,
		m.frames,
		m.setpointsAccepted,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveTick records one control loop tick.
func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.loopTicks.Inc()
	m.loopTickDuration.Observe(d.Seconds())
}

// DeviceOperation records one device operation. err is reduced to its
// normalized code, "ok" on success.
func (m *Metrics) DeviceOperation(source, op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = device.Code(err)
	}
	m.deviceOps.WithLabelValues(source, op, result).Inc()
}

// ConnectionOpened records an admitted connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues("accepted").Inc()
	m.connectionsActive.Inc()
}

// ConnectionClosed records the end of an admitted connection.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

// ConnectionRejected records a connection turned away at capacity.
func (m *Metrics) ConnectionRejected() {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues("rejected").Inc()
}

// Frame records a request frame outcome ("ok" or "decode_error").
func (m *Metrics) Frame(result string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(result).Inc()
}

// SetpointAccepted records one setpoint written by a client.
func (m *Metrics) SetpointAccepted() {
	if m == nil {
		return
	}
	m.setpointsAccepted.Inc()
}
