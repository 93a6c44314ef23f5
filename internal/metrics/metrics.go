// Package metrics holds the Prometheus collectors for the control plane.
// All recording helpers are safe on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "servis"

// Metrics contains every collector the control plane exports.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive  *prometheus.GaugeVec
	EnvelopesTotal     *prometheus.CounterVec
	DecodeErrors       *prometheus.CounterVec
	IntentsTotal       *prometheus.CounterVec
	DispatchTotal      *prometheus.CounterVec
	DispatchDuration   *prometheus.HistogramVec
	ServicesRegistered prometheus.Gauge
	GPIOOperations     *prometheus.CounterVec
	GPIOActivePins     prometheus.Gauge
	DownloadsTotal     *prometheus.CounterVec
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ConnectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "conn",
				Name:      "active",
				Help:      "Open client connections per listener",
			},
			[]string{"server"},
		),

		EnvelopesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "orchestrator",
				Name:      "envelopes_total",
				Help:      "Envelopes received by type",
			},
			[]string{"type"},
		),

		DecodeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "protocol",
				Name:      "decode_errors_total",
				Help:      "Frames dropped by decode failure",
			},
			[]string{"profile", "reason"},
		),

		IntentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "intent",
				Name:      "classified_total",
				Help:      "Commands classified per intent",
			},
			[]string{"intent"},
		),

		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "dispatch_total",
				Help:      "Dispatch attempts by service and outcome",
			},
			[]string{"service", "outcome"},
		),

		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "dispatch_duration_seconds",
				Help:      "Remote call latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service"},
		),

		ServicesRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "services",
				Help:      "Number of registered services",
			},
		),

		GPIOOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gpio",
				Name:      "operations_total",
				Help:      "GPIO operations by kind, ingress and result",
			},
			[]string{"op", "ingress", "result"},
		),

		GPIOActivePins: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "gpio",
				Name:      "active_pins",
				Help:      "Currently claimed GPIO lines",
			},
		),

		DownloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "downloads",
				Name:      "total",
				Help:      "Download sessions by final status",
			},
			[]string{"status"},
		),
	}

	m.registry.MustRegister(
		m.ConnectionsActive,
		m.EnvelopesTotal,
		m.DecodeErrors,
		m.IntentsTotal,
		m.DispatchTotal,
		m.DispatchDuration,
		m.ServicesRegistered,
		m.GPIOOperations,
		m.GPIOActivePins,
		m.DownloadsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry (for tests and custom handlers).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnOpened(server string) {
	if m != nil {
		m.ConnectionsActive.WithLabelValues(server).Inc()
	}
}

func (m *Metrics) ConnClosed(server string) {
	if m != nil {
		m.ConnectionsActive.WithLabelValues(server).Dec()
	}
}

func (m *Metrics) Envelope(typ string) {
	if m != nil {
		m.EnvelopesTotal.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) DecodeError(profile, reason string) {
	if m != nil {
		m.DecodeErrors.WithLabelValues(profile, reason).Inc()
	}
}

func (m *Metrics) Intent(intent string) {
	if m != nil {
		m.IntentsTotal.WithLabelValues(intent).Inc()
	}
}

// Dispatch records one dispatch attempt. outcome is "ok", "not_found" or "error".
func (m *Metrics) Dispatch(service, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(service, outcome).Inc()
	if outcome != "not_found" {
		m.DispatchDuration.WithLabelValues(service).Observe(d.Seconds())
	}
}

func (m *Metrics) Services(n int) {
	if m != nil {
		m.ServicesRegistered.Set(float64(n))
	}
}

func (m *Metrics) GPIO(op, ingress string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.GPIOOperations.WithLabelValues(op, ingress, result).Inc()
}

func (m *Metrics) ActivePins(n int) {
	if m != nil {
		m.GPIOActivePins.Set(float64(n))
	}
}

func (m *Metrics) Download(status string) {
	if m != nil {
		m.DownloadsTotal.WithLabelValues(status).Inc()
	}
}
