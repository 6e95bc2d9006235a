// Package metrics exposes broker and endpoint counters. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stationlink"

// Endpoint kinds for EndpointUp/EndpointDown.
const (
	KindReceiver = "receiver"
	KindSender   = "sender"
)

// Telemetry sources for TelemetryReceived.
const (
	SourceUDP  = "udp"
	SourceMQTT = "mqtt"
)

type Metrics struct {
	telemetryReceived    *prometheus.CounterVec
	telemetryMalformed   *prometheus.CounterVec
	telemetryStoreErrors *prometheus.CounterVec
	requests             *prometheus.CounterVec
	requestErrors        prometheus.Counter
	endpointsActive      *prometheus.GaugeVec
	endpointsProvisioned *prometheus.CounterVec
}

// New registers the collectors on reg. Tests pass a fresh
// prometheus.NewRegistry(); the server passes its own registry too.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		telemetryReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_received_total",
			Help:      "Telemetry samples stored, by ingestion source.",
		}, []string{"source"}),
		telemetryMalformed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_malformed_total",
			Help:      "Telemetry messages dropped because they could not be decoded.",
		}, []string{"source"}),
		telemetryStoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_store_errors_total",
			Help:      "Decoded telemetry samples that storage failed to write.",
		}, []string{"source"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Query session requests handled, by command.",
		}, []string{"command"}),
		requestErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_errors_total",
			Help:      "Query session requests answered with error.",
		}),
		endpointsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoints_active",
			Help:      "Live receivers and senders.",
		}, []string{"kind"}),
		endpointsProvisioned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoints_provisioned_total",
			Help:      "Receivers and senders provisioned by the broker.",
		}, []string{"kind"}),
	}
}

func (m *Metrics) TelemetryReceived(source string) {
	if m == nil {
		return
	}
	m.telemetryReceived.WithLabelValues(source).Inc()
}

func (m *Metrics) TelemetryMalformed(source string) {
	if m == nil {
		return
	}
	m.telemetryMalformed.WithLabelValues(source).Inc()
}

func (m *Metrics) TelemetryStoreError(source string) {
	if m == nil {
		return
	}
	m.telemetryStoreErrors.WithLabelValues(source).Inc()
}

func (m *Metrics) Request(command string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(command).Inc()
}

func (m *Metrics) RequestError() {
	if m == nil {
		return
	}
	m.requestErrors.Inc()
}

func (m *Metrics) EndpointUp(kind string) {
	if m == nil {
		return
	}
	m.endpointsProvisioned.WithLabelValues(kind).Inc()
	m.endpointsActive.WithLabelValues(kind).Inc()
}

func (m *Metrics) EndpointDown(kind string) {
	if m == nil {
		return
	}
	m.endpointsActive.WithLabelValues(kind).Dec()
}
