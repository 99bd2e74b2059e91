package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the livestream relay.
type Metrics struct {
	registry                *prometheus.Registry
	requestsTotal           prometheus.Counter
	errorsTotal             prometheus.Counter
	segmentsUploadedTotal   prometheus.Counter
	segmentsDeletedTotal    prometheus.Counter
	manifestFailuresTotal   prometheus.Counter
	sequenceRegressions     prometheus.Counter
	activeStreams           prometheus.Gauge
	signalConnections       prometheus.Gauge
	signalRooms             prometheus.Gauge
	signalMessagesRelayed   prometheus.Counter
	signalMessagesDropped   *prometheus.CounterVec
	signalConnectionsClosed *prometheus.CounterVec
}

// New creates and registers Prometheus metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		segmentsUploadedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_segments_uploaded_total",
			Help: "Total number of segments successfully stored",
		}),
		segmentsDeletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_segments_deleted_total",
			Help: "Total number of segments deleted by retention or cleanup",
		}),
		manifestFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_manifest_rebuild_failures_total",
			Help: "Total number of manifest rebuilds that failed",
		}),
		sequenceRegressions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_sequence_regressions_total",
			Help: "Total number of uploads whose sequence was lower than the previous one",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_active_streams",
			Help: "Number of client streams that are active",
		}),
		signalConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signal_connections",
			Help: "Number of open signaling connections",
		}),
		signalRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signal_rooms",
			Help: "Number of signaling rooms held in memory",
		}),
		signalMessagesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signal_messages_relayed_total",
			Help: "Total number of signaling messages delivered to a peer",
		}),
		signalMessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_messages_dropped_total",
			Help: "Total number of signaling messages dropped, by reason",
		}, []string{"reason"}),
		signalConnectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_connections_closed_total",
			Help: "Total number of signaling connections closed, by reason",
		}, []string{"reason"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.segmentsUploadedTotal,
		m.segmentsDeletedTotal,
		m.manifestFailuresTotal,
		m.sequenceRegressions,
		m.activeStreams,
		m.signalConnections,
		m.signalRooms,
		m.signalMessagesRelayed,
		m.signalMessagesDropped,
		m.signalConnectionsClosed,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncSegmentsUploaded increments the uploaded segments counter.
func (m *Metrics) IncSegmentsUploaded() {
	m.segmentsUploadedTotal.Inc()
}

// AddSegmentsDeleted adds n to the deleted segments counter.
func (m *Metrics) AddSegmentsDeleted(n int) {
	m.segmentsDeletedTotal.Add(float64(n))
}

// IncManifestFailures increments the manifest rebuild failure counter.
func (m *Metrics) IncManifestFailures() {
	m.manifestFailuresTotal.Inc()
}

// IncSequenceRegressions increments the sequence regression counter.
func (m *Metrics) IncSequenceRegressions() {
	m.sequenceRegressions.Inc()
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	m.activeStreams.Set(float64(n))
}

// SetSignalRooms sets the signaling rooms gauge.
func (m *Metrics) SetSignalRooms(n int) {
	m.signalRooms.Set(float64(n))
}

// SignalConnected and SignalDisconnected track open signaling connections.
func (m *Metrics) SignalConnected() {
	m.signalConnections.Inc()
}

func (m *Metrics) SignalDisconnected(reason string) {
	m.signalConnections.Dec()
	m.signalConnectionsClosed.WithLabelValues(reason).Inc()
}

// IncSignalRelayed increments the relayed signaling messages counter.
func (m *Metrics) IncSignalRelayed() {
	m.signalMessagesRelayed.Inc()
}

// IncSignalDropped increments the dropped signaling messages counter.
func (m *Metrics) IncSignalDropped(reason string) {
	m.signalMessagesDropped.WithLabelValues(reason).Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
