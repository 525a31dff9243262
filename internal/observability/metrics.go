package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveRooms     prometheus.Gauge
	SessionEvents   *prometheus.CounterVec
	WSMessages      *prometheus.CounterVec
	SegmentUploads  *prometheus.CounterVec
	SegmentBytes    prometheus.Histogram
	ComposeDuration *prometheus.HistogramVec
	ComposeFailures *prometheus.CounterVec

	gatherer prometheus.Gatherer
	stages   *StageWindow
}

// NewMetrics registers the instruments on reg. A nil reg uses the default
// registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	f := promauto.With(reg)
	return &Metrics{
		ActiveRooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rooms",
			Help:      "Number of rooms with a connected host.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Signaling messages by direction and type.",
		}, []string{"direction", "type"}),
		SegmentUploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_uploads_total",
			Help:      "Segment uploads by result.",
		}, []string{"result"}),
		SegmentBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_bytes",
			Help:      "Size of accepted segment uploads in bytes.",
			Buckets:   prometheus.ExponentialBuckets(64<<10, 2, 10),
		}),
		ComposeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compose_duration_ms",
			Help:      "Composition latency in milliseconds by kind.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000, 32000},
		}, []string{"kind"}),
		ComposeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compose_failures_total",
			Help:      "Composition failures by reason.",
		}, []string{"reason"}),
		gatherer: gatherer,
		stages:   NewStageWindow(256, DefaultStageTargets()),
	}
}

// ObserveCompose records one composition outcome. An empty reason means
// success.
func (m *Metrics) ObserveCompose(kind string, d time.Duration, reason string) {
	m.ComposeDuration.WithLabelValues(kind).Observe(float64(d.Milliseconds()))
	m.stages.Observe("compose_"+kind, d)
	if reason != "" {
		m.ComposeFailures.WithLabelValues(reason).Inc()
		m.stages.ObserveIndicator("compose_failed:" + reason)
	}
}

// ObserveSegment records one accepted segment upload.
func (m *Metrics) ObserveSegment(d time.Duration, bytes int64) {
	m.SegmentBytes.Observe(float64(bytes))
	m.stages.Observe("segment_accept", d)
}

// Stages summarizes recent stage latencies.
func (m *Metrics) Stages() StageSnapshot {
	return m.stages.Snapshot()
}

// Handler serves the registry the metrics were registered on.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
