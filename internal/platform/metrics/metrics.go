package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Seek outcomes used as the "result" label of hls_seeks_total.
const (
	SeekCovered    = "covered"
	SeekRestarted  = "restarted"
	SeekTimeout    = "timeout"
	SeekSuperseded = "superseded"
	SeekCancelled  = "cancelled"
	SeekFailed     = "failed"
)

// Metrics holds Prometheus counters and gauges for the HLS server.
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        prometheus.Counter
	errorsTotal          prometheus.Counter
	activeStreams        prometheus.Gauge
	streamsCreatedTotal  prometheus.Counter
	streamsEvictedTotal  prometheus.Counter
	seeksTotal           *prometheus.CounterVec
	seekDuration         prometheus.Histogram
	encoderStartsTotal   prometheus.Counter
	encoderFailuresTotal prometheus.Counter
	segmentsServedTotal  prometheus.Counter
	segmentMissesTotal   prometheus.Counter
}

// New creates and registers Prometheus metrics for the server.
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
			Help: "Total number of HTTP responses with a 5xx status",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_active_streams",
			Help: "Number of registered stream sessions",
		}),
		streamsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_streams_created_total",
			Help: "Total number of stream sessions created",
		}),
		streamsEvictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_streams_evicted_total",
			Help: "Total number of stream sessions evicted for inactivity",
		}),
		seeksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_seeks_total",
			Help: "Seek requests by outcome",
		}, []string{"result"}),
		seekDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hls_seek_duration_seconds",
			Help:    "Time spent handling seek requests",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 11),
		}),
		encoderStartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_encoder_starts_total",
			Help: "Total number of encoder processes started",
		}),
		encoderFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_encoder_failures_total",
			Help: "Total number of encoder processes that exited with an error",
		}),
		segmentsServedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_segments_served_total",
			Help: "Total number of segments served",
		}),
		segmentMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_segment_misses_total",
			Help: "Segment requests answered with 404 because the segment is not produced yet",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.activeStreams,
		m.streamsCreatedTotal,
		m.streamsEvictedTotal,
		m.seeksTotal,
		m.seekDuration,
		m.encoderStartsTotal,
		m.encoderFailuresTotal,
		m.segmentsServedTotal,
		m.segmentMissesTotal,
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

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	m.activeStreams.Set(float64(n))
}

// IncStreamsCreated increments the created streams counter.
func (m *Metrics) IncStreamsCreated() {
	m.streamsCreatedTotal.Inc()
}

// AddStreamsEvicted adds n to the idle-evicted streams counter.
func (m *Metrics) AddStreamsEvicted(n int) {
	m.streamsEvictedTotal.Add(float64(n))
}

// ObserveSeek records one seek outcome and how long it took.
func (m *Metrics) ObserveSeek(result string, d time.Duration) {
	m.seeksTotal.WithLabelValues(result).Inc()
	m.seekDuration.Observe(d.Seconds())
}

// IncEncoderStarts increments the encoder starts counter.
func (m *Metrics) IncEncoderStarts() {
	m.encoderStartsTotal.Inc()
}

// IncEncoderFailures increments the encoder failures counter.
func (m *Metrics) IncEncoderFailures() {
	m.encoderFailuresTotal.Inc()
}

// IncSegmentsServed increments the served segments counter.
func (m *Metrics) IncSegmentsServed() {
	m.segmentsServedTotal.Inc()
}

// IncSegmentMisses increments the counter of segment requests that found nothing.
func (m *Metrics) IncSegmentMisses() {
	m.segmentMissesTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active streams).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
