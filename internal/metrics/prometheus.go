package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Frame drop reasons
const (
	DropCodec  = "codec"  // malformed payload
	DropRing   = "ring"   // evicted from a full pending ring
	DropClosed = "closed" // arrived after the transcription connection closed
)

// Turn results
const (
	TurnStarted   = "started"
	TurnCompleted = "completed"
	TurnFailed    = "failed"
	TurnDropped   = "dropped"
)

// Metrics contains all Prometheus metrics for the voice agent.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Call metrics
	ActiveCalls    prometheus.Gauge
	CallsCreated   prometheus.Counter
	CallsDestroyed prometheus.Counter
	CallDuration   prometheus.Histogram

	// Audio ingest metrics
	FramesReceived prometheus.Counter
	FramesDropped  *prometheus.CounterVec
	KeepalivesSent prometheus.Counter
	RecordingBytes prometheus.Counter

	// Turn pipeline metrics
	Transcripts  *prometheus.CounterVec
	Turns        *prometheus.CounterVec
	StageLatency *prometheus.HistogramVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Current number of active call sessions",
		}),
		CallsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_created_total",
			Help:      "Total number of call sessions created",
		}),
		CallsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_destroyed_total",
			Help:      "Total number of call sessions destroyed",
		}),
		CallDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of call sessions in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_received_total",
			Help:      "Total number of inbound caller audio frames",
		}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Total number of audio frames dropped",
		}, []string{"reason"}),
		KeepalivesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_keepalives_total",
			Help:      "Total number of silent keepalive frames sent to the transcription provider",
		}),
		RecordingBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recording_bytes_total",
			Help:      "Total number of PCM bytes written to call recordings",
		}),

		Transcripts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_total",
			Help:      "Total number of transcript events received",
		}, []string{"kind"}),
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of conversation turns by result",
		}, []string{"result"}),
		StageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Latency of turn pipeline stages",
			Buckets:   prometheus.ExponentialBuckets(0.025, 2, 10), // 25ms to ~12s
		}, []string{"stage", "outcome"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// SetActiveCalls sets the current number of active calls
func (m *Metrics) SetActiveCalls(count int) {
	if m == nil {
		return
	}
	m.ActiveCalls.Set(float64(count))
}

// RecordCallCreated increments the calls created counter
func (m *Metrics) RecordCallCreated() {
	if m == nil {
		return
	}
	m.CallsCreated.Inc()
}

// RecordCallDestroyed increments the calls destroyed counter and records duration
func (m *Metrics) RecordCallDestroyed(durationSeconds float64) {
	if m == nil {
		return
	}
	m.CallsDestroyed.Inc()
	m.CallDuration.Observe(durationSeconds)
}

// RecordFrameReceived increments the inbound frames counter
func (m *Metrics) RecordFrameReceived() {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
}

// RecordFrameDropped increments the dropped frames counter for reason
func (m *Metrics) RecordFrameDropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// RecordKeepalive increments the keepalive counter
func (m *Metrics) RecordKeepalive() {
	if m == nil {
		return
	}
	m.KeepalivesSent.Inc()
}

// RecordRecordingBytes adds n bytes to the recording counter
func (m *Metrics) RecordRecordingBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordingBytes.Add(float64(n))
}

// RecordTranscript counts an interim or final transcript event
func (m *Metrics) RecordTranscript(final bool) {
	if m == nil {
		return
	}
	kind := "interim"
	if final {
		kind = "final"
	}
	m.Transcripts.WithLabelValues(kind).Inc()
}

// RecordTurn counts a turn result
func (m *Metrics) RecordTurn(result string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(result).Inc()
}

// ObserveStage records the latency of one pipeline stage
func (m *Metrics) ObserveStage(stage, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.StageLatency.WithLabelValues(stage, outcome).Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
