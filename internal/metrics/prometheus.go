package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the conversation memory service
type Metrics struct {
	// UDP ingress metrics
	PacketsReceived  prometheus.Counter
	PacketsProcessed prometheus.Counter
	ParseErrors      prometheus.Counter
	FramesDropped    prometheus.Counter

	// Segmenter metrics
	ActiveSessions       prometheus.Gauge
	ConversationsOpened  prometheus.Counter
	ConversationsClosed  *prometheus.CounterVec
	ConversationDuration prometheus.Histogram

	// Job queue metrics
	JobsEnqueued  *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	JobsRetried   *prometheus.CounterVec
	QueueDepth    *prometheus.GaugeVec
	JobDuration   *prometheus.HistogramVec

	// Engine call metrics
	EngineRequests *prometheus.CounterVec
	EngineDuration *prometheus.HistogramVec

	// Memory diff metrics
	DiffDecisions *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// UDP ingress metrics
		PacketsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "convo_packets_received_total",
			Help: "Total number of UDP packets received",
		}),
		PacketsProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "convo_packets_processed_total",
			Help: "Total number of UDP packets successfully processed",
		}),
		ParseErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "convo_parse_errors_total",
			Help: "Total number of packet parsing errors",
		}),
		FramesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "convo_frames_dropped_total",
			Help: "Total number of out-of-order or duplicate frames dropped",
		}),

		// Segmenter metrics
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "convo_active_sessions",
			Help: "Current number of live device sessions",
		}),
		ConversationsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "convo_conversations_opened_total",
			Help: "Total number of conversations opened",
		}),
		ConversationsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "convo_conversations_closed_total",
			Help: "Total number of conversations closed",
		}, []string{"cause"}),
		ConversationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "convo_conversation_duration_seconds",
			Help:    "Duration of closed conversations in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),

		// Job queue metrics
		JobsEnqueued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "convo_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		}, []string{"stage"}),
		JobsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "convo_jobs_completed_total",
			Help: "Total number of jobs completed",
		}, []string{"stage"}),
		JobsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "convo_jobs_failed_total",
			Help: "Total number of jobs that exhausted their attempts or failed permanently",
		}, []string{"stage"}),
		JobsRetried: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "convo_jobs_retried_total",
			Help: "Total number of job retry attempts scheduled",
		}, []string{"stage"}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "convo_queue_depth",
			Help: "Current number of jobs per stage and status",
		}, []string{"stage", "status"}),
		JobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "convo_job_duration_seconds",
			Help:    "Wall-clock duration of job attempts",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7 minutes
		}, []string{"stage"}),

		// Engine call metrics
		EngineRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "convo_engine_requests_total",
			Help: "Total number of engine requests",
		}, []string{"engine", "outcome"}),
		EngineDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "convo_engine_request_duration_seconds",
			Help:    "Duration of engine requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}, []string{"engine"}),

		// Memory diff metrics
		DiffDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "convo_diff_decisions_total",
			Help: "Total number of memory diff decisions",
		}, []string{"decision"}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "convo_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "convo_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	m.PacketsReceived.Inc()
}

// RecordPacketProcessed increments the packets processed counter
func (m *Metrics) RecordPacketProcessed() {
	m.PacketsProcessed.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	m.ParseErrors.Inc()
}

// RecordFrameDropped increments the dropped frames counter
func (m *Metrics) RecordFrameDropped() {
	m.FramesDropped.Inc()
}

// SetActiveSessions sets the current number of live sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordConversationOpened increments the conversations opened counter
func (m *Metrics) RecordConversationOpened() {
	m.ConversationsOpened.Inc()
}

// RecordConversationClosed records a closed conversation and its duration
func (m *Metrics) RecordConversationClosed(cause string, durationSeconds float64) {
	m.ConversationsClosed.WithLabelValues(cause).Inc()
	m.ConversationDuration.Observe(durationSeconds)
}

// RecordJobEnqueued increments the enqueued counter for a stage
func (m *Metrics) RecordJobEnqueued(stage string) {
	m.JobsEnqueued.WithLabelValues(stage).Inc()
}

// RecordJobCompleted records a completed job attempt
func (m *Metrics) RecordJobCompleted(stage string, durationSeconds float64) {
	m.JobsCompleted.WithLabelValues(stage).Inc()
	m.JobDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordJobFailed records a permanently failed job
func (m *Metrics) RecordJobFailed(stage string, durationSeconds float64) {
	m.JobsFailed.WithLabelValues(stage).Inc()
	m.JobDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordJobRetried increments the retry counter for a stage
func (m *Metrics) RecordJobRetried(stage string) {
	m.JobsRetried.WithLabelValues(stage).Inc()
}

// SetQueueDepth sets the current job count for a stage/status pair
func (m *Metrics) SetQueueDepth(stage, status string, count int) {
	m.QueueDepth.WithLabelValues(stage, status).Set(float64(count))
}

// RecordEngineRequest records an engine call and its outcome
func (m *Metrics) RecordEngineRequest(engine, outcome string, durationSeconds float64) {
	m.EngineRequests.WithLabelValues(engine, outcome).Inc()
	m.EngineDuration.WithLabelValues(engine).Observe(durationSeconds)
}

// RecordDiffDecision increments the decision counter
func (m *Metrics) RecordDiffDecision(decision string) {
	m.DiffDecisions.WithLabelValues(decision).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
