package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/convo-memory-service/internal/config"
	"github.com/skypro1111/convo-memory-service/internal/metrics"
	"github.com/skypro1111/convo-memory-service/internal/model"
	"github.com/skypro1111/convo-memory-service/internal/queue"
	"github.com/skypro1111/convo-memory-service/internal/segment"
	"github.com/skypro1111/convo-memory-service/internal/store"
	"github.com/skypro1111/convo-memory-service/internal/supervisor"
	"github.com/skypro1111/convo-memory-service/internal/vector"
)

// HTTPServer provides the operator API: monitoring, job control and
// conversation/memory management
type HTTPServer struct {
	server     *http.Server
	logger     *slog.Logger
	config     *config.Config
	store      *store.Store
	queue      *queue.Queue
	segmenter  *segment.Manager
	supervisor *supervisor.Supervisor
	udpServer  *UDPServer
	vectors    vector.Client
	metrics    *metrics.Metrics

	startTime time.Time
	mu        sync.RWMutex
}

// NewHTTPServer creates a new operator API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	st *store.Store, q *queue.Queue, segmenter *segment.Manager, sup *supervisor.Supervisor,
	udpServer *UDPServer, vectors vector.Client, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:     logger,
		config:     appConfig,
		store:      st,
		queue:      q,
		segmenter:  segmenter,
		supervisor: sup,
		udpServer:  udpServer,
		vectors:    vectors,
		metrics:    m,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures the operator API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("GET /stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("GET /config", h.withMetrics("/config", h.handleConfig))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /jobs", h.withMetrics("/jobs", h.handleListJobs))
	mux.HandleFunc("GET /jobs/{id}", h.withMetrics("/jobs/{id}", h.handleGetJob))
	mux.HandleFunc("GET /jobs/{id}/events", h.withMetrics("/jobs/{id}/events", h.handleJobEvents))
	mux.HandleFunc("POST /jobs/{id}/retry", h.withMetrics("/jobs/{id}/retry", h.handleRetryJob))
	mux.HandleFunc("POST /jobs/{id}/cancel", h.withMetrics("/jobs/{id}/cancel", h.handleCancelJob))
	mux.HandleFunc("POST /jobs/flush", h.withMetrics("/jobs/flush", h.handleFlushJobs))

	mux.HandleFunc("GET /conversations", h.withMetrics("/conversations", h.handleListConversations))
	mux.HandleFunc("GET /conversations/{id}", h.withMetrics("/conversations/{id}", h.handleGetConversation))
	mux.HandleFunc("DELETE /conversations/{id}", h.withMetrics("/conversations/{id}", h.handleDeleteConversation))
	mux.HandleFunc("POST /conversations/{id}/reprocess", h.withMetrics("/conversations/{id}/reprocess", h.handleReprocess))
	mux.HandleFunc("GET /conversations/{id}/transcript", h.withMetrics("/conversations/{id}/transcript", h.handleTranscript))

	mux.HandleFunc("POST /versions/{id}/annotate", h.withMetrics("/versions/{id}/annotate", h.handleAnnotate))

	mux.HandleFunc("GET /memories", h.withMetrics("/memories", h.handleListMemories))
	mux.HandleFunc("DELETE /memories/{id}", h.withMetrics("/memories/{id}", h.handleDeleteMemory))

	mux.HandleFunc("GET /sessions", h.withMetrics("/sessions", h.handleSessions))
}

// withMetrics wraps a handler with request metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		h.metrics.RecordHTTPRequest(r.Method, endpoint,
			fmt.Sprintf("%d", ww.statusCode), time.Since(start).Seconds())
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("starting HTTP API server", slog.String("address", h.server.Addr))

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("stopping HTTP API server")
	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeError maps store and queue sentinel errors to status codes:
// 404 unknown id, 409 invalid state transition, 503 backlog.
func (h *HTTPServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound) || errors.Is(err, queue.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict) || errors.Is(err, queue.ErrInvalidState) ||
		errors.Is(err, queue.ErrDuplicateJob) || errors.Is(err, queue.ErrNotOwner):
		status = http.StatusConflict
	case errors.Is(err, queue.ErrBacklogFull):
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	udpStats := h.udpServer.GetStatistics()

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "convo-memory-service",
			"version": "1.0.0",
		},
		"components": map[string]any{
			"udp_server": map[string]any{
				"status":            "running",
				"packets_received":  udpStats.PacketsReceived,
				"packets_processed": udpStats.PacketsProcessed,
				"parse_errors":      udpStats.ParseErrors,
			},
			"segmenter": map[string]any{
				"status":          "running",
				"active_sessions": udpStats.ActiveSessions,
			},
			"workers": map[string]any{
				"status":     "running",
				"registered": len(h.supervisor.Workers()),
			},
		},
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	jobStats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	udpStats := h.udpServer.GetStatistics()

	h.writeJSON(w, http.StatusOK, map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"udp": map[string]any{
			"packets_received":  udpStats.PacketsReceived,
			"packets_processed": udpStats.PacketsProcessed,
			"parse_errors":      udpStats.ParseErrors,
			"queue_size":        udpStats.QueueSize,
			"queue_capacity":    udpStats.QueueCapacity,
		},
		"sessions": map[string]any{
			"active_count": h.segmenter.SessionCount(),
		},
		"jobs":    jobStats,
		"workers": h.supervisor.Workers(),
	})
}

// handleConfig implements the /config endpoint. API keys are omitted.
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	engineConfig := func(e config.EngineConfig) map[string]any {
		return map[string]any{
			"endpoint":       e.Endpoint,
			"timeout":        e.Timeout,
			"max_concurrent": e.MaxConcurrent,
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"server": map[string]any{
			"udp_port":               h.config.Server.UDPPort,
			"bind_address":           h.config.Server.BindAddress,
			"buffer_size":            h.config.Server.BufferSize,
			"max_concurrent_devices": h.config.Server.MaxConcurrentDevices,
		},
		"segmenter": map[string]any{
			"sample_rate":      h.config.Segmenter.SampleRate,
			"silence_timeout":  h.config.Segmenter.SilenceTimeout,
			"max_duration":     h.config.Segmenter.MaxDuration,
			"default_language": h.config.Segmenter.DefaultLanguage,
		},
		"queue": map[string]any{
			"max_attempts":      h.config.Queue.MaxAttempts,
			"backoff_base":      h.config.Queue.BackoffBase,
			"backoff_cap":       h.config.Queue.BackoffCap,
			"lease_timeout":     h.config.Queue.LeaseTimeout,
			"backlog_threshold": h.config.Queue.BacklogThreshold,
			"retention_days":    h.config.Queue.RetentionDays,
		},
		"workers": map[string]any{
			"count":               h.config.Workers.Count,
			"poll_interval":       h.config.Workers.PollInterval,
			"diarization_enabled": h.config.Workers.DiarizationOn,
		},
		"engines": map[string]any{
			"transcription": engineConfig(h.config.Engines.Transcription),
			"diarization":   engineConfig(h.config.Engines.Diarization),
			"extraction":    engineConfig(h.config.Engines.Extraction),
			"embedding":     engineConfig(h.config.Engines.Embedding),
		},
		"diff": map[string]any{
			"top_k":                    h.config.Diff.TopK,
			"similarity_threshold":     h.config.Diff.SimilarityThreshold,
			"update_threshold":         h.config.Diff.UpdateThreshold,
			"near_duplicate_threshold": h.config.Diff.NearDuplicate,
			"contradiction_enabled":    h.config.Diff.ContradictionEnabled,
		},
		"logging": map[string]any{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
		},
	})
}

// handleListJobs implements GET /jobs?stage=&status=
func (h *HTTPServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	stage := model.Stage(r.URL.Query().Get("stage"))
	if stage != "" && !stage.Valid() {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown stage: " + string(stage)})
		return
	}
	status := model.JobStatus(r.URL.Query().Get("status"))

	jobs, err := h.queue.List(r.Context(), stage, status)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"total": len(jobs),
		"jobs":  jobs,
	})
}

// handleGetJob implements GET /jobs/{id}
func (h *HTTPServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.queue.Get(r.Context(), model.JobID(r.PathValue("id")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// handleJobEvents implements GET /jobs/{id}/events
func (h *HTTPServer) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := model.JobID(r.PathValue("id"))
	if _, err := h.queue.Get(r.Context(), jobID); err != nil {
		h.writeError(w, err)
		return
	}

	events, err := h.queue.Events(r.Context(), jobID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"total":  len(events),
		"events": events,
	})
}

// handleRetryJob implements POST /jobs/{id}/retry?force=1
func (h *HTTPServer) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "1"
	if err := h.queue.Retry(r.Context(), model.JobID(r.PathValue("id")), force); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

// handleCancelJob implements POST /jobs/{id}/cancel
func (h *HTTPServer) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Cancel(r.Context(), model.JobID(r.PathValue("id")), "operator cancel"); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleFlushJobs implements POST /jobs/flush?stage=
func (h *HTTPServer) handleFlushJobs(w http.ResponseWriter, r *http.Request) {
	stage := model.Stage(r.URL.Query().Get("stage"))
	if stage != "" && !stage.Valid() {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown stage: " + string(stage)})
		return
	}

	n, err := h.queue.Flush(r.Context(), stage)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"flushed": n})
}

// handleListConversations implements GET /conversations?include_deleted=1
func (h *HTTPServer) handleListConversations(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("include_deleted") == "1"

	conversations, err := h.store.ListConversations(r.Context(), includeDeleted)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"total":         len(conversations),
		"conversations": conversations,
	})
}

// handleGetConversation implements GET /conversations/{id}: the conversation
// with its transcript versions, jobs and the worst unresolved job status.
func (h *HTTPServer) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	convID := model.ConversationID(r.PathValue("id"))

	conv, err := h.store.GetConversation(r.Context(), convID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	versions, err := h.store.ListTranscriptVersions(r.Context(), convID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	jobs, err := h.queue.ListByConversation(r.Context(), convID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"conversation":      conv,
		"versions":          versions,
		"jobs":              jobs,
		"unresolved_status": worstUnresolved(jobs),
	})
}

// worstUnresolved aggregates a conversation's job statuses:
// failed > retrying > running > queued; empty when nothing is pending.
func worstUnresolved(jobs []model.Job) string {
	rank := map[model.JobStatus]int{
		model.JobQueued:   1,
		model.JobRunning:  2,
		model.JobRetrying: 3,
		model.JobFailed:   4,
	}

	worst := 0
	var out model.JobStatus
	for _, job := range jobs {
		if r := rank[job.Status]; r > worst {
			worst = r
			out = job.Status
		}
	}
	return string(out)
}

// handleDeleteConversation implements DELETE /conversations/{id} (soft)
func (h *HTTPServer) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	convID := model.ConversationID(r.PathValue("id"))
	if err := h.store.SoftDeleteConversation(r.Context(), convID, time.Now().UTC()); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleReprocess implements POST /conversations/{id}/reprocess: enqueue a
// fresh transcode job so the pipeline runs again and produces a new
// transcript version.
func (h *HTTPServer) handleReprocess(w http.ResponseWriter, r *http.Request) {
	convID := model.ConversationID(r.PathValue("id"))

	conv, err := h.store.GetConversation(r.Context(), convID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if conv.DeletedAt != nil {
		h.writeJSON(w, http.StatusConflict,
			map[string]string{"error": "conversation is deleted, cannot reprocess"})
		return
	}
	if conv.State == model.ConversationOpen {
		h.writeJSON(w, http.StatusConflict,
			map[string]string{"error": "conversation is still open, cannot reprocess"})
		return
	}

	job, err := h.queue.Enqueue(r.Context(), model.StageTranscode, convID,
		map[string]string{"language": h.config.Segmenter.DefaultLanguage})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// handleTranscript implements GET /conversations/{id}/transcript
func (h *HTTPServer) handleTranscript(w http.ResponseWriter, r *http.Request) {
	convID := model.ConversationID(r.PathValue("id"))

	if _, err := h.store.GetConversation(r.Context(), convID); err != nil {
		h.writeError(w, err)
		return
	}

	version, err := h.store.ActiveTranscript(r.Context(), convID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, version)
}

// handleAnnotate implements POST /versions/{id}/annotate
func (h *HTTPServer) handleAnnotate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decision string `json:"decision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	decision := model.AnnotationDecision(req.Decision)
	if decision != model.DecisionVerified && decision != model.DecisionStashed {
		h.writeJSON(w, http.StatusBadRequest,
			map[string]string{"error": "decision must be 'verified' or 'stashed'"})
		return
	}

	versionID := model.VersionID(r.PathValue("id"))
	if err := h.store.Annotate(r.Context(), versionID, decision, time.Now().UTC()); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": string(decision)})
}

// handleListMemories implements GET /memories?user=&include_deleted=1
func (h *HTTPServer) handleListMemories(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	includeDeleted := r.URL.Query().Get("include_deleted") == "1"

	memories, err := h.store.ListMemories(r.Context(), userID, includeDeleted)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"total":    len(memories),
		"memories": memories,
	})
}

// handleDeleteMemory implements DELETE /memories/{id} (soft). The vector is
// removed from the index as well so search stops returning it.
func (h *HTTPServer) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	memoryID := model.MemoryID(r.PathValue("id"))

	if err := h.store.SoftDeleteMemory(r.Context(), memoryID, time.Now().UTC()); err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.vectors.Delete(r.Context(), memoryID); err != nil {
		h.logger.Warn("failed to remove vector for deleted memory",
			slog.String("memory_id", string(memoryID)),
			slog.String("error", err.Error()))
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleSessions implements GET /sessions
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.segmenter.Sessions()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"total":    len(sessions),
		"sessions": sessions,
	})
}
