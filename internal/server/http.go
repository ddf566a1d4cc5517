package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tiarhax/michilante-rtsp-dynamic-relay/internal/config"
	"github.com/tiarhax/michilante-rtsp-dynamic-relay/internal/metrics"
	"github.com/tiarhax/michilante-rtsp-dynamic-relay/internal/mount"
	"github.com/tiarhax/michilante-rtsp-dynamic-relay/internal/relay"
)

// HTTPServer provides the HTTP management and monitoring API
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	registry *mount.Registry
	relayMgr *relay.Manager
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	registry *mount.Registry, relayMgr *relay.Manager, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		registry:  registry,
		relayMgr:  relayMgr,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
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

// Handler returns the configured HTTP handler
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Stream management endpoints
	mux.HandleFunc("/streams", h.withMetrics("/streams", h.handleStreams))
	mux.HandleFunc("/streams/", h.withMetrics("/streams/{id}", h.handleStreamDetail))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoint
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
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
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// createStreamRequest is the body of POST /streams
type createStreamRequest struct {
	Name      string `json:"name"`
	SourceURL string `json:"source_url"`
}

// streamResponse describes one published stream
type streamResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Source    string    `json:"source,omitempty"`
	Dynamic   bool      `json:"dynamic"`
	CreatedAt time.Time `json:"created_at"`
	State     string    `json:"state"`
	Viewers   int       `json:"viewers"`
}

// streamURL builds the externally visible playback URL for a mount path
func (h *HTTPServer) streamURL(path string) string {
	return h.config.Server.RootURL + "/" + path
}

func (h *HTTPServer) streamResponseFor(m mount.Mount) streamResponse {
	resp := streamResponse{
		ID:        m.Path,
		Name:      m.Name,
		URL:       h.streamURL(m.Path),
		Source:    m.Locator,
		Dynamic:   m.Dynamic,
		CreatedAt: m.AddedAt,
		State:     "idle",
	}
	if sess, ok := h.relayMgr.Session(m.Path); ok {
		info := sess.Info()
		resp.State = info.State
		resp.Viewers = info.Viewers
	}
	return resp
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)
	sessions := h.relayMgr.Sessions()
	viewers := 0
	for _, s := range sessions {
		viewers += s.Viewers
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "rtsp-dynamic-relay",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"mount_registry": map[string]interface{}{
				"status": "running",
				"mounts": len(h.registry.Mounts()),
			},
			"relay_manager": map[string]interface{}{
				"status":          "running",
				"active_sessions": len(sessions),
				"active_viewers":  viewers,
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleStreams implements the /streams endpoint: GET lists the published
// streams, POST publishes a new dynamic stream
func (h *HTTPServer) handleStreams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleListStreams(w, r)
	case http.MethodPost:
		h.handleCreateStream(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPServer) handleListStreams(w http.ResponseWriter, r *http.Request) {
	mounts := h.registry.Mounts()
	streams := make([]streamResponse, 0, len(mounts))
	for _, m := range mounts {
		streams = append(streams, h.streamResponseFor(m))
	}

	response := map[string]interface{}{
		"total_streams": len(streams),
		"timestamp":     time.Now().UTC(),
		"streams":       streams,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (h *HTTPServer) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	var req createStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.SourceURL == "" {
		http.Error(w, "source_url is required", http.StatusBadRequest)
		return
	}

	m := mount.Mount{
		Path:    uuid.NewString(),
		Name:    req.Name,
		Locator: req.SourceURL,
		Dynamic: true,
		AddedAt: time.Now(),
	}
	if err := h.registry.Register(m); err != nil {
		h.logger.Error("failed to register dynamic stream",
			slog.String("name", req.Name),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Failed to register stream", http.StatusInternalServerError)
		return
	}

	h.logger.Info("dynamic stream published",
		slog.String("id", m.Path),
		slog.String("name", m.Name),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(h.streamResponseFor(m))
}

// handleStreamDetail implements the /streams/{id} endpoints, including
// DELETE /streams/stale
func (h *HTTPServer) handleStreamDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/streams/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Stream ID required", http.StatusBadRequest)
		return
	}

	if id == "stale" && r.Method == http.MethodDelete {
		h.handleDeleteStale(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		m, ok := h.registry.Get(id)
		if !ok {
			http.Error(w, "Stream not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(h.streamResponseFor(m))

	case http.MethodDelete:
		if !h.registry.Unregister(id) {
			http.Error(w, "Stream not found", http.StatusNotFound)
			return
		}
		h.relayMgr.CloseMount(id)
		h.logger.Info("stream removed", slog.String("id", id))
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleDeleteStale removes every dynamic stream older than the configured
// expiration. With expiration set to zero all dynamic streams are stale.
func (h *HTTPServer) handleDeleteStale(w http.ResponseWriter, r *http.Request) {
	expiration := h.config.Relay.GetStreamExpirationDuration()
	now := time.Now()

	removed := make([]string, 0)
	for _, m := range h.registry.Mounts() {
		if !m.Dynamic {
			continue
		}
		if now.Sub(m.AddedAt) < expiration {
			continue
		}
		if h.registry.Unregister(m.Path) {
			h.relayMgr.CloseMount(m.Path)
			removed = append(removed, m.Path)
		}
	}

	h.logger.Info("stale streams removed", slog.Int("count", len(removed)))

	response := map[string]interface{}{
		"removed":   removed,
		"count":     len(removed),
		"timestamp": now.UTC(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Return sanitized configuration (static mount sources may carry
	// credentials and are omitted)
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"root_url": h.config.Server.RootURL,
		},
		"relay": map[string]interface{}{
			"idle_timeout":              h.config.Relay.IdleTimeout,
			"max_retries":               h.config.Relay.MaxRetries,
			"retry_base_delay_ms":       h.config.Relay.RetryBaseDelayMs,
			"retry_max_delay_ms":        h.config.Relay.RetryMaxDelayMs,
			"viewer_queue_capacity":     h.config.Relay.ViewerQueueCapacity,
			"viewer_overflow_threshold": h.config.Relay.ViewerOverflowThreshold,
			"overflow_window_ms":        h.config.Relay.OverflowWindowMs,
			"stream_expiration_minutes": h.config.Relay.StreamExpirationMinutes,
		},
		"mounts": map[string]interface{}{
			"strategy":      h.config.Mounts.Strategy,
			"static_mounts": len(h.config.Mounts.Static),
		},
		"upstream": map[string]interface{}{
			"read_timeout":  h.config.Upstream.ReadTimeout,
			"write_timeout": h.config.Upstream.WriteTimeout,
			"sample_queue":  h.config.Upstream.SampleQueue,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.relayMgr.Sessions()
	viewers := 0
	var samples uint64
	for _, s := range sessions {
		viewers += s.Viewers
		samples += s.Samples
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"mounts": map[string]interface{}{
			"total": len(h.registry.Mounts()),
		},
		"relay": map[string]interface{}{
			"active_sessions": len(sessions),
			"active_viewers":  viewers,
			"samples_relayed": samples,
			"sessions":        sessions,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "RTSP Dynamic Relay",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                     "API documentation",
			"GET /health":               "Service health check",
			"GET /streams":              "List all published streams",
			"POST /streams":             "Publish a new dynamic stream",
			"GET /streams/{id}":         "Get detailed stream information",
			"DELETE /streams/{id}":      "Remove a stream and close its relay session",
			"DELETE /streams/stale":     "Remove all expired dynamic streams",
			"GET /config":               "Get service configuration",
			"GET /stats":                "Get service statistics",
			"GET /metrics":              "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
