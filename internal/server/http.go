package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ameerhamza-spec/voxionAIBot/internal/config"
	"github.com/ameerhamza-spec/voxionAIBot/internal/metrics"
	"github.com/ameerhamza-spec/voxionAIBot/internal/protocol"
	"github.com/ameerhamza-spec/voxionAIBot/internal/stream"
)

// HTTPServer serves the media websocket plus monitoring and webhook endpoints
type HTTPServer struct {
	server   *http.Server
	handler  http.Handler
	logger   *slog.Logger
	config   *config.Config
	registry *stream.Registry
	media    *MediaServer
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	startTime time.Time
}

// NewHTTPServer creates the HTTP server. The media websocket is mounted at
// the configured media path.
func NewHTTPServer(appConfig *config.Config, logger *slog.Logger, registry *stream.Registry,
	media *MediaServer, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		registry:  registry,
		media:     media,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	// No write timeout: media websockets stay open for the length of a call
	h.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", appConfig.HTTP.Address, appConfig.HTTP.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.Handle(h.config.Server.MediaPath, h.media)

	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	mux.HandleFunc("/calls", h.withMetrics("/calls", h.handleCalls))
	mux.HandleFunc("/calls/", h.withMetrics("/calls/{id}", h.handleCallDetail))

	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Voice webhook answered with the stream-connect document
	mux.HandleFunc("/twiml", h.withMetrics("/twiml", h.handleTwiML))

	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
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
	h.logger.Info("Starting HTTP server",
		slog.String("address", h.server.Addr),
		slog.String("media_path", h.config.Server.MediaPath),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server. Hijacked media connections are
// closed by MediaServer.Close.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	mediaStats := h.media.GetStatistics()
	registryStats := h.registry.Stats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "voxion-voice-bot",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"media_server": map[string]interface{}{
				"status":           "running",
				"open_connections": mediaStats.OpenConnections,
				"parse_errors":     mediaStats.ParseErrors,
			},
			"session_registry": map[string]interface{}{
				"status":       "running",
				"active_calls": registryStats.ActiveSessions,
				"codec_mode":   registryStats.Mode,
			},
			"transcription": map[string]interface{}{
				"enabled":  h.config.Transcription.Enabled,
				"model":    h.config.Transcription.Model,
				"encoding": h.config.Transcription.Encoding,
			},
		},
	}

	writeJSON(w, http.StatusOK, health)
}

// handleCalls implements the /calls endpoint
func (h *HTTPServer) handleCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.registry.List()
	infos := make([]stream.SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.GetSessionInfo())
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_calls": len(infos),
		"timestamp":   time.Now().UTC(),
		"calls":       infos,
	})
}

// handleCallDetail implements the /calls/{conn_id} endpoint. DELETE hangs
// up the bot side of the call.
func (h *HTTPServer) handleCallDetail(w http.ResponseWriter, r *http.Request) {
	connID := strings.TrimPrefix(r.URL.Path, "/calls/")
	if connID == "" {
		http.Error(w, "Call ID required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		session, exists := h.registry.Get(connID)
		if !exists {
			http.Error(w, "Call not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, session.GetSessionInfo())

	case http.MethodDelete:
		if !h.registry.Destroy(connID) {
			http.Error(w, "Call not found", http.StatusNotFound)
			return
		}
		h.logger.Info("Call ended via API", slog.String("conn_id", connID))
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"media":     h.media.GetStatistics(),
		"calls":     h.registry.Stats(),
	})
}

// handleTwiML implements the /twiml voice webhook
func (h *HTTPServer) handleTwiML(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	streamURL := h.config.Server.PublicURL
	if streamURL == "" {
		scheme := "wss"
		if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
			scheme = "ws"
		}
		streamURL = fmt.Sprintf("%s://%s%s", scheme, r.Host, h.config.Server.MediaPath)
	}

	params := map[string]string{}
	if err := r.ParseForm(); err == nil {
		for _, key := range []string{"CallSid", "From", "To"} {
			if v := r.FormValue(key); v != "" {
				params[strings.ToLower(key)] = v
			}
		}
	}

	doc, err := protocol.ConnectStreamDocument(streamURL, params)
	if err != nil {
		h.logger.Error("Failed to render stream document", slog.String("error", err.Error()))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.Write(doc)
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

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "Voxion Voice Bot",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                 "API documentation",
			"GET /health":           "Service health check",
			"GET /calls":            "List active calls",
			"GET /calls/{conn_id}":  "Get detailed call information",
			"DELETE /calls/{id}":    "End a call",
			"GET /stats":            "Get service statistics",
			"GET|POST /twiml":       "Voice webhook returning the media stream document",
			"GET /metrics":          "Prometheus metrics",
			"WS " + h.config.Server.MediaPath: "Telephony media stream",
		},
		"timestamp": time.Now().UTC(),
	})
}
