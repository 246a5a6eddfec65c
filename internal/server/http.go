package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lapitskiy/sonya-front/internal/config"
	"github.com/lapitskiy/sonya-front/internal/metrics"
	"github.com/lapitskiy/sonya-front/internal/output"
	"github.com/lapitskiy/sonya-front/internal/session"
	"github.com/lapitskiy/sonya-front/internal/transport"
)

// QueueStatsSource reports write queue counters
type QueueStatsSource interface {
	Stats() transport.QueueStats
}

// LinkStatsSource reports link counters
type LinkStatsSource interface {
	GetStatistics() transport.LinkStatistics
}

// Deps are the components the API reports on. Sink and Gatherer may be nil.
type Deps struct {
	Session  *session.Machine
	Queue    QueueStatsSource
	Link     LinkStatsSource
	Sink     *output.WAVSink
	Gatherer prometheus.Gatherer
}

// HTTPServer provides HTTP API endpoints for monitoring and control
type HTTPServer struct {
	server  *http.Server
	logger  *slog.Logger
	config  *config.Config
	deps    Deps
	metrics *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, deps Deps, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		deps:      deps,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/session", h.withMetrics("/session", h.handleSession))
	mux.HandleFunc("/recordings", h.withMetrics("/recordings", h.handleRecordings))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	mux.HandleFunc("/commands/ping", h.withMetrics("/commands/ping", h.handlePing))
	mux.HandleFunc("/commands/rec", h.withMetrics("/commands/rec", h.handleRec))
	mux.HandleFunc("/commands/setrec", h.withMetrics("/commands/setrec", h.handleSetRec))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	if h.deps.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

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
		statusCode := strconv.Itoa(ww.statusCode)

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

// Run serves until ctx is cancelled, then shuts down gracefully
func (h *HTTPServer) Run(ctx context.Context) error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.Stop(shutdownCtx)
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

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

	snap := h.deps.Session.Snapshot()
	linkStatus := "disconnected"
	if snap.Connected {
		linkStatus = "connected"
	}

	components := map[string]interface{}{
		"link": map[string]interface{}{
			"status": linkStatus,
		},
		"session": map[string]interface{}{
			"status":     "running",
			"mode":       snap.ModeName,
			"completed":  snap.Completed,
			"aborted":    snap.Aborted,
			"updated_at": snap.UpdatedAt,
		},
	}
	if h.deps.Sink != nil {
		st := h.deps.Sink.Stats()
		components["output"] = map[string]interface{}{
			"status":  "running",
			"written": st.Written,
			"failed":  st.Failed,
			"pending": st.Pending,
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "sonya-watchd",
			"version": "1.0.0",
		},
		"components": components,
	})
}

// handleSession implements the /session endpoint
func (h *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := h.deps.Session.Snapshot()
	snap.Recent = nil
	writeJSON(w, http.StatusOK, snap)
}

// handleRecordings implements the /recordings endpoint
func (h *HTTPServer) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	recent := h.deps.Session.Snapshot().Recent
	if recent == nil {
		recent = []session.RecordingSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":      len(recent),
		"timestamp":  time.Now().UTC(),
		"recordings": recent,
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := h.deps.Session.Snapshot()
	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"session": map[string]interface{}{
			"completed":      snap.Completed,
			"aborted":        snap.Aborted,
			"seq_gaps":       snap.SeqGaps,
			"decoder_resets": snap.DecoderResets,
			"buffer":         snap.Buffer,
		},
	}
	if h.deps.Queue != nil {
		stats["queue"] = h.deps.Queue.Stats()
	}
	if h.deps.Link != nil {
		stats["link"] = h.deps.Link.GetStatistics()
	}
	if h.deps.Sink != nil {
		stats["output"] = h.deps.Sink.Stats()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c := h.config
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"link": map[string]interface{}{
			"type":   c.Link.Type,
			"udp":    c.Link.UDP,
			"serial": c.Link.Serial,
		},
		"protocol": c.Protocol,
		"session":  c.Session,
		"queue":    c.Queue,
		"output":   c.Output,
		"logging":  c.Logging,
	})
}

// handlePing implements POST /commands/ping
func (h *HTTPServer) handlePing(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "PING", func(m *session.Machine) error { return m.Ping() })
}

// handleRec implements POST /commands/rec
func (h *HTTPServer) handleRec(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "REC", func(m *session.Machine) error { return m.StartRecording() })
}

// handleSetRec implements POST /commands/setrec?seconds=n
func (h *HTTPServer) handleSetRec(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	seconds, err := strconv.Atoi(r.URL.Query().Get("seconds"))
	if err != nil {
		http.Error(w, "Invalid seconds", http.StatusBadRequest)
		return
	}
	h.command(w, r, "SETREC:"+strconv.Itoa(seconds), func(m *session.Machine) error {
		return m.SetRecordSeconds(seconds)
	})
}

// command runs fn on the session loop and maps its error to a status
func (h *HTTPServer) command(w http.ResponseWriter, r *http.Request, name string, fn func(*session.Machine) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	err := h.deps.Session.Call(ctx, fn)
	switch {
	case err == nil:
		h.logger.Info("Command queued via API", slog.String("command", name))
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"command": name,
			"status":  "queued",
		})
	case errors.Is(err, session.ErrInvalidSeconds):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, transport.ErrNotConnected), errors.Is(err, transport.ErrQueueOverflow):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.logger.Error("Command failed", slog.String("command", name), slog.String("error", err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
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
		"service": "Sonya watch audio service",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                           "API documentation",
			"GET /health":                     "Service health check",
			"GET /session":                    "Current transfer session",
			"GET /recordings":                 "Recently completed recordings",
			"GET /stats":                      "Link, queue and output statistics",
			"GET /config":                     "Service configuration",
			"GET /metrics":                    "Prometheus metrics",
			"POST /commands/ping":             "Send PING",
			"POST /commands/rec":              "Start a recording",
			"POST /commands/setrec?seconds=n": "Set recording length (1..10 s)",
		},
		"timestamp": time.Now().UTC(),
	})
}
