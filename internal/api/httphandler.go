package api

import (
	"errors"
	"net/http"
	"time"

	"kubepulse/internal/configstore"
	"kubepulse/internal/metrics"
	"kubepulse/internal/ports"
	"kubepulse/internal/stream"
	"kubepulse/internal/tracing"
	"kubepulse/internal/types"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

// Handler serves the HTTP API. Configs is the only path to stored bundles; Store is used for readiness and
// trace queries.
type Handler struct {
	Configs *configstore.Store
	Store   ports.PersistentStore
	Engine  *stream.Engine
	// Lister backs streams; CachedLister, when set, backs single JSON responses.
	Lister       ports.ResourceLister
	CachedLister ports.ResourceLister
	Recorder     *tracing.Recorder

	StreamOptions    stream.Options
	ExpensiveOptions stream.Options

	started time.Time
}

func NewHandler(configs *configstore.Store, store ports.PersistentStore, engine *stream.Engine, lister ports.ResourceLister) *Handler {
	return &Handler{
		Configs:          configs,
		Store:            store,
		Engine:           engine,
		Lister:           lister,
		StreamOptions:    stream.DefaultOptions(),
		ExpensiveOptions: stream.ExpensiveOptions(),
		started:          time.Now(),
	}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /ready", h.handleReady)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/clusters", h.handleListClusters)
	mux.HandleFunc("POST /api/clusters", h.handleAddCluster)
	mux.HandleFunc("GET /api/clusters/{id}", h.handleGetCluster)
	mux.HandleFunc("PUT /api/clusters/{id}", h.handleUpdateCluster)
	mux.HandleFunc("DELETE /api/clusters/{id}", h.handleDeleteCluster)

	mux.HandleFunc("GET /api/clusters/{id}/contexts/{context}/resources/{resource}", h.handleResources)
	mux.HandleFunc("GET /api/clusters/{id}/contexts/{context}/overview", h.handleOverview)

	mux.HandleFunc("GET /api/traces", h.handleQueryTraces)
	mux.HandleFunc("GET /api/traces/{id}", h.handleGetTrace)
	mux.HandleFunc("GET /api/streams", h.handleStreams)

	var root http.Handler = mux
	if h.Recorder != nil {
		root = h.Recorder.Middleware(root)
	}
	return cors(root)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	}); err != nil {
		http.Error(w, "failed to write response", http.StatusInternalServerError)
	}
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		if err := h.Store.HealthCheck(r.Context()); err != nil {
			log.WithError(err).Warn("Readiness check failed")
			_ = writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "message": err.Error()})
			return
		}
	}
	_ = writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) handleStreams(w http.ResponseWriter, r *http.Request) {
	conns := h.Engine.Registry().Snapshot()
	if conns == nil {
		conns = []stream.Connection{}
	}
	_ = writeJSON(w, http.StatusOK, conns)
}

// cors allows any origin. Event streams set the same header themselves.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeError maps the error category to a status code.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, types.ErrAuthorization):
		code = http.StatusForbidden
	}
	if code == http.StatusInternalServerError {
		log.WithError(err).Error("Request failed")
	}
	_ = writeJSON(w, code, map[string]any{"error": map[string]any{"message": err.Error(), "code": code}})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}
