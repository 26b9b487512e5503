// Package httpapi exposes the exact HTTP surface of spec §6 over
// internal/dispatcher, using gorilla/mux for routing and gorilla/handlers
// for response compression — grounded on the teacher's
// internal/api/router.go subrouter-per-concern layout and its
// RequestID/Logging/Compression middleware ordering.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/calview/calview/internal/api/middleware"
	"github.com/calview/calview/internal/apperr"
	"github.com/calview/calview/internal/dispatcher"
)

// Readiness reports whether the long-running process has finished its
// startup sequence, backing the supplemented GET /ready endpoint.
type Readiness interface {
	Ready() bool
}

// StatusReporter is the subset of internal/scheduler.Scheduler the dashboard-
// adjacent /status endpoint reads; kept narrow and optional.
type StatusReporter interface {
	Status() []StatusEntry
}

// StatusEntry mirrors internal/scheduler.StatusEntry without importing
// that package, keeping httpapi decoupled beyond this narrow read.
type StatusEntry struct {
	ID             string    `json:"id"`
	CronExpression string    `json:"cronExpression"`
	NextRun        time.Time `json:"nextRun"`
}

// Router builds the full mux.Router for the service.
type Router struct {
	dispatcher  *dispatcher.Dispatcher
	readiness   Readiness
	status      StatusReporter
	logger      *slog.Logger
	metrics     http.Handler
	httpMetrics *middleware.HTTPMetrics
}

// New constructs a Router. readiness, status, metricsHandler, and
// httpMetrics may all be nil, in which case /ready, the status read,
// /metrics, and per-route request instrumentation are omitted or report a
// minimal body respectively.
func New(d *dispatcher.Dispatcher, readiness Readiness, status StatusReporter, metricsHandler http.Handler, httpMetrics *middleware.HTTPMetrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{dispatcher: d, readiness: readiness, status: status, metrics: metricsHandler, httpMetrics: httpMetrics, logger: logger}
}

// Handler builds the fully wrapped http.Handler: RequestID and gzip
// compression wrap the router outright; structured access logging and HTTP
// metrics are registered on the router itself via Use so both run after
// route matching and can label by route template instead of raw path.
func (r *Router) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", r.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", r.handleReady).Methods(http.MethodGet)
	if r.metrics != nil {
		router.Handle("/metrics", r.metrics).Methods(http.MethodGet)
	}
	if r.status != nil {
		router.HandleFunc("/status", r.handleStatus).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/{id}/fresh.{ext}", r.handleFresh).Methods(http.MethodGet)
	api.HandleFunc("/{id}/crc32-history", r.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/{id}.{ext}.crc32", r.handleChecksum).Methods(http.MethodGet)
	api.HandleFunc("/{id}.{ext}", r.handleImage).Methods(http.MethodGet)

	// Logging and metrics are registered via Use rather than wrapped around
	// router, so mux has already matched the route by the time they run and
	// mux.CurrentRoute resolves inside both (see normalizeEndpoint).
	router.Use(mux.MiddlewareFunc(middleware.LoggingMiddleware(r.logger)))
	if r.httpMetrics != nil {
		router.Use(mux.MiddlewareFunc(r.httpMetrics.Middleware))
	}

	var h http.Handler = router
	h = handlers.CompressHandler(h)
	h = middleware.RequestIDMiddleware(h)
	return h
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (r *Router) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.readiness != nil && !r.readiness.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.status.Status())
}

func (r *Router) handleImage(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	id, ext := vars["id"], vars["ext"]

	img, err := r.dispatcher.GetImage(req.Context(), id, ext)
	if err != nil {
		r.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("X-CRC32", img.CRC32)
	w.Header().Set(middleware.CacheStatusHeader, string(img.CacheStatus))
	if img.CacheStatus == dispatcher.CacheStatusHit {
		w.Header().Set(middleware.GeneratedAtHeader, img.GeneratedAt.UTC().Format(time.RFC3339))
	}
	writeImageBytes(w, img.Bytes)
}

func (r *Router) handleFresh(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	id, ext := vars["id"], vars["ext"]

	img, err := r.dispatcher.GetFreshImage(req.Context(), id, ext)
	if err != nil {
		r.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("X-CRC32", img.CRC32)
	w.Header().Set(middleware.CacheStatusHeader, "BYPASS")
	writeImageBytes(w, img.Bytes)
}

func (r *Router) handleChecksum(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	id, ext := vars["id"], vars["ext"]

	crc, err := r.dispatcher.GetChecksum(req.Context(), id, ext)
	if err != nil {
		r.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(crc)))
	_, _ = w.Write([]byte(crc))
}

func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]

	resp, err := r.dispatcher.GetHistory(id)
	if err != nil {
		r.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) writeError(w http.ResponseWriter, err error) {
	if ae, ok := apperr.As(err); ok {
		apperr.WriteHTTP(w, ae)
		return
	}
	r.logger.Error("unmapped error reached httpapi", "error", err)
	apperr.WriteHTTP(w, apperr.Wrap(apperr.KindTemplateFailed, "internal error", err))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeImageBytes(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
