// Package admin serves a small HTTP API for inspecting and terminating live
// sessions.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/acolita/tuibridge/internal/session"
)

// DefaultTerminateTimeout bounds how long DELETE /sessions/{id} waits for the
// session to end.
const DefaultTerminateTimeout = 10 * time.Second

type handler struct {
	registry *session.Registry
	logger   *slog.Logger
	timeout  time.Duration
	version  string
}

// Option configures the admin API.
type Option func(*handler)

// WithTerminateTimeout overrides DefaultTerminateTimeout.
func WithTerminateTimeout(d time.Duration) Option {
	return func(h *handler) { h.timeout = d }
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(h *handler) { h.version = v }
}

// NewRouter returns the admin API routes:
//
//	GET    /healthz
//	GET    /sessions
//	GET    /sessions/{id}
//	DELETE /sessions/{id}
func NewRouter(registry *session.Registry, logger *slog.Logger, opts ...Option) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{
		registry: registry,
		logger:   logger,
		timeout:  DefaultTerminateTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", h.health)
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.listSessions)
		r.Get("/{id}", h.getSession)
		r.Delete("/{id}", h.terminateSession)
	})
	return r
}

// NewServer wraps NewRouter in an http.Server listening on addr.
func NewServer(addr string, registry *session.Registry, logger *slog.Logger, opts ...Option) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(registry, logger, opts...),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":   "ok",
		"sessions": h.registry.Len(),
	}
	if h.version != "" {
		body["version"] = h.version
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	list := h.registry.List()
	infos := make([]session.Info, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, s.Info())
}

// terminateSession ends one session gracefully, escalating to a kill after
// its grace period. Other sessions are untouched.
func (h *handler) terminateSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, ok := h.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	h.logger.Info("terminating session via admin API", "session_id", id)
	if err := h.registry.Terminate(ctx, id); err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, "session did not end in time")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, s.Info())
}
