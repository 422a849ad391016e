// Package api exposes the sync engine's status surface over HTTP for the
// terminal UI and for operators.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	possync "github.com/tillworks/possync"
)

// NewRouter builds the HTTP surface around a running service:
//
//	GET  /healthz        liveness
//	GET  /status         connectivity and queue counters
//	GET  /state          queue-derived sync state
//	GET  /queue/failed   terminally failed operations
//	POST /sync           force a drain, reporting a terminal outcome
func NewRouter(service *possync.Service, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{service: service, logger: logger.With(slog.String("component", "api"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", h.healthz)
	r.Get("/status", h.status)
	r.Get("/state", h.state)
	r.Get("/queue/failed", h.failed)
	r.Post("/sync", h.forceSync)
	return r
}

type handler struct {
	service *possync.Service
	logger  *slog.Logger
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Status())
}

func (h *handler) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.State())
}

func (h *handler) failed(w http.ResponseWriter, r *http.Request) {
	ops, err := h.service.FailedOperations(r.Context())
	if err != nil {
		h.logger.Error("failed-operations lookup failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if ops == nil {
		ops = []*possync.QueuedOperation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

func (h *handler) forceSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ForceSyncNow(r.Context())
	if err != nil {
		h.logger.Error("forced sync failed", slog.Any("error", err))
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":  err.Error(),
			"result": result,
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
