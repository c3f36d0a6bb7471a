// Package api serves the daemon's read-only HTTP surface: health, status and
// windowed reports.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/msageha/artifactd/internal/logging"
	"github.com/msageha/artifactd/internal/monitor"
)

// DefaultWindow is the report range when a request names none.
const DefaultWindow = time.Hour

// Source is what the API reads from. Health returns a non-nil error while the
// daemon cannot make progress.
type Source interface {
	Health(ctx context.Context) error
	Snapshot(ctx context.Context) (any, error)
	Report(ctx context.Context, from, to time.Time) (monitor.Report, error)
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type handler struct {
	src Source
	log *logging.Logger
	now func() time.Time
}

// NewRouter builds the chi router for src.
func NewRouter(src Source, log *logging.Logger) http.Handler {
	h := &handler{src: src, log: log.With("api"), now: time.Now}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", h.health)
	r.Get("/status", h.status)
	r.Get("/report", h.report)
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.src.Health(r.Context()); err != nil {
		h.respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.src.Snapshot(r.Context())
	if err != nil {
		h.log.Warnf("status: %v", err)
		h.respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.respond(w, http.StatusOK, st)
}

func (h *handler) report(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, err := ParseRange(q.Get("window"), q.Get("from"), q.Get("to"), h.now())
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	rep, err := h.src.Report(r.Context(), from, to)
	if err != nil {
		h.log.Warnf("report: %v", err)
		h.respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.respond(w, http.StatusOK, rep)
}

// ParseRange resolves a report range. from/to (RFC 3339) win over window (a
// Go duration ending at now); with neither the last DefaultWindow is used.
// An open end defaults to now.
func ParseRange(window, from, to string, now time.Time) (time.Time, time.Time, error) {
	end := now
	if to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to: %w", err)
		}
		end = t
	}
	if from != "" {
		start, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from: %w", err)
		}
		if start.After(end) {
			return time.Time{}, time.Time{}, fmt.Errorf("from %s is after to %s", from, end.Format(time.RFC3339))
		}
		return start, end, nil
	}

	d := DefaultWindow
	if window != "" {
		var err error
		d, err = time.ParseDuration(window)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid window: %w", err)
		}
		if d <= 0 {
			return time.Time{}, time.Time{}, fmt.Errorf("window must be positive, got %s", window)
		}
	}
	return end.Add(-d), end, nil
}

func (h *handler) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warnf("encode response: %v", err)
	}
}

func (h *handler) respondError(w http.ResponseWriter, status int, msg string) {
	h.respond(w, status, ErrorResponse{Error: msg})
}
