package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/djlord-it/campus-lifecycle/internal/domain"
	"github.com/djlord-it/campus-lifecycle/internal/lifecycle"
	"github.com/djlord-it/campus-lifecycle/internal/status"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Lifecycle is the event write path.
type Lifecycle interface {
	Create(ctx context.Context, in lifecycle.CreateInput) (domain.Event, error)
	Get(ctx context.Context, id uuid.UUID) (domain.Event, error)
	UpdateTiming(ctx context.Context, id uuid.UUID, expectedVersion int64, timing domain.Timing) (domain.Event, error)
	Override(ctx context.Context, id uuid.UUID, expectedVersion int64, o lifecycle.Override) (domain.Event, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type StatusReader interface {
	Snapshot(ctx context.Context) (status.Snapshot, error)
	SchedulerStatus(ctx context.Context) (status.SchedulerStatus, error)
	ScheduledTriggers(ctx context.Context) (status.Schedule, error)
	RecentActivity(ctx context.Context, limit int) ([]status.Activity, error)
}

type AuditQuerier interface {
	Query(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditRecord, error)
}

// CalendarRenderer produces the iCalendar feed of upcoming triggers.
type CalendarRenderer interface {
	Render(ctx context.Context) (string, error)
}

// HealthChecker reports the health of one dependency for verbose /health.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	events   Lifecycle
	status   StatusReader
	audit    AuditQuerier
	calendar CalendarRenderer         // optional, nil = /triggers.ics disabled
	checks   map[string]HealthChecker // optional
	mux      *http.ServeMux
	log      zerolog.Logger
}

func NewHandler(events Lifecycle, statuses StatusReader, audit AuditQuerier) *Handler {
	h := &Handler{
		events: events,
		status: statuses,
		audit:  audit,
		checks: make(map[string]HealthChecker),
		mux:    http.NewServeMux(),
		log:    log.Logger.With().Str("component", "api").Logger(),
	}
	h.routes()
	return h
}

// WithCalendar enables GET /triggers.ics.
func (h *Handler) WithCalendar(c CalendarRenderer) *Handler {
	h.calendar = c
	return h
}

// WithHealthChecker adds a named component to verbose /health responses.
func (h *Handler) WithHealthChecker(name string, c HealthChecker) *Handler {
	h.checks[name] = c
	return h
}

func (h *Handler) routes() {
	h.mux.HandleFunc("GET /health", h.health)

	h.mux.HandleFunc("POST /events", h.createEvent)
	h.mux.HandleFunc("GET /events/{id}", h.getEvent)
	h.mux.HandleFunc("PUT /events/{id}/timing", h.updateTiming)
	h.mux.HandleFunc("POST /events/{id}/status", h.setStatus)
	h.mux.HandleFunc("DELETE /events/{id}", h.deleteEvent)

	h.mux.HandleFunc("GET /status", h.snapshot)
	h.mux.HandleFunc("GET /status/scheduler", h.schedulerStatus)
	h.mux.HandleFunc("GET /triggers", h.scheduledTriggers)
	h.mux.HandleFunc("GET /triggers.ics", h.triggerFeed)
	h.mux.HandleFunc("GET /activity", h.recentActivity)
	h.mux.HandleFunc("GET /audit", h.queryAudit)

	h.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"
	if !verbose || len(h.checks) == 0 {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string, len(h.checks)),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	for name, c := range h.checks {
		if err := c.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components[name] = "unhealthy: " + err.Error()
			continue
		}
		resp.Components[name] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

// writeServiceError maps a domain error to a status code. Anything
// unrecognised is logged and reported as a generic 500.
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	var cfgErr *domain.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		writeError(w, http.StatusBadRequest, cfgErr.Error())
	case errors.Is(err, lifecycle.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrEventNotFound):
		writeError(w, http.StatusNotFound, "event not found")
	case errors.Is(err, domain.ErrVersionConflict):
		writeError(w, http.StatusConflict, "event was modified concurrently; reload and retry")
	default:
		h.log.Error().Err(err).Str("op", op).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "api").Msg("json encode error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
