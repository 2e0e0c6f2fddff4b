package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/djlord-it/surveycron/internal/cron"
	"github.com/djlord-it/surveycron/internal/domain"
	"github.com/djlord-it/surveycron/internal/schedule"
)

// Listing defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

type Service interface {
	CreateRecurring(ctx context.Context, in schedule.CreateRecurringInput) (domain.ScheduleRecord, error)
	CreateImmediate(ctx context.Context, in schedule.CreateImmediateInput) (domain.ScheduleRecord, error)
	Get(ctx context.Context, id string) (domain.ScheduleRecord, error)
	ListByProject(ctx context.Context, projectID string, limit int) ([]domain.ScheduleRecord, error)
	ListByStrategyPatient(ctx context.Context, strategyID, patientID string, limit int) ([]domain.ScheduleRecord, error)
}

// HealthChecker reports the health of one dependency for verbose /health.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// OutcomeCounter reads the per-project firing outcome counters.
type OutcomeCounter interface {
	Count(ctx context.Context, projectID string, reason domain.OutcomeReason, day time.Time) (int64, error)
}

// PingFunc adapts a plain function to HealthChecker.
type PingFunc func(ctx context.Context) error

func (f PingFunc) PingContext(ctx context.Context) error { return f(ctx) }

var outcomeReasons = []domain.OutcomeReason{
	domain.ReasonDelivered,
	domain.ReasonPatientInactive,
	domain.ReasonPatientNotFound,
	domain.ReasonCompleted,
	domain.ReasonDeliveryFailed,
	domain.ReasonLookupFailed,
	domain.ReasonStoreError,
}

type Handler struct {
	service  Service
	checks   map[string]HealthChecker
	outcomes OutcomeCounter // optional, nil = endpoint disabled
	clock    func() time.Time
	logger   zerolog.Logger
}

func NewHandler(service Service) *Handler {
	return &Handler{
		service: service,
		checks:  make(map[string]HealthChecker),
		clock:   time.Now,
		logger:  zerolog.Nop(),
	}
}

// WithHealthChecker registers a named dependency for verbose /health responses.
func (h *Handler) WithHealthChecker(name string, c HealthChecker) *Handler {
	h.checks[name] = c
	return h
}

func (h *Handler) WithOutcomeCounter(c OutcomeCounter) *Handler {
	h.outcomes = c
	return h
}

// WithClock overrides the time source. Used in tests.
func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	return h
}

func (h *Handler) WithLogger(logger zerolog.Logger) *Handler {
	h.logger = logger
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/schedules" && r.Method == http.MethodPost:
		h.createSchedule(w, r)

	case path == "/schedules" && r.Method == http.MethodGet:
		h.listSchedules(w, r)

	case strings.HasPrefix(path, "/schedules/") && r.Method == http.MethodGet:
		h.getSchedule(w, r)

	case strings.HasPrefix(path, "/projects/") && strings.HasSuffix(path, "/outcomes") && r.Method == http.MethodGet:
		h.projectOutcomes(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
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
		if err := c.PingContext(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components[name] = "unhealthy: " + err.Error()
		} else {
			resp.Components[name] = "healthy"
		}
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req CreateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := validateCreateSchedule(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	refs := schedule.Refs{
		ProjectID:   req.ProjectID,
		StrategyID:  req.StrategyID,
		FrequencyID: req.FrequencyID,
		PatientID:   req.PatientID,
	}

	var (
		rec domain.ScheduleRecord
		err error
	)
	if req.Kind == KindImmediate {
		rec, err = h.service.CreateImmediate(r.Context(), schedule.CreateImmediateInput{
			Refs:   refs,
			Status: domain.Status(req.Status),
		})
	} else {
		rec, err = h.service.CreateRecurring(r.Context(), schedule.CreateRecurringInput{
			Refs:           refs,
			CronExpression: req.CronExpression,
			Kind:           domain.KindRecurring,
			Offset:         req.Offset,
			Status:         domain.Status(req.Status),
		})
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, toScheduleResponse(rec, h.clock()))
	case errors.Is(err, cron.ErrInvalidExpression):
		writeError(w, http.StatusBadRequest, "invalid cron_expression: "+err.Error())
	case errors.Is(err, schedule.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error().Err(err).Msg("api: create schedule error")
		writeError(w, http.StatusInternalServerError, "failed to create schedule")
	}
}

func (h *Handler) getSchedule(w http.ResponseWriter, r *http.Request) {
	// Extract schedule ID from path: /schedules/{id}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 2 || parts[1] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	rec, err := h.service.Get(r.Context(), parts[1])
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toScheduleResponse(rec, h.clock()))
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "schedule not found")
	default:
		h.logger.Error().Err(err).Str("schedule_id", parts[1]).Msg("api: get schedule error")
		writeError(w, http.StatusInternalServerError, "failed to get schedule")
	}
}

// listSchedules serves GET /schedules?project_id=... or
// GET /schedules?strategy_id=...&patient_id=...
func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	var recs []domain.ScheduleRecord
	switch {
	case q.Get("project_id") != "":
		recs, err = h.service.ListByProject(r.Context(), q.Get("project_id"), limit)
	case q.Get("strategy_id") != "" && q.Get("patient_id") != "":
		recs, err = h.service.ListByStrategyPatient(r.Context(), q.Get("strategy_id"), q.Get("patient_id"), limit)
	default:
		writeError(w, http.StatusBadRequest, "project_id or strategy_id and patient_id are required")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("api: list schedules error")
		writeError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}

	now := h.clock()
	resp := ListSchedulesResponse{Schedules: make([]ScheduleResponse, len(recs))}
	for i, rec := range recs {
		resp.Schedules[i] = toScheduleResponse(rec, now)
	}
	writeJSON(w, http.StatusOK, resp)
}

// projectOutcomes serves GET /projects/{id}/outcomes?date=YYYY-MM-DD.
func (h *Handler) projectOutcomes(w http.ResponseWriter, r *http.Request) {
	if h.outcomes == nil {
		writeError(w, http.StatusNotFound, "analytics disabled")
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[1] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	projectID := parts[1]

	day := h.clock().UTC()
	if s := r.URL.Query().Get("date"); s != "" {
		d, err := time.Parse("2006-01-02", s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		day = d
	}

	resp := OutcomesResponse{
		ProjectID: projectID,
		Date:      day.Format("2006-01-02"),
		Counts:    make(map[string]int64, len(outcomeReasons)),
	}
	for _, reason := range outcomeReasons {
		n, err := h.outcomes.Count(r.Context(), projectID, reason, day)
		if err != nil {
			h.logger.Error().Err(err).Str("project_id", projectID).Msg("api: outcome count error")
			writeError(w, http.StatusInternalServerError, "failed to read outcomes")
			return
		}
		resp.Counts[string(reason)] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parseLimit reads ?limit=. Absent or 0 means DefaultLimit.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" || raw == "0" {
		return DefaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	switch {
	case err != nil || n < 0:
		return 0, fmt.Errorf("limit must be a non-negative integer, got %q", raw)
	case n > MaxLimit:
		return 0, fmt.Errorf("limit exceeds maximum of %d", MaxLimit)
	}
	return n, nil
}
