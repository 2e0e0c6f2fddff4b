package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/surveycron/internal/cron"
	"github.com/djlord-it/surveycron/internal/domain"
	"github.com/djlord-it/surveycron/internal/schedule"
	"github.com/djlord-it/surveycron/internal/store/memory"
	"github.com/djlord-it/surveycron/internal/testutil"
)

var apiNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestHandler(t *testing.T) (*Handler, *memory.Store) {
	t.Helper()
	store := memory.New()
	clock := testutil.NewFakeClock(apiNow)
	svc := schedule.New(store, cron.NewEvaluator(nil)).WithClock(clock.Now)
	return NewHandler(svc).WithClock(clock.Now), store
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const recurringBody = `{
	"cron_expression": "0 12 1 */6 *",
	"project_id": "proj-1",
	"strategy_id": "strat-1",
	"frequency_id": "freq-1",
	"patient_id": "pat-1"
}`

func TestCreateSchedule_Recurring(t *testing.T) {
	h, store := newTestHandler(t)

	rec := do(h, http.MethodPost, "/schedules", recurringBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	resp := decode[ScheduleResponse](t, rec)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "recurring", resp.Kind)
	assert.Equal(t, "2024-01-01T12:00:00Z", resp.NextExecution)
	assert.Equal(t, "active", resp.Status)
	assert.Equal(t, 1, resp.Offset)
	assert.False(t, resp.Leased)

	stored, err := store.GetByID(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 12 1 */6 *", stored.CronExpression)
}

func TestCreateSchedule_Immediate(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := do(h, http.MethodPost, "/schedules",
		`{"kind":"immediate","project_id":"p","strategy_id":"s","frequency_id":"f","patient_id":"x"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[ScheduleResponse](t, rec)
	assert.Equal(t, "immediate", resp.Kind)
	assert.Equal(t, "2024-01-01T00:01:00Z", resp.NextExecution)
	assert.Empty(t, resp.CronExpression)
}

func TestCreateSchedule_BadRequests(t *testing.T) {
	h, _ := newTestHandler(t)

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"invalid json", `{not json`, "invalid json"},
		{"missing fields", `{"cron_expression":"0 12 * * *"}`, "project_id is required"},
		{"bad cron", strings.Replace(recurringBody, "0 12 1 */6 *", "0 12X2 * * *", 1), "invalid cron_expression"},
		{"bad week modifier", strings.Replace(recurringBody, "0 12 1 */6 *", "0 12 * * 2X0", 1), "invalid cron_expression"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, http.MethodPost, "/schedules", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decode[ErrorResponse](t, rec).Error, tt.wantErr)
		})
	}
}

func TestCreateSchedule_BodyTooLarge(t *testing.T) {
	h, _ := newTestHandler(t)

	body := `{"project_id":"` + strings.Repeat("a", maxRequestBodySize) + `"}`
	rec := do(h, http.MethodPost, "/schedules", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

// failingService fails every call.
type failingService struct{}

var errBackend = errors.New("connection refused")

func (failingService) CreateRecurring(context.Context, schedule.CreateRecurringInput) (domain.ScheduleRecord, error) {
	return domain.ScheduleRecord{}, errBackend
}

func (failingService) CreateImmediate(context.Context, schedule.CreateImmediateInput) (domain.ScheduleRecord, error) {
	return domain.ScheduleRecord{}, errBackend
}

func (failingService) Get(context.Context, string) (domain.ScheduleRecord, error) {
	return domain.ScheduleRecord{}, errBackend
}

func (failingService) ListByProject(context.Context, string, int) ([]domain.ScheduleRecord, error) {
	return nil, errBackend
}

func (failingService) ListByStrategyPatient(context.Context, string, string, int) ([]domain.ScheduleRecord, error) {
	return nil, errBackend
}

func TestHandler_BackendErrorsAre500(t *testing.T) {
	h := NewHandler(failingService{})

	assert.Equal(t, http.StatusInternalServerError, do(h, http.MethodPost, "/schedules", recurringBody).Code)
	assert.Equal(t, http.StatusInternalServerError, do(h, http.MethodGet, "/schedules/abc", "").Code)
	assert.Equal(t, http.StatusInternalServerError, do(h, http.MethodGet, "/schedules?project_id=p", "").Code)
}

func TestGetSchedule(t *testing.T) {
	h, _ := newTestHandler(t)

	created := decode[ScheduleResponse](t, do(h, http.MethodPost, "/schedules", recurringBody))

	rec := do(h, http.MethodGet, "/schedules/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created, decode[ScheduleResponse](t, rec))

	rec = do(h, http.MethodGet, "/schedules/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(h, http.MethodGet, "/schedules/a/b", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSchedule_ShowsLease(t *testing.T) {
	h, store := newTestHandler(t)
	created := decode[ScheduleResponse](t, do(h, http.MethodPost, "/schedules", recurringBody))

	_, err := store.ConditionalUpdate(context.Background(), created.ID, domain.Always, func(r *domain.ScheduleRecord) {
		r.LeaseHolder = "worker-a"
		r.LeaseExpiresAt = apiNow.Add(time.Minute)
	})
	require.NoError(t, err)

	resp := decode[ScheduleResponse](t, do(h, http.MethodGet, "/schedules/"+created.ID, ""))
	assert.True(t, resp.Leased)
}

func TestListSchedules(t *testing.T) {
	h, _ := newTestHandler(t)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusCreated, do(h, http.MethodPost, "/schedules", recurringBody).Code)
	}

	rec := do(h, http.MethodGet, "/schedules?project_id=proj-1&limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[ListSchedulesResponse](t, rec).Schedules, 2)

	rec = do(h, http.MethodGet, "/schedules?strategy_id=strat-1&patient_id=pat-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[ListSchedulesResponse](t, rec).Schedules, 3)

	rec = do(h, http.MethodGet, "/schedules?project_id=other", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[ListSchedulesResponse](t, rec).Schedules)

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/schedules", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/schedules?project_id=p&limit=5000", "").Code)
}

// mockHealthChecker implements HealthChecker for handler tests.
type mockHealthChecker struct {
	mu  sync.Mutex
	err error
}

func (m *mockHealthChecker) PingContext(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func TestHealth(t *testing.T) {
	db := &mockHealthChecker{}
	h, _ := newTestHandler(t)
	h.WithHealthChecker("database", db).
		WithHealthChecker("redis", PingFunc(func(context.Context) error { return nil }))

	rec := do(h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, HealthResponse{Status: "ok"}, decode[HealthResponse](t, rec))

	rec = do(h, http.MethodGet, "/health?verbose=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Components["database"])
	assert.Equal(t, "healthy", resp.Components["redis"])

	db.mu.Lock()
	db.err = errors.New("connection refused")
	db.mu.Unlock()

	rec = do(h, http.MethodGet, "/health?verbose=true", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp = decode[HealthResponse](t, rec)
	assert.Equal(t, "degraded", resp.Status)
	assert.Contains(t, resp.Components["database"], "unhealthy")
}

// mockCounter returns fixed counts per reason.
type mockCounter struct {
	counts map[domain.OutcomeReason]int64
	days   []time.Time
	err    error
}

func (c *mockCounter) Count(_ context.Context, _ string, reason domain.OutcomeReason, day time.Time) (int64, error) {
	c.days = append(c.days, day)
	return c.counts[reason], c.err
}

func TestProjectOutcomes(t *testing.T) {
	h, _ := newTestHandler(t)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/projects/proj-1/outcomes", "").Code, "disabled without a counter")

	counter := &mockCounter{counts: map[domain.OutcomeReason]int64{domain.ReasonDelivered: 7, domain.ReasonPatientInactive: 2}}
	h.WithOutcomeCounter(counter)

	rec := do(h, http.MethodGet, "/projects/proj-1/outcomes?date=2024-01-16", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[OutcomesResponse](t, rec)
	assert.Equal(t, "proj-1", resp.ProjectID)
	assert.Equal(t, "2024-01-16", resp.Date)
	assert.Equal(t, int64(7), resp.Counts["delivered"])
	assert.Equal(t, int64(2), resp.Counts["patient_inactive"])
	assert.Equal(t, int64(0), resp.Counts["store_error"])
	assert.Equal(t, time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC), counter.days[0])

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/projects/proj-1/outcomes?date=16-01-2024", "").Code)

	counter.err = errors.New("redis down")
	assert.Equal(t, http.StatusInternalServerError, do(h, http.MethodGet, "/projects/proj-1/outcomes", "").Code)
}

func TestHandler_UnknownRoute(t *testing.T) {
	h, _ := newTestHandler(t)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodDelete, "/schedules/abc", "").Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/jobs", "").Code)
}
