package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/surveycron/internal/domain"
)

var scheduleColumnNames = []string{
	"id", "project_id", "strategy_id", "frequency_id", "patient_id",
	"kind", "cron_expression", "next_execution", "schedule_offset", "execution_count",
	"status", "lease_holder", "lease_expires_at", "version",
	"created_at", "updated_at",
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, time.Second), mock
}

func sampleRecord() domain.ScheduleRecord {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return domain.ScheduleRecord{
		ID:             "sched-1",
		ProjectID:      "proj-1",
		StrategyID:     "strat-1",
		FrequencyID:    "freq-1",
		PatientID:      "pat-1",
		Kind:           domain.KindRecurring,
		CronExpression: "0 12 * * 2X2",
		NextExecution:  time.Date(2024, 1, 16, 12, 0, 0, 0, time.UTC),
		Offset:         1,
		ExecutionCount: 3,
		Status:         domain.StatusActive,
		Version:        4,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func rowsFor(recs ...domain.ScheduleRecord) *sqlmock.Rows {
	rows := sqlmock.NewRows(scheduleColumnNames)
	for _, rec := range recs {
		rows.AddRow(
			rec.ID, rec.ProjectID, rec.StrategyID, rec.FrequencyID, rec.PatientID,
			string(rec.Kind), rec.CronExpression, domain.FormatTimestamp(rec.NextExecution),
			int64(rec.Offset), int64(rec.ExecutionCount),
			string(rec.Status), rec.LeaseHolder, domain.FormatTimestamp(rec.LeaseExpiresAt), rec.Version,
			rec.CreatedAt, rec.UpdatedAt,
		)
	}
	return rows
}

func TestStore_Insert(t *testing.T) {
	s, mock := newMockStore(t)
	rec := sampleRecord()
	keys := rec.SortKeys()

	mock.ExpectExec(queryInsertSchedule).
		WithArgs(
			rec.ID, rec.ProjectID, rec.StrategyID, rec.FrequencyID, rec.PatientID,
			"recurring", rec.CronExpression, "2024-01-16T12:00:00.000Z",
			rec.Offset, rec.ExecutionCount, "active", "", "",
			keys.Project, keys.Due, keys.Admin,
			rec.CreatedAt, rec.UpdatedAt,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Insert(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Insert_DuplicateIsConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(queryInsertSchedule).
		WillReturnError(&pq.Error{Code: uniqueViolation, Message: "duplicate key value"})

	err := s.Insert(context.Background(), sampleRecord())
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestStore_Insert_OtherErrorWrapped(t *testing.T) {
	s, mock := newMockStore(t)
	boom := errors.New("connection reset")

	mock.ExpectExec(queryInsertSchedule).WillReturnError(boom)

	err := s.Insert(context.Background(), sampleRecord())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, domain.ErrConflict)
}

func TestStore_GetByID(t *testing.T) {
	s, mock := newMockStore(t)
	rec := sampleRecord()
	rec.LeaseHolder = "worker-a"
	rec.LeaseExpiresAt = time.Date(2024, 1, 16, 12, 2, 0, 0, time.UTC)

	mock.ExpectQuery(queryGetScheduleByID).WithArgs(rec.ID).WillReturnRows(rowsFor(rec))

	got, err := s.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestStore_GetByID_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(queryGetScheduleByID).WithArgs("missing").WillReturnError(sql.ErrNoRows)

	_, err := s.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_QueryDue_UsesDueKeyRange(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2024, 1, 16, 12, 0, 30, 0, time.UTC)
	rec := sampleRecord()

	mock.ExpectQuery(queryDueSchedules).
		WithArgs("active#", "active#2024-01-16T12:00:30.000Z#\uffff", 50).
		WillReturnRows(rowsFor(rec))

	got, err := s.QueryDue(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec.ID, got[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ConditionalUpdate_Applies(t *testing.T) {
	s, mock := newMockStore(t)
	rec := sampleRecord()
	updatedAt := time.Date(2024, 1, 16, 12, 0, 5, 0, time.UTC)

	want := rec
	want.LeaseHolder = "worker-a"
	want.LeaseExpiresAt = updatedAt.Add(2 * time.Minute)
	want.UpdatedAt = updatedAt
	keys := want.SortKeys()

	mock.ExpectQuery(queryGetScheduleByID).WithArgs(rec.ID).WillReturnRows(rowsFor(rec))
	mock.ExpectExec(queryConditionalUpdate).
		WithArgs(
			rec.ID, rec.Version,
			rec.ProjectID, rec.StrategyID, rec.FrequencyID, rec.PatientID,
			"recurring", rec.CronExpression, "2024-01-16T12:00:00.000Z",
			rec.Offset, rec.ExecutionCount, "active",
			"worker-a", "2024-01-16T12:02:05.000Z",
			keys.Project, keys.Due, keys.Admin,
			updatedAt,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, err := s.ConditionalUpdate(context.Background(), rec.ID,
		func(cur domain.ScheduleRecord) bool { return cur.LeaseHolder == "" },
		func(r *domain.ScheduleRecord) {
			r.LeaseHolder = "worker-a"
			r.LeaseExpiresAt = updatedAt.Add(2 * time.Minute)
			r.UpdatedAt = updatedAt
		})
	require.NoError(t, err)
	assert.Equal(t, rec.Version+1, got.Version)
	assert.Equal(t, "worker-a", got.LeaseHolder)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ConditionalUpdate_PreconditionFails(t *testing.T) {
	s, mock := newMockStore(t)
	rec := sampleRecord()

	mock.ExpectQuery(queryGetScheduleByID).WithArgs(rec.ID).WillReturnRows(rowsFor(rec))

	_, err := s.ConditionalUpdate(context.Background(), rec.ID,
		func(domain.ScheduleRecord) bool { return false },
		func(r *domain.ScheduleRecord) { t.Fatal("mutation must not run") })
	assert.ErrorIs(t, err, domain.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ConditionalUpdate_VersionMovedIsConflict(t *testing.T) {
	s, mock := newMockStore(t)
	rec := sampleRecord()

	mock.ExpectQuery(queryGetScheduleByID).WithArgs(rec.ID).WillReturnRows(rowsFor(rec))
	mock.ExpectExec(queryConditionalUpdate).WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := s.ConditionalUpdate(context.Background(), rec.ID, domain.Always,
		func(r *domain.ScheduleRecord) { r.ExecutionCount++ })
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestStore_ConditionalUpdate_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(queryGetScheduleByID).WithArgs("missing").WillReturnError(sql.ErrNoRows)

	_, err := s.ConditionalUpdate(context.Background(), "missing", domain.Always,
		func(*domain.ScheduleRecord) {})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_ConditionalUpdate_IDIsImmutable(t *testing.T) {
	s, mock := newMockStore(t)
	rec := sampleRecord()

	mock.ExpectQuery(queryGetScheduleByID).WithArgs(rec.ID).WillReturnRows(rowsFor(rec))
	mock.ExpectExec(queryConditionalUpdate).WillReturnResult(sqlmock.NewResult(0, 1))

	got, err := s.ConditionalUpdate(context.Background(), rec.ID, domain.Always,
		func(r *domain.ScheduleRecord) { r.ID = "hijacked" })
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
}

func TestStore_ListByProject(t *testing.T) {
	s, mock := newMockStore(t)
	rec := sampleRecord()

	mock.ExpectQuery(queryListByProject).WithArgs("proj-1#", 10).WillReturnRows(rowsFor(rec))

	got, err := s.ListByProject(context.Background(), "proj-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestStore_ListByStrategyPatient(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(queryListByStrategyPatient).
		WithArgs("strat-1#pat-1#", 10).
		WillReturnRows(sqlmock.NewRows(scheduleColumnNames))

	got, err := s.ListByStrategyPatient(context.Background(), "strat-1", "pat-1", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_ListExpiredLeases(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Date(2024, 1, 16, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(queryListExpiredLeases).
		WithArgs("2024-01-16T12:00:00.000Z", 25).
		WillReturnRows(sqlmock.NewRows(scheduleColumnNames))

	_, err := s.ListExpiredLeases(context.Background(), cutoff, 25)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ReadPatient(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(queryGetPatient).
		WithArgs("proj-1", "pat-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "email", "phone", "language", "is_active"}).
			AddRow("pat-1", "proj-1", "p@example.com", "+15550100", "en", false))

	p, err := s.ReadPatient(context.Background(), "proj-1", "pat-1")
	require.NoError(t, err)
	assert.Equal(t, "p@example.com", p.Email)
	assert.False(t, p.IsActive)
}

func TestStore_ReadPatient_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(queryGetPatient).WithArgs("proj-1", "ghost").WillReturnError(sql.ErrNoRows)

	_, err := s.ReadPatient(context.Background(), "proj-1", "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_ReadFrequency(t *testing.T) {
	columns := []string{"id", "strategy_id", "termination_kind", "termination_occurrences", "termination_date", "survey_ids"}
	until := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		row  []driver.Value
		want domain.TerminationCondition
	}{
		{"never", []driver.Value{"freq-1", "strat-1", "never", int64(0), nil, "{s1,s2}"}, domain.Never()},
		{"after occurrences", []driver.Value{"freq-1", "strat-1", "after_occurrences", int64(3), nil, "{s1}"}, domain.AfterOccurrences(3)},
		{"after date", []driver.Value{"freq-1", "strat-1", "after_date", int64(0), until, "{s1}"}, domain.AfterDate(until)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			mock.ExpectQuery(queryGetFrequency).
				WithArgs("strat-1", "freq-1").
				WillReturnRows(sqlmock.NewRows(columns).AddRow(tt.row...))

			f, err := s.ReadFrequency(context.Background(), "strat-1", "freq-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Termination)
			assert.NotEmpty(t, f.SurveyIDs)
		})
	}
}

func TestStore_ReadFrequency_AfterDateWithoutDate(t *testing.T) {
	s, mock := newMockStore(t)
	columns := []string{"id", "strategy_id", "termination_kind", "termination_occurrences", "termination_date", "survey_ids"}

	mock.ExpectQuery(queryGetFrequency).
		WithArgs("strat-1", "freq-1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("freq-1", "strat-1", "after_date", int64(0), nil, "{}"))

	_, err := s.ReadFrequency(context.Background(), "strat-1", "freq-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_ReadProject(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(queryGetProject).
		WithArgs("proj-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow("proj-1", "Cardiology follow-up"))

	p, err := s.ReadProject(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "Cardiology follow-up", p.Name)
}
