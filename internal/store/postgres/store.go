package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/djlord-it/surveycron/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Store is the Postgres-backed schedule store and collaborator read model.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// New creates a new PostgreSQL store. opTimeout bounds every statement; zero disables it.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// Insert writes a new schedule record with its sort keys.
// Returns domain.ErrConflict if the id already exists.
func (s *Store) Insert(ctx context.Context, rec domain.ScheduleRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	keys := rec.SortKeys()
	_, err := s.db.ExecContext(ctx, queryInsertSchedule,
		rec.ID,
		rec.ProjectID,
		rec.StrategyID,
		rec.FrequencyID,
		rec.PatientID,
		string(rec.Kind),
		rec.CronExpression,
		domain.FormatTimestamp(rec.NextExecution),
		rec.Offset,
		rec.ExecutionCount,
		string(rec.Status),
		rec.LeaseHolder,
		domain.FormatTimestamp(rec.LeaseExpiresAt),
		keys.Project,
		keys.Due,
		keys.Admin,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// GetByID returns the record or domain.ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id string) (domain.ScheduleRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rec, err := scanSchedule(s.db.QueryRowContext(ctx, queryGetScheduleByID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduleRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ScheduleRecord{}, fmt.Errorf("get schedule %s: %w", id, err)
	}
	return rec, nil
}

// QueryDue returns active records due at or before before, earliest first.
func (s *Store) QueryDue(ctx context.Context, before time.Time, limit int) ([]domain.ScheduleRecord, error) {
	return s.querySchedules(ctx, queryDueSchedules,
		domain.DueKeyLowerBound(), domain.DueKeyUpperBound(before), limit)
}

// ConditionalUpdate reads the record, checks cond against it, applies mutate
// and writes the result only if the row version is unchanged.
//
// Returns domain.ErrConflict when cond fails or the row moved underneath us,
// domain.ErrNotFound when the record does not exist.
func (s *Store) ConditionalUpdate(ctx context.Context, id string, cond domain.Precondition, mutate domain.Mutation) (domain.ScheduleRecord, error) {
	current, err := s.GetByID(ctx, id)
	if err != nil {
		return domain.ScheduleRecord{}, err
	}
	if !cond(current) {
		return domain.ScheduleRecord{}, domain.ErrConflict
	}

	next := current
	mutate(&next)
	next.ID = current.ID

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	keys := next.SortKeys()
	result, err := s.db.ExecContext(ctx, queryConditionalUpdate,
		current.ID,
		current.Version,
		next.ProjectID,
		next.StrategyID,
		next.FrequencyID,
		next.PatientID,
		string(next.Kind),
		next.CronExpression,
		domain.FormatTimestamp(next.NextExecution),
		next.Offset,
		next.ExecutionCount,
		string(next.Status),
		next.LeaseHolder,
		domain.FormatTimestamp(next.LeaseExpiresAt),
		keys.Project,
		keys.Due,
		keys.Admin,
		next.UpdatedAt,
	)
	if err != nil {
		return domain.ScheduleRecord{}, fmt.Errorf("update schedule %s: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return domain.ScheduleRecord{}, err
	}
	if rowsAffected == 0 {
		return domain.ScheduleRecord{}, domain.ErrConflict
	}

	next.Version = current.Version + 1
	return next, nil
}

// ListByProject returns a project's schedules ordered by id.
func (s *Store) ListByProject(ctx context.Context, projectID string, limit int) ([]domain.ScheduleRecord, error) {
	return s.querySchedules(ctx, queryListByProject, projectID+"#", limit)
}

// ListByStrategyPatient returns the schedules of one patient under one strategy.
func (s *Store) ListByStrategyPatient(ctx context.Context, strategyID, patientID string, limit int) ([]domain.ScheduleRecord, error) {
	return s.querySchedules(ctx, queryListByStrategyPatient, strategyID+"#"+patientID+"#", limit)
}

// ListExpiredLeases returns records whose lease expired before olderThan, oldest first.
func (s *Store) ListExpiredLeases(ctx context.Context, olderThan time.Time, limit int) ([]domain.ScheduleRecord, error) {
	return s.querySchedules(ctx, queryListExpiredLeases, domain.FormatTimestamp(olderThan), limit)
}

func (s *Store) querySchedules(ctx context.Context, query string, args ...any) ([]domain.ScheduleRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.ScheduleRecord
	for rows.Next() {
		rec, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (domain.ScheduleRecord, error) {
	var rec domain.ScheduleRecord
	var kind, status, nextExecution, leaseExpiresAt string

	err := row.Scan(
		&rec.ID,
		&rec.ProjectID,
		&rec.StrategyID,
		&rec.FrequencyID,
		&rec.PatientID,
		&kind,
		&rec.CronExpression,
		&nextExecution,
		&rec.Offset,
		&rec.ExecutionCount,
		&status,
		&rec.LeaseHolder,
		&leaseExpiresAt,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return domain.ScheduleRecord{}, err
	}

	rec.Kind = domain.Kind(kind)
	rec.Status = domain.Status(status)
	if rec.NextExecution, err = domain.ParseTimestamp(nextExecution); err != nil {
		return domain.ScheduleRecord{}, fmt.Errorf("schedule %s: next_execution: %w", rec.ID, err)
	}
	if rec.LeaseExpiresAt, err = domain.ParseTimestamp(leaseExpiresAt); err != nil {
		return domain.ScheduleRecord{}, fmt.Errorf("schedule %s: lease_expires_at: %w", rec.ID, err)
	}
	return rec, nil
}

// ReadPatient returns a patient snapshot or domain.ErrNotFound.
func (s *Store) ReadPatient(ctx context.Context, projectID, patientID string) (domain.Patient, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var p domain.Patient
	err := s.db.QueryRowContext(ctx, queryGetPatient, projectID, patientID).Scan(
		&p.ID,
		&p.ProjectID,
		&p.Email,
		&p.Phone,
		&p.Language,
		&p.IsActive,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Patient{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Patient{}, fmt.Errorf("read patient %s/%s: %w", projectID, patientID, err)
	}
	return p, nil
}

// ReadFrequency returns a frequency with its termination condition or domain.ErrNotFound.
func (s *Store) ReadFrequency(ctx context.Context, strategyID, frequencyID string) (domain.Frequency, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var f domain.Frequency
	var kind string
	var occurrences int
	var date sql.NullTime

	err := s.db.QueryRowContext(ctx, queryGetFrequency, strategyID, frequencyID).Scan(
		&f.ID,
		&f.StrategyID,
		&kind,
		&occurrences,
		&date,
		pq.Array(&f.SurveyIDs),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Frequency{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Frequency{}, fmt.Errorf("read frequency %s/%s: %w", strategyID, frequencyID, err)
	}

	switch domain.TerminationKind(kind) {
	case domain.TerminateAfterOccurrences:
		f.Termination = domain.AfterOccurrences(occurrences)
	case domain.TerminateAfterDate:
		if !date.Valid {
			return domain.Frequency{}, fmt.Errorf("frequency %s/%s: after_date without termination_date", strategyID, frequencyID)
		}
		f.Termination = domain.AfterDate(date.Time)
	default:
		f.Termination = domain.Never()
	}
	return f, nil
}

// ReadProject returns a project or domain.ErrNotFound.
func (s *Store) ReadProject(ctx context.Context, projectID string) (domain.Project, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var p domain.Project
	err := s.db.QueryRowContext(ctx, queryGetProject, projectID).Scan(&p.ID, &p.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Project{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Project{}, fmt.Errorf("read project %s: %w", projectID, err)
	}
	return p, nil
}

// isUniqueViolation checks if the error is a PostgreSQL unique violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
