// Package schedule creates schedule records with their first due time
// pre-computed, and serves them back for inspection.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/djlord-it/surveycron/internal/domain"
)

// ErrInvalidInput is returned for missing references or out-of-range fields.
// Malformed cron expressions return cron.ErrInvalidExpression instead.
var ErrInvalidInput = errors.New("invalid schedule input")

type Store interface {
	Insert(ctx context.Context, rec domain.ScheduleRecord) error
	GetByID(ctx context.Context, id string) (domain.ScheduleRecord, error)
	ListByProject(ctx context.Context, projectID string, limit int) ([]domain.ScheduleRecord, error)
	ListByStrategyPatient(ctx context.Context, strategyID, patientID string, limit int) ([]domain.ScheduleRecord, error)
}

type Evaluator interface {
	NextOccurrence(expr string, after time.Time) (time.Time, error)
}

// Refs identifies who and what a schedule is for.
type Refs struct {
	ProjectID   string
	StrategyID  string
	FrequencyID string
	PatientID   string
}

type CreateRecurringInput struct {
	Refs
	CronExpression string
	Kind           domain.Kind   // empty means Recurring, the only kind accepted here
	Offset         int           // 0 means 1
	Status         domain.Status // empty means Active
}

type CreateImmediateInput struct {
	Refs
	Status domain.Status // empty means Active
}

type Service struct {
	store     Store
	evaluator Evaluator
	newID     func() string
	clock     func() time.Time
	logger    zerolog.Logger
}

func New(store Store, evaluator Evaluator) *Service {
	return &Service{
		store:     store,
		evaluator: evaluator,
		newID:     uuid.NewString,
		clock:     time.Now,
		logger:    zerolog.Nop(),
	}
}

// WithClock overrides the time source. Used in tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) WithLogger(logger zerolog.Logger) *Service {
	s.logger = logger
	return s
}

// CreateRecurring validates the expression and stores an active record due
// at its first occurrence after now.
func (s *Service) CreateRecurring(ctx context.Context, in CreateRecurringInput) (domain.ScheduleRecord, error) {
	if err := in.Refs.validate(); err != nil {
		return domain.ScheduleRecord{}, err
	}
	if in.Kind != "" && in.Kind != domain.KindRecurring {
		return domain.ScheduleRecord{}, fmt.Errorf("%w: kind %q cannot be created as recurring", ErrInvalidInput, in.Kind)
	}
	if in.Offset < 0 {
		return domain.ScheduleRecord{}, fmt.Errorf("%w: offset must not be negative", ErrInvalidInput)
	}
	status, err := resolveStatus(in.Status)
	if err != nil {
		return domain.ScheduleRecord{}, err
	}

	now := s.now()
	next, err := s.evaluator.NextOccurrence(in.CronExpression, now)
	if err != nil {
		return domain.ScheduleRecord{}, err
	}

	offset := in.Offset
	if offset == 0 {
		offset = 1
	}

	rec := s.newRecord(in.Refs, now)
	rec.Kind = domain.KindRecurring
	rec.CronExpression = in.CronExpression
	rec.NextExecution = next
	rec.Offset = offset
	rec.Status = status
	return s.insert(ctx, rec)
}

// CreateImmediate stores a one-shot record due ImmediateDelay from now.
func (s *Service) CreateImmediate(ctx context.Context, in CreateImmediateInput) (domain.ScheduleRecord, error) {
	if err := in.Refs.validate(); err != nil {
		return domain.ScheduleRecord{}, err
	}
	status, err := resolveStatus(in.Status)
	if err != nil {
		return domain.ScheduleRecord{}, err
	}

	now := s.now()
	rec := s.newRecord(in.Refs, now)
	rec.Kind = domain.KindImmediate
	rec.NextExecution = now.Add(domain.ImmediateDelay)
	rec.Offset = 1
	rec.Status = status
	return s.insert(ctx, rec)
}

func (s *Service) Get(ctx context.Context, id string) (domain.ScheduleRecord, error) {
	return s.store.GetByID(ctx, id)
}

func (s *Service) ListByProject(ctx context.Context, projectID string, limit int) ([]domain.ScheduleRecord, error) {
	return s.store.ListByProject(ctx, projectID, limit)
}

func (s *Service) ListByStrategyPatient(ctx context.Context, strategyID, patientID string, limit int) ([]domain.ScheduleRecord, error) {
	return s.store.ListByStrategyPatient(ctx, strategyID, patientID, limit)
}

// now is truncated to the persisted precision so stored and returned records agree.
func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Millisecond)
}

func (s *Service) newRecord(refs Refs, now time.Time) domain.ScheduleRecord {
	return domain.ScheduleRecord{
		ID:          s.newID(),
		ProjectID:   refs.ProjectID,
		StrategyID:  refs.StrategyID,
		FrequencyID: refs.FrequencyID,
		PatientID:   refs.PatientID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s *Service) insert(ctx context.Context, rec domain.ScheduleRecord) (domain.ScheduleRecord, error) {
	if err := s.store.Insert(ctx, rec); err != nil {
		return domain.ScheduleRecord{}, fmt.Errorf("insert schedule: %w", err)
	}
	rec.Version = 1

	s.logger.Info().
		Str("schedule_id", rec.ID).
		Str("kind", string(rec.Kind)).
		Str("project_id", rec.ProjectID).
		Time("next_execution", rec.NextExecution).
		Msg("schedule: created")
	return rec, nil
}

func (r Refs) validate() error {
	switch {
	case r.ProjectID == "":
		return fmt.Errorf("%w: project_id is required", ErrInvalidInput)
	case r.StrategyID == "":
		return fmt.Errorf("%w: strategy_id is required", ErrInvalidInput)
	case r.FrequencyID == "":
		return fmt.Errorf("%w: frequency_id is required", ErrInvalidInput)
	case r.PatientID == "":
		return fmt.Errorf("%w: patient_id is required", ErrInvalidInput)
	}
	return nil
}

func resolveStatus(s domain.Status) (domain.Status, error) {
	switch s {
	case "":
		return domain.StatusActive, nil
	case domain.StatusActive, domain.StatusCompleted:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, s)
	}
}
