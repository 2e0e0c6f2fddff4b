// Package executor runs one firing of a claimed schedule record: it looks up
// the patient and frequency, applies the termination condition, hands the
// survey to delivery and advances (or completes) the record in a single
// lease-guarded write.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/djlord-it/surveycron/internal/domain"
	"github.com/djlord-it/surveycron/internal/lease"
	"github.com/djlord-it/surveycron/internal/metrics"
)

// DefaultDeliveryTimeout bounds a single SendSurvey call when none is configured.
const DefaultDeliveryTimeout = 30 * time.Second

type Store interface {
	ConditionalUpdate(ctx context.Context, id string, cond domain.Precondition, mutate domain.Mutation) (domain.ScheduleRecord, error)
}

type Directory interface {
	ReadPatient(ctx context.Context, projectID, patientID string) (domain.Patient, error)
	ReadFrequency(ctx context.Context, strategyID, frequencyID string) (domain.Frequency, error)
	ReadProject(ctx context.Context, projectID string) (domain.Project, error)
}

type Sender interface {
	SendSurvey(ctx context.Context, d domain.SurveyDelivery) (domain.DeliveryResult, error)
}

type Evaluator interface {
	NextOccurrence(expr string, after time.Time) (time.Time, error)
}

// AnalyticsSink records firing outcomes. Errors are logged and dropped.
type AnalyticsSink interface {
	Record(ctx context.Context, projectID string, reason domain.OutcomeReason, at time.Time) error
}

type Config struct {
	DeliveryTimeout time.Duration
}

type Executor struct {
	store           Store
	directory       Directory
	sender          Sender
	evaluator       Evaluator
	analytics       AnalyticsSink // optional, nil = disabled
	deliveryTimeout time.Duration
	clock           func() time.Time
	metrics         metrics.Sink
	logger          zerolog.Logger
}

func New(cfg Config, store Store, directory Directory, sender Sender, evaluator Evaluator) *Executor {
	timeout := cfg.DeliveryTimeout
	if timeout <= 0 {
		timeout = DefaultDeliveryTimeout
	}
	return &Executor{
		store:           store,
		directory:       directory,
		sender:          sender,
		evaluator:       evaluator,
		deliveryTimeout: timeout,
		clock:           time.Now,
		metrics:         metrics.NewNoopSink(),
		logger:          zerolog.Nop(),
	}
}

func (e *Executor) WithAnalytics(sink AnalyticsSink) *Executor {
	e.analytics = sink
	return e
}

// WithClock overrides the time source. Used in tests.
func (e *Executor) WithClock(clock func() time.Time) *Executor {
	e.clock = clock
	return e
}

func (e *Executor) WithMetrics(sink metrics.Sink) *Executor {
	if sink != nil {
		e.metrics = sink
	}
	return e
}

func (e *Executor) WithLogger(logger zerolog.Logger) *Executor {
	e.logger = logger
	return e
}

// Execute fires rec, which the caller must hold a lease on (rec.LeaseHolder).
//
// Recoverable failures never escape as errors: they are reported through
// FiringOutcome.Reason. Unless the record terminated before sending, the
// record is advanced (ExecutionCount+1, new NextExecution or Completed) and
// its lease cleared in the same conditional write.
func (e *Executor) Execute(ctx context.Context, rec domain.ScheduleRecord) domain.FiringOutcome {
	e.metrics.FiringsInFlightIncr()
	defer e.metrics.FiringsInFlightDecr()

	now := e.clock().UTC()
	holder := rec.LeaseHolder
	log := e.logger.With().
		Str("schedule_id", rec.ID).
		Str("holder", holder).
		Logger()

	outcome := domain.FiringOutcome{ScheduleID: rec.ID}
	candidate := rec.ExecutionCount + 1

	// 1. Patient.
	patient, err := e.directory.ReadPatient(ctx, rec.ProjectID, rec.PatientID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		outcome.Reason = domain.ReasonPatientNotFound
	case err != nil:
		log.Warn().Err(err).Msg("executor: patient lookup failed")
		outcome.Reason = domain.ReasonLookupFailed
	case !patient.IsActive:
		outcome.Reason = domain.ReasonPatientInactive
	}

	// 2. Termination condition.
	termination := domain.Never()
	var surveyIDs []string
	freq, err := e.directory.ReadFrequency(ctx, rec.StrategyID, rec.FrequencyID)
	if err != nil {
		log.Warn().Err(err).Str("frequency_id", rec.FrequencyID).Msg("executor: frequency lookup failed")
		if outcome.Reason == "" {
			outcome.Reason = domain.ReasonLookupFailed
		}
	} else {
		termination = freq.Termination
		surveyIDs = freq.SurveyIDs
	}

	if terminatedBeforeSend(termination, candidate, now) {
		return e.finish(ctx, rec, e.complete(ctx, rec, holder, now, outcome), now)
	}

	// 3. Delivery.
	if outcome.Reason == "" {
		outcome = e.deliver(ctx, rec, patient, surveyIDs, outcome, log)
	}

	// 4. Advance.
	return e.finish(ctx, rec, e.advance(ctx, rec, holder, now, termination, candidate, outcome), now)
}

// terminatedBeforeSend reports whether the firing in progress is already past
// the termination condition, in which case nothing is sent.
func terminatedBeforeSend(t domain.TerminationCondition, candidate int, now time.Time) bool {
	switch t.Kind {
	case domain.TerminateAfterOccurrences:
		return candidate > t.Occurrences
	case domain.TerminateAfterDate:
		return now.After(t.Date)
	default:
		return false
	}
}

func (e *Executor) deliver(ctx context.Context, rec domain.ScheduleRecord, patient domain.Patient, surveyIDs []string, outcome domain.FiringOutcome, log zerolog.Logger) domain.FiringOutcome {
	project, err := e.directory.ReadProject(ctx, rec.ProjectID)
	if err != nil {
		log.Warn().Err(err).Msg("executor: project lookup failed")
		outcome.Reason = domain.ReasonLookupFailed
		return outcome
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.deliveryTimeout)
	defer cancel()

	res, err := e.send(sendCtx, domain.SurveyDelivery{
		ProjectID:   rec.ProjectID,
		ProjectName: project.Name,
		Patient:     patient,
		StrategyID:  rec.StrategyID,
		FrequencyID: rec.FrequencyID,
		SurveyIDs:   surveyIDs,
		ScheduleID:  rec.ID,
	})
	if err != nil || !res.Delivered {
		log.Warn().Err(err).Msg("executor: delivery failed")
		outcome.Reason = domain.ReasonDeliveryFailed
		return outcome
	}

	outcome.Delivered = true
	outcome.TrackingID = res.TrackingID
	outcome.Reason = domain.ReasonDelivered
	return outcome
}

// send calls the sender, turning a panic into an error so one bad handler
// cannot take the worker down.
func (e *Executor) send(ctx context.Context, d domain.SurveyDelivery) (res domain.DeliveryResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panic: %v", r)
		}
	}()
	return e.sender.SendSurvey(ctx, d)
}

// nextExecution applies the evaluator Offset times starting at now.
func (e *Executor) nextExecution(rec domain.ScheduleRecord, now time.Time) (time.Time, error) {
	next := now
	for i := 0; i < rec.EffectiveOffset(); i++ {
		t, err := e.evaluator.NextOccurrence(rec.CronExpression, next)
		if err != nil {
			return time.Time{}, err
		}
		next = t
	}
	return next, nil
}

func (e *Executor) advance(ctx context.Context, rec domain.ScheduleRecord, holder string, now time.Time, t domain.TerminationCondition, candidate int, outcome domain.FiringOutcome) domain.FiringOutcome {
	var next time.Time
	completed := rec.Kind == domain.KindImmediate ||
		(t.Kind == domain.TerminateAfterOccurrences && candidate >= t.Occurrences)

	if !completed {
		var err error
		next, err = e.nextExecution(rec, now)
		if err != nil {
			// Expressions are validated on creation; a stored one that no
			// longer parses can never fire again.
			e.logger.Error().
				Err(err).
				Str("schedule_id", rec.ID).
				Str("cron_expression", rec.CronExpression).
				Msg("executor: stored expression unusable, completing schedule")
			completed = true
		} else if t.Kind == domain.TerminateAfterDate && next.After(t.Date) {
			completed = true
		}
	}

	return e.persist(ctx, rec, holder, now, outcome, func(r *domain.ScheduleRecord) {
		r.ExecutionCount = candidate
		if completed {
			r.Status = domain.StatusCompleted
		} else {
			r.NextExecution = next
		}
	}, completed, next)
}

// complete flips the record to Completed without counting a firing.
func (e *Executor) complete(ctx context.Context, rec domain.ScheduleRecord, holder string, now time.Time, outcome domain.FiringOutcome) domain.FiringOutcome {
	outcome.Reason = domain.ReasonCompleted
	return e.persist(ctx, rec, holder, now, outcome, func(r *domain.ScheduleRecord) {
		r.Status = domain.StatusCompleted
	}, true, time.Time{})
}

func (e *Executor) persist(ctx context.Context, rec domain.ScheduleRecord, holder string, now time.Time, outcome domain.FiringOutcome, mutate domain.Mutation, completed bool, next time.Time) domain.FiringOutcome {
	// In-flight firings finish their write even if the worker is shutting down.
	writeCtx := context.WithoutCancel(ctx)

	_, err := e.store.ConditionalUpdate(writeCtx, rec.ID, lease.HeldBy(holder), func(r *domain.ScheduleRecord) {
		mutate(r)
		lease.Clear(r)
		r.UpdatedAt = now
	})
	switch {
	case err == nil:
		outcome.Completed = completed
		if !completed {
			outcome.NextExecution = next
		}
	case errors.Is(err, domain.ErrConflict):
		outcome.LeaseLost = true
		e.metrics.LeaseLostOnAdvance()
		e.logger.Warn().
			Str("schedule_id", rec.ID).
			Str("holder", holder).
			Str("reason", string(outcome.Reason)).
			Msg("executor: lease lost before advancing, keeping the winner's state")
	default:
		e.logger.Error().Err(err).Str("schedule_id", rec.ID).Msg("executor: advance failed")
		outcome.Reason = domain.ReasonStoreError
		e.release(writeCtx, rec.ID, holder, now)
	}
	return outcome
}

// release is the fallback when the advancing write failed for a reason
// other than lease loss. If it fails too, the lease simply expires.
func (e *Executor) release(ctx context.Context, id, holder string, now time.Time) {
	_, err := e.store.ConditionalUpdate(ctx, id, lease.HeldBy(holder), func(r *domain.ScheduleRecord) {
		lease.Clear(r)
		r.UpdatedAt = now
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("schedule_id", id).Msg("executor: release failed, lease will expire")
	}
}

func (e *Executor) finish(ctx context.Context, rec domain.ScheduleRecord, outcome domain.FiringOutcome, now time.Time) domain.FiringOutcome {
	e.metrics.FiringOutcome(string(outcome.Reason))

	if e.analytics != nil {
		if err := e.analytics.Record(context.WithoutCancel(ctx), rec.ProjectID, outcome.Reason, now); err != nil {
			e.logger.Debug().Err(err).Str("schedule_id", rec.ID).Msg("executor: analytics write failed")
		}
	}

	e.logger.Info().
		Str("schedule_id", rec.ID).
		Str("reason", string(outcome.Reason)).
		Bool("delivered", outcome.Delivered).
		Bool("completed", outcome.Completed).
		Bool("lease_lost", outcome.LeaseLost).
		Time("next_execution", outcome.NextExecution).
		Msg("executor: fired")
	return outcome
}
