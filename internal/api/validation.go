package api

import (
	"fmt"

	"github.com/djlord-it/surveycron/internal/domain"
)

// validateCreateSchedule checks the request shape. Expression syntax is left
// to the creation service, which owns the evaluator.
func validateCreateSchedule(req CreateScheduleRequest) error {
	switch req.Kind {
	case "", KindRecurring:
		if req.CronExpression == "" {
			return fmt.Errorf("cron_expression is required")
		}
	case KindImmediate:
		if req.CronExpression != "" {
			return fmt.Errorf("cron_expression is not allowed for immediate schedules")
		}
	default:
		return fmt.Errorf("kind must be %q or %q", KindRecurring, KindImmediate)
	}

	required := []struct{ name, value string }{
		{"project_id", req.ProjectID},
		{"strategy_id", req.StrategyID},
		{"frequency_id", req.FrequencyID},
		{"patient_id", req.PatientID},
	}
	for _, f := range required {
		if f.value == "" {
			return fmt.Errorf("%s is required", f.name)
		}
	}

	if req.Offset < 0 {
		return fmt.Errorf("offset must not be negative")
	}

	switch domain.Status(req.Status) {
	case "", domain.StatusActive, domain.StatusCompleted:
	default:
		return fmt.Errorf("status must be %q or %q", domain.StatusActive, domain.StatusCompleted)
	}
	return nil
}
