package api

import (
	"time"

	"github.com/djlord-it/surveycron/internal/domain"
)

const (
	KindRecurring = "recurring"
	KindImmediate = "immediate"
)

type CreateScheduleRequest struct {
	Kind           string `json:"kind"` // recurring (default) or immediate
	CronExpression string `json:"cron_expression,omitempty"`
	ProjectID      string `json:"project_id"`
	StrategyID     string `json:"strategy_id"`
	FrequencyID    string `json:"frequency_id"`
	PatientID      string `json:"patient_id"`
	Offset         int    `json:"offset,omitempty"` // default 1
	Status         string `json:"status,omitempty"` // default active
}

type ScheduleResponse struct {
	ID             string `json:"id"`
	ProjectID      string `json:"project_id"`
	StrategyID     string `json:"strategy_id"`
	FrequencyID    string `json:"frequency_id"`
	PatientID      string `json:"patient_id"`
	Kind           string `json:"kind"`
	CronExpression string `json:"cron_expression,omitempty"`
	NextExecution  string `json:"next_execution"`
	Offset         int    `json:"offset"`
	ExecutionCount int    `json:"execution_count"`
	Status         string `json:"status"`
	Leased         bool   `json:"leased"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

type ListSchedulesResponse struct {
	Schedules []ScheduleResponse `json:"schedules"`
}

// OutcomesResponse holds one day's firing outcome counts for a project.
type OutcomesResponse struct {
	ProjectID string           `json:"project_id"`
	Date      string           `json:"date"`
	Counts    map[string]int64 `json:"counts"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func toScheduleResponse(rec domain.ScheduleRecord, now time.Time) ScheduleResponse {
	return ScheduleResponse{
		ID:             rec.ID,
		ProjectID:      rec.ProjectID,
		StrategyID:     rec.StrategyID,
		FrequencyID:    rec.FrequencyID,
		PatientID:      rec.PatientID,
		Kind:           string(rec.Kind),
		CronExpression: rec.CronExpression,
		NextExecution:  formatTime(rec.NextExecution),
		Offset:         rec.Offset,
		ExecutionCount: rec.ExecutionCount,
		Status:         string(rec.Status),
		Leased:         rec.IsLeased(now),
		CreatedAt:      formatTime(rec.CreatedAt),
		UpdatedAt:      formatTime(rec.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
