package domain

import (
	"strings"
	"time"
)

type Kind string

const (
	KindRecurring Kind = "recurring"
	KindImmediate Kind = "immediate"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// TimestampLayout is the persisted ISO-8601 form of schedule timestamps.
// It is fixed width and always UTC so that string order equals time order.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// ImmediateDelay is how far ahead an immediate schedule fires after creation.
const ImmediateDelay = time.Minute

// ScheduleRecord is one recurring (or one-shot) survey dispatch.
type ScheduleRecord struct {
	ID string

	ProjectID   string
	StrategyID  string
	FrequencyID string
	PatientID   string

	Kind           Kind
	CronExpression string // set iff Kind == KindRecurring

	NextExecution  time.Time
	Offset         int
	ExecutionCount int
	Status         Status

	LeaseHolder    string
	LeaseExpiresAt time.Time // zero when unleased

	// Version is bumped by every successful write; conditional writes
	// compare against it.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsLeased reports whether a live lease exists at now.
func (r ScheduleRecord) IsLeased(now time.Time) bool {
	return r.LeaseHolder != "" && r.LeaseExpiresAt.After(now)
}

// IsDue reports whether the record should fire at now.
func (r ScheduleRecord) IsDue(now time.Time) bool {
	return r.Status == StatusActive && !r.NextExecution.After(now)
}

// EffectiveOffset returns Offset clamped to at least 1.
func (r ScheduleRecord) EffectiveOffset() int {
	if r.Offset < 1 {
		return 1
	}
	return r.Offset
}

// SortKeys are the three secondary-index projections stored alongside a record.
type SortKeys struct {
	Project string // project_id#id
	Due     string // status#next_execution#id
	Admin   string // strategy_id#patient_id#id
}

const keySep = "#"

// SortKeys derives the index projections from the record's current fields.
// Stores must write them in the same statement as the record itself.
func (r ScheduleRecord) SortKeys() SortKeys {
	return SortKeys{
		Project: strings.Join([]string{r.ProjectID, r.ID}, keySep),
		Due:     strings.Join([]string{string(r.Status), FormatTimestamp(r.NextExecution), r.ID}, keySep),
		Admin:   strings.Join([]string{r.StrategyID, r.PatientID, r.ID}, keySep),
	}
}

// DueKeyUpperBound is the inclusive upper bound of the due index for a poll at before.
// Any active record with NextExecution <= before sorts at or below it.
func DueKeyUpperBound(before time.Time) string {
	return string(StatusActive) + keySep + FormatTimestamp(before) + keySep + "\uffff"
}

// DueKeyLowerBound is the lower bound of the active partition of the due index.
func DueKeyLowerBound() string {
	return string(StatusActive) + keySep
}

func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimestampLayout)
}

func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		// Older rows may carry plain RFC3339.
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, err
		}
	}
	return t.UTC(), nil
}
