package domain

import "time"

// Patient is the read-only snapshot of a survey recipient.
type Patient struct {
	ID        string
	ProjectID string
	Email     string
	Phone     string
	Language  string
	IsActive  bool
}

type Project struct {
	ID   string
	Name string
}

type TerminationKind string

const (
	TerminateNever            TerminationKind = "never"
	TerminateAfterOccurrences TerminationKind = "after_occurrences"
	TerminateAfterDate        TerminationKind = "after_date"
)

// TerminationCondition turns a recurring schedule into a finite one.
type TerminationCondition struct {
	Kind        TerminationKind
	Occurrences int       // TerminateAfterOccurrences
	Date        time.Time // TerminateAfterDate
}

func Never() TerminationCondition {
	return TerminationCondition{Kind: TerminateNever}
}

func AfterOccurrences(n int) TerminationCondition {
	return TerminationCondition{Kind: TerminateAfterOccurrences, Occurrences: n}
}

func AfterDate(d time.Time) TerminationCondition {
	return TerminationCondition{Kind: TerminateAfterDate, Date: d.UTC()}
}

// Frequency is the strategy-owned cadence definition a schedule points at.
type Frequency struct {
	ID          string
	StrategyID  string
	Termination TerminationCondition
	SurveyIDs   []string
}
