package domain

import "time"

// OutcomeReason says why a firing ended the way it did.
type OutcomeReason string

const (
	ReasonDelivered       OutcomeReason = "delivered"
	ReasonPatientInactive OutcomeReason = "patient_inactive"
	ReasonPatientNotFound OutcomeReason = "patient_not_found"
	ReasonCompleted       OutcomeReason = "completed"
	ReasonDeliveryFailed  OutcomeReason = "delivery_failed"
	ReasonLookupFailed    OutcomeReason = "lookup_failed"
	ReasonStoreError      OutcomeReason = "store_error"
)

// FiringOutcome is the result of one firing. It is returned, never persisted.
type FiringOutcome struct {
	ScheduleID string
	Delivered  bool
	TrackingID string
	Reason     OutcomeReason

	// Completed is true when this firing moved the schedule to StatusCompleted.
	Completed bool
	// NextExecution is the advanced due time; zero when the schedule completed
	// or the write did not land.
	NextExecution time.Time
	// LeaseLost is true when the advancing write failed because another worker
	// reclaimed the lease. The persisted state is whatever that worker wrote.
	LeaseLost bool
}

// Firing is a claimed, due record handed from the scheduler to a worker.
type Firing struct {
	Record    ScheduleRecord
	Holder    string
	ClaimedAt time.Time
}
