package domain

// Precondition is evaluated by a store against the current stored record at
// apply time. A false result aborts the write with ErrConflict.
type Precondition func(current ScheduleRecord) bool

// Mutation edits a copy of the current record. Stores ignore changes to ID
// and Version, and recompute SortKeys from the result.
type Mutation func(rec *ScheduleRecord)

// Always is the precondition that always holds.
func Always(ScheduleRecord) bool { return true }
