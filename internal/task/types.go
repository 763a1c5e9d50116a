package task

// Task is one canonical, normalized work item.
//
// Identity for dedup purposes is the (ID, ScheduledTime) pair: the same
// underlying item rescheduled to a different time is a distinct tracked
// task, because the rescheduling itself is operationally meaningful.
type Task struct {
	ID int

	// ScheduledTime is "YYYY-MM-DD HH:MM" local time, or empty when the
	// schedule could not be resolved.
	ScheduledTime string

	// City is the free-text location label; used only to resolve a UTC
	// offset, never validated.
	City string

	// IsUrgent is set when the row carried the time-warning marker.
	IsUrgent bool

	// IsProcessing is set when the row is claimed by an operator. Such
	// tasks are observed but excluded from notification by the caller.
	IsProcessing bool

	// Link is the CRM item URL, kept for operator convenience.
	Link string
}
