package jobs

// Status represents the lifecycle state of a scrape job in the
// scrape_jobs table. These values must match the text values
// stored in the database (scrape_jobs.status).
//
// Centralizing these here avoids scattering string literals like
// "pending" or "completed" across packages.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether s is a final state. Terminal states
// admit no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits moving
// from s to next:
//
//	pending -> running | cancelled
//	running -> completed | failed | cancelled
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	}
	return false
}
