package core

// -----------------------------------------------------------------------------
// Execution Status
// -----------------------------------------------------------------------------

type StatusType string

const (
	StatusQueued    StatusType = "QUEUED"
	StatusRunning   StatusType = "RUNNING"
	StatusCompleted StatusType = "COMPLETED"
	StatusError     StatusType = "ERROR"
	StatusCancelled StatusType = "CANCELLED"
)

func (s StatusType) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is allowed from s.
func (s StatusType) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the forward-only lifecycle admits s -> next.
// Queued work may start running or be cancelled before pickup; running work
// may complete, fail, or be cancelled. Terminal statuses admit nothing.
func (s StatusType) CanTransition(next StatusType) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next == StatusCompleted || next == StatusError || next == StatusCancelled
	default:
		return false
	}
}
