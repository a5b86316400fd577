package execution

import "time"

// Status is the lifecycle state of a task execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further progress can occur from this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Execution is the feed's view of one task run: its status and the text
// streamed so far.
type Execution struct {
	TaskID           string
	Status           Status
	StreamingContent string
	StartedAt        time.Time
	UpdatedAt        time.Time
}
