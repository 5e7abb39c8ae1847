package model

// Status is the lifecycle state of a job as reported by the server, or the
// aggregated state of a group of jobs.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusStarted  Status = "started"
	StatusDeferred Status = "deferred"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
	StatusUnknown  Status = "unknown"

	// Aggregated group states
	StatusPartialFailed Status = "partial_failed"
	StatusRunning       Status = "running"
	StatusMixed         Status = "mixed"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// IsPending reports whether the job is queued or currently executing.
func (s Status) IsPending() bool {
	return s == StatusQueued || s == StatusStarted
}

func (s Status) String() string {
	if s == "" {
		return string(StatusUnknown)
	}
	return string(s)
}

// ParseTaskStatus maps a detached task state onto the job status vocabulary.
func ParseTaskStatus(s string) Status {
	switch s {
	case "running":
		return StatusStarted
	case "completed", "finished", "done":
		return StatusFinished
	case "failed", "error":
		return StatusFailed
	case "killed", "canceled", "cancelled":
		return StatusCanceled
	case "queued", "pending":
		return StatusQueued
	}
	return StatusUnknown
}
