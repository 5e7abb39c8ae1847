package model

import "time"

// HistoryType represents the submission endpoint a history entry went through
type HistoryType string

const (
	HistoryTypeExec HistoryType = "exec"
	HistoryTypeBulk HistoryType = "bulk"
)

// OperationType says whether the submission carried read-only commands or
// configuration lines.
type OperationType string

const (
	OperationCommand OperationType = "command"
	OperationConfig  OperationType = "config"
)

// History represents a single netpulse submission made from this machine.
type History struct {
	// Unique ID for this submission (UUID)
	ID string `json:"id"`
	// Endpoint used (exec or bulk)
	Type HistoryType `json:"type"`
	// Timestamp when the submission was made
	Timestamp time.Time `json:"timestamp"`
	// Command-line arguments (including command name)
	Args []string `json:"args,omitempty"`
	// Driver the jobs were submitted with
	Driver string `json:"driver"`
	// Whether Commands are read-only commands or configuration lines
	Operation OperationType `json:"operation"`
	// Devices the submission targeted
	Devices []string `json:"devices"`
	// Commands or configuration lines sent to every device
	Commands []string `json:"commands"`
	// Jobs created by the server, in submission order
	Jobs []HistoryJob `json:"jobs"`
	// Devices rejected at submission time
	Failures []SubmissionFailure `json:"failures,omitempty"`
	// Last observed aggregate status
	Status Status `json:"status"`
	// Time between submission and the last observed terminal state
	Duration time.Duration `json:"duration"`
}

// HistoryJob links a server job to the device it was created for
type HistoryJob struct {
	ID     string `json:"id"`
	Device string `json:"device"`
}

// JobIDs returns the IDs of all jobs in the entry.
func (h History) JobIDs() []string {
	ids := make([]string, 0, len(h.Jobs))
	for _, j := range h.Jobs {
		ids = append(ids, j.ID)
	}
	return ids
}
