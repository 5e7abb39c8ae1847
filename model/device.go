package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SubmissionFailure is a device the server rejected before creating a job.
type SubmissionFailure struct {
	// Device the submission was for
	Host string `json:"host"`
	// Rejection reason, when the server gives one
	Reason string `json:"reason,omitempty"`
}

// UnmarshalJSON accepts either a bare host string or a {host, reason} object.
func (f *SubmissionFailure) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var host string
		if err := json.Unmarshal(trimmed, &host); err != nil {
			return err
		}
		*f = SubmissionFailure{Host: host}
		return nil
	}

	var raw struct {
		Host   string `json:"host"`
		Device string `json:"device"`
		Reason string `json:"reason"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return err
	}
	f.Host = raw.Host
	if f.Host == "" {
		f.Host = raw.Device
	}
	f.Reason = raw.Reason
	if f.Reason == "" {
		f.Reason = raw.Error
	}
	return nil
}

func (f SubmissionFailure) String() string {
	if f.Reason == "" {
		return f.Host
	}
	return fmt.Sprintf("%s (%s)", f.Host, f.Reason)
}

// ConnectionTestResult is the outcome of a device reachability probe.
type ConnectionTestResult struct {
	// Whether the connection could be established
	OK bool `json:"ok"`
	// Device IP or hostname
	Host string `json:"host"`
	// Connection latency in seconds
	Latency *float64 `json:"latency,omitempty"`
	// Probe duration in milliseconds
	DurationMS int64 `json:"duration_ms"`
	// Failure description
	Error string `json:"error,omitempty"`
	// Driver used for the probe
	Driver string `json:"driver"`
	// Time of the probe
	Timestamp Time `json:"timestamp"`
	// Remote system version (paramiko)
	RemoteVersion string `json:"remote_version,omitempty"`
	// Device prompt (netmiko)
	Prompt string `json:"prompt,omitempty"`
	// Detected device type
	DeviceType string `json:"device_type,omitempty"`
}

func (c ConnectionTestResult) String() string {
	status := "OK"
	if !c.OK {
		status = "FAILED"
	}
	dur := ""
	if c.DurationMS > 0 {
		dur = fmt.Sprintf(" %dms", c.DurationMS)
	}
	return fmt.Sprintf("ConnectionTestResult(%s [%s]%s)", c.Host, status, dur)
}

// Worker is a server-side job executor.
type Worker struct {
	// Worker name
	Name string `json:"name"`
	// Worker state (e.g. idle, busy)
	Status string `json:"status"`
	// Queues the worker consumes
	Queues StringList `json:"queues,omitempty"`
	// Host the worker process runs on
	Hostname string `json:"hostname,omitempty"`
	// Process ID on that host
	PID int `json:"pid,omitempty"`
	// Counters reported by the worker
	SuccessfulJobCount int `json:"successful_job_count"`
	FailedJobCount     int `json:"failed_job_count"`
	// Last heartbeat received from the worker
	LastHeartbeat Time `json:"last_heartbeat"`
}

// DetachedTask is a background task that keeps running on a host after the
// submitting job ended.
type DetachedTask struct {
	// Task ID
	TaskID string `json:"task_id"`
	// Job that launched the task
	JobID string `json:"job_id,omitempty"`
	// Raw task state (running, completed, failed, killed)
	Status string `json:"status"`
	// Command line the task runs
	Command StringList `json:"command,omitempty"`
	// Output captured so far
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
	// Exit status once the task ended
	ExitStatus *int `json:"exit_status,omitempty"`
	// Driver context, including the host
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt Time           `json:"created_at"`
	EndedAt   Time           `json:"ended_at"`
}

// Host returns the host the task runs on.
func (t DetachedTask) Host() string {
	if h, ok := t.Metadata["host"].(string); ok {
		return h
	}
	return ""
}

// JobStatus maps the task state onto the job status vocabulary.
func (t DetachedTask) JobStatus() Status {
	return ParseTaskStatus(t.Status)
}
