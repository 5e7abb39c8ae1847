package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Error describes why a command or job did not complete.
type Error struct {
	// Error class reported by the server (e.g. "timeout", "connection")
	Type string `json:"type"`
	// Human readable description
	Message string `json:"message"`
	// Whether resubmitting the same work may succeed
	Retryable bool `json:"retryable"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

var retryableErrorTypes = map[string]bool{
	"timeout":    true,
	"network":    true,
	"connection": true,
}

// IsRetryableErrorType reports whether an error class is worth retrying.
func IsRetryableErrorType(t string) bool {
	return retryableErrorTypes[strings.ToLower(t)]
}

var defaultDeviceErrorPatterns = []string{
	"Error:",
	"% Error",
	"Invalid",
	"Failed",
	"Incomplete",
	"Unrecognized",
	"not found",
	"% ",
	"^",
	"Too many parameters",
	"Unknown command",
	"Syntax error",
	"Bad IP address",
	"Ambiguous command",
}

var errorLineKeywords = []string{"error", "invalid", "failed", "%", "^"}

// DefaultDeviceErrorPatterns returns a copy of the patterns HasDeviceError
// uses when the caller does not supply its own.
func DefaultDeviceErrorPatterns() []string {
	return append([]string(nil), defaultDeviceErrorPatterns...)
}

// Result is the normalized outcome of one command on one device.
type Result struct {
	// ID of the job that produced this result
	JobID string `json:"job_id"`
	// Device identifier (IP or hostname)
	DeviceID string `json:"device_id"`
	// Device name
	DeviceName string `json:"device_name"`
	// Executed command
	Command string `json:"command"`
	// Standard output captured on the device
	Stdout string `json:"stdout"`
	// Standard error captured on the device
	Stderr string `json:"stderr"`
	// Whether the task completed without transport or job failure
	OK bool `json:"ok"`
	// Execution duration in milliseconds
	DurationMS int64 `json:"duration_ms"`
	// Command exit status, 0 when unknown
	ExitStatus int `json:"exit_status"`
	// Staged file location, only set for file transfers
	DownloadURL string `json:"download_url,omitempty"`
	// Driver specific context (e.g. the resolved host)
	Metadata map[string]any `json:"metadata"`
	// Structured output when a parser was applied server-side
	Parsed any `json:"parsed,omitempty"`
	// Error details, set when OK is false or the job reported one
	Error *Error `json:"error,omitempty"`
}

// HasDeviceError reports whether the device signalled a failure in its output.
// A task-level failure always counts. Patterns are matched case-insensitively
// against stdout; passing patterns replaces the default set.
func (r Result) HasDeviceError(patterns ...string) bool {
	if !r.OK {
		return true
	}
	if len(patterns) == 0 {
		patterns = defaultDeviceErrorPatterns
	}
	stdout := strings.ToLower(r.Stdout)
	for _, p := range patterns {
		if strings.Contains(stdout, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// IsSuccess reports whether the task completed and the device output is clean.
func (r Result) IsSuccess() bool {
	return r.OK && !r.HasDeviceError()
}

// DurationSeconds returns DurationMS in seconds.
func (r Result) DurationSeconds() float64 {
	return float64(r.DurationMS) / 1000
}

// ErrorLines returns the trimmed stdout lines that look like errors.
func (r Result) ErrorLines() []string {
	if r.Stdout == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(r.Stdout, "\n") {
		lower := strings.ToLower(line)
		for _, kw := range errorLineKeywords {
			if strings.Contains(lower, kw) {
				lines = append(lines, strings.TrimSpace(line))
				break
			}
		}
	}
	return lines
}

// ToMap returns a flat field dump keyed by the JSON field names.
func (r Result) ToMap() (map[string]any, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	m := make(map[string]any)
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return m, nil
}

// ResultFromMap rebuilds a Result from the output of ToMap.
func ResultFromMap(m map[string]any) (Result, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal result map: %w", err)
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, fmt.Errorf("failed to unmarshal result map: %w", err)
	}
	return r, nil
}

// JSON returns the indented JSON form of the result.
func (r Result) JSON() (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(data), nil
}

func (r Result) String() string {
	status := "OK"
	if !r.OK {
		status = "FAILED"
	}
	dur := ""
	if r.DurationMS > 0 {
		dur = fmt.Sprintf(" %dms", r.DurationMS)
	}
	return fmt.Sprintf("Result(%s:%s [%s]%s)", r.DeviceName, r.Command, status, dur)
}
