package job

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

var (
	// ErrWaitTimeout matches errors returned when a client-side wait gives up.
	// The remote job keeps running.
	ErrWaitTimeout = errors.New("timed out waiting for job")
	// ErrJobFailed matches errors returned by Err when execution failed.
	ErrJobFailed = errors.New("job failed")
	// ErrEmptyGroup is returned when a group is built without jobs.
	ErrEmptyGroup = errors.New("job group requires at least one job")
)

// TimeoutError reports that Wait or Stream gave up before the jobs finished.
type TimeoutError struct {
	JobIDs  []string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for job(s) %s", e.Timeout, strings.Join(e.JobIDs, ", "))
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrWaitTimeout
}

// FailedError reports the commands that did not complete, keyed by device.
type FailedError struct {
	JobIDs         []string
	FailedCommands map[string][]string
}

func (e *FailedError) Error() string {
	count := 0
	for _, cmds := range e.FailedCommands {
		count += len(cmds)
	}
	devices := slices.Sorted(maps.Keys(e.FailedCommands))
	return fmt.Sprintf("%d command(s) failed on %d device(s): %s", count, len(devices), strings.Join(devices, ", "))
}

func (e *FailedError) Is(target error) bool {
	return target == ErrJobFailed
}
