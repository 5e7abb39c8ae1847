package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultHasDeviceError(t *testing.T) {
	tests := []struct {
		name     string
		result   Result
		patterns []string
		want     bool
	}{
		{
			name:   "clean output",
			result: Result{OK: true, Stdout: "Cisco IOS Software, Version 15.2"},
			want:   false,
		},
		{
			name:   "task failure counts as device error",
			result: Result{OK: false, Stdout: "all good"},
			want:   true,
		},
		{
			name:   "invalid input marker",
			result: Result{OK: true, Stdout: "% Invalid input detected at '^' marker."},
			want:   true,
		},
		{
			name:   "case insensitive",
			result: Result{OK: true, Stdout: "UNKNOWN COMMAND"},
			want:   true,
		},
		{
			name:     "custom patterns replace defaults",
			result:   Result{OK: true, Stdout: "% Invalid input"},
			patterns: []string{"denied"},
			want:     false,
		},
		{
			name:     "custom pattern match",
			result:   Result{OK: true, Stdout: "Permission Denied"},
			patterns: []string{"denied"},
			want:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.HasDeviceError(tt.patterns...))
		})
	}
}

func TestResultIsSuccess(t *testing.T) {
	assert.True(t, Result{OK: true, Stdout: "uptime is 3 weeks"}.IsSuccess())
	assert.False(t, Result{OK: true, Stdout: "Error: bad vlan"}.IsSuccess())
	assert.False(t, Result{OK: false, Stdout: "uptime is 3 weeks"}.IsSuccess())
}

func TestResultErrorLines(t *testing.T) {
	r := Result{
		OK:     true,
		Stdout: "interface Gi0/1\n  % Invalid input\nshutdown\n   ^\nCommand FAILED here  ",
	}
	assert.Equal(t, []string{"% Invalid input", "^", "Command FAILED here"}, r.ErrorLines())
	assert.Empty(t, Result{}.ErrorLines())
}

func TestResultDurationSeconds(t *testing.T) {
	assert.InDelta(t, 1.5, Result{DurationMS: 1500}.DurationSeconds(), 1e-9)
}

func TestResultMapRoundTrip(t *testing.T) {
	original := Result{
		JobID:       "job-1",
		DeviceID:    "10.0.0.1",
		DeviceName:  "10.0.0.1",
		Command:     "show version",
		Stdout:      "X",
		Stderr:      "warn",
		OK:          false,
		DurationMS:  1234,
		ExitStatus:  2,
		DownloadURL: "/files/abc",
		Metadata:    map[string]any{"host": "10.0.0.1"},
		Parsed:      map[string]any{"version": "15.2"},
		Error:       &Error{Type: "timeout", Message: "read timed out", Retryable: true},
	}

	m, err := original.ToMap()
	require.NoError(t, err)
	assert.Equal(t, "show version", m["command"])
	assert.Equal(t, map[string]any{"type": "timeout", "message": "read timed out", "retryable": true}, m["error"])

	got, err := ResultFromMap(m)
	require.NoError(t, err)
	require.Equal(t, original, got)
}

func TestResultJSON(t *testing.T) {
	s, err := Result{JobID: "j", Command: "uptime", OK: true}.JSON()
	require.NoError(t, err)
	assert.Contains(t, s, `"command": "uptime"`)
	assert.NotContains(t, s, "download_url")
}

func TestIsRetryableErrorType(t *testing.T) {
	assert.True(t, IsRetryableErrorType("Timeout"))
	assert.True(t, IsRetryableErrorType("connection"))
	assert.True(t, IsRetryableErrorType("NETWORK"))
	assert.False(t, IsRetryableErrorType("auth"))
	assert.False(t, IsRetryableErrorType(""))
}

func TestJobProgressPercentage(t *testing.T) {
	assert.Equal(t, 0.0, JobProgress{}.Percentage())
	assert.Equal(t, 50.0, JobProgress{Total: 4, Completed: 2, Running: 2}.Percentage())

	sum := JobProgress{Total: 2, Completed: 2}.Add(JobProgress{Total: 3, Failed: 1, Running: 2})
	assert.Equal(t, JobProgress{Total: 5, Completed: 2, Failed: 1, Running: 2}, sum)
}

func TestResultsViews(t *testing.T) {
	rs := Results{
		{DeviceName: "r1", Command: "show version", Stdout: "v1", OK: true},
		{DeviceName: "r1", Command: "show clock", Stdout: "  ", OK: true},
		{DeviceName: "r2", Command: "show version", Stdout: "% Invalid input", OK: true},
		{DeviceName: "r3", Command: "show version", Stderr: "timeout", OK: false},
	}

	assert.Len(t, rs.Succeeded(), 3)
	assert.Len(t, rs.Failed(), 1)
	assert.Len(t, rs.TrulySucceeded(), 2)
	assert.Len(t, rs.DeviceErrors(), 1)
	assert.False(t, rs.AllOK())
	assert.False(t, Results{}.AllOK())
	assert.True(t, rs[:2].AllOK())

	assert.Equal(t, "v1\n% Invalid input", rs.Stdout())
	assert.Equal(t, "timeout", rs.Stderr())
	assert.Equal(t, []string{"show version"}, rs.FailedCommands())
	assert.Equal(t, []string{"r1", "r2", "r3"}, rs.Devices())
	assert.Len(t, rs.Find("r1"), 2)
	assert.Len(t, rs.Find("clock"), 1)

	assert.Equal(t, map[string]string{"r1": "v1", "r2": "% Invalid input", "r3": ""}, rs.StdoutByDevice())
	assert.Equal(t, "v1", rs.StdoutByDeviceCommand()["r1"]["show version"])
	assert.Equal(t, "--- show version ---\nv1\n--- show clock ---\n(no output)", rs[:2].Text())

	s, err := Results(nil).JSON()
	require.NoError(t, err)
	assert.Equal(t, "[]", s)
}
