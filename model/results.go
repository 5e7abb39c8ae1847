package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Results is an ordered list of normalized results with non-blocking views.
type Results []Result

// Clone returns a deep copy, so callers may modify metadata and parsed output
// without touching the source.
func (rs Results) Clone() Results {
	out := make(Results, len(rs))
	for i, r := range rs {
		if r.Metadata != nil {
			r.Metadata = cloneValue(r.Metadata).(map[string]any)
		}
		r.Parsed = cloneValue(r.Parsed)
		if r.Error != nil {
			e := *r.Error
			r.Error = &e
		}
		out[i] = r
	}
	return out
}

// cloneValue copies the maps and slices produced by JSON decoding.
func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, e := range v {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		s := make([]any, len(v))
		for i, e := range v {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}

func (rs Results) filter(keep func(Result) bool) Results {
	out := Results{}
	for _, r := range rs {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// Succeeded returns the results whose task completed, device errors included.
func (rs Results) Succeeded() Results {
	return rs.filter(func(r Result) bool { return r.OK })
}

// Failed returns the results whose task failed.
func (rs Results) Failed() Results {
	return rs.filter(func(r Result) bool { return !r.OK })
}

// TrulySucceeded returns the results that completed with clean device output.
func (rs Results) TrulySucceeded() Results {
	return rs.filter(Result.IsSuccess)
}

// DeviceErrors returns the results that completed but whose output matched an
// error pattern.
func (rs Results) DeviceErrors() Results {
	return rs.filter(func(r Result) bool { return r.OK && r.HasDeviceError() })
}

// AllOK reports whether there is at least one result and every result is OK.
func (rs Results) AllOK() bool {
	if len(rs) == 0 {
		return false
	}
	for _, r := range rs {
		if !r.OK {
			return false
		}
	}
	return true
}

// Find returns the results for a device name or whose command contains key.
func (rs Results) Find(key string) Results {
	return rs.filter(func(r Result) bool {
		return r.DeviceName == key || strings.Contains(r.Command, key)
	})
}

// Stdout joins the non-blank stdout values with newlines.
func (rs Results) Stdout() string {
	return joinNonBlank(rs, func(r Result) string { return r.Stdout })
}

// Stderr joins the non-blank stderr values with newlines.
func (rs Results) Stderr() string {
	return joinNonBlank(rs, func(r Result) string { return r.Stderr })
}

func joinNonBlank(rs Results, field func(Result) string) string {
	var parts []string
	for _, r := range rs {
		if v := field(r); strings.TrimSpace(v) != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "\n")
}

// Parsed maps each command to its parsed output.
func (rs Results) Parsed() map[string]any {
	out := make(map[string]any, len(rs))
	for _, r := range rs {
		out[r.Command] = r.Parsed
	}
	return out
}

// StdoutByCommand maps each command to its raw stdout.
func (rs Results) StdoutByCommand() map[string]string {
	out := make(map[string]string, len(rs))
	for _, r := range rs {
		out[r.Command] = r.Stdout
	}
	return out
}

// StderrByCommand maps each command to its raw stderr.
func (rs Results) StderrByCommand() map[string]string {
	out := make(map[string]string, len(rs))
	for _, r := range rs {
		out[r.Command] = r.Stderr
	}
	return out
}

// Text renders every result under a command header.
func (rs Results) Text() string {
	sections := make([]string, 0, len(rs))
	for _, r := range rs {
		content := r.Stdout
		if strings.TrimSpace(content) == "" {
			content = "(no output)"
		}
		sections = append(sections, fmt.Sprintf("--- %s ---\n%s", r.Command, content))
	}
	return strings.Join(sections, "\n")
}

// FailedCommands lists the commands whose task failed.
func (rs Results) FailedCommands() []string {
	var cmds []string
	for _, r := range rs {
		if !r.OK {
			cmds = append(cmds, r.Command)
		}
	}
	return cmds
}

// Devices returns the device names in order of first appearance.
func (rs Results) Devices() []string {
	seen := make(map[string]bool)
	var devices []string
	for _, r := range rs {
		if !seen[r.DeviceName] {
			seen[r.DeviceName] = true
			devices = append(devices, r.DeviceName)
		}
	}
	return devices
}

// ByDevice groups results by device name, preserving order within a device.
func (rs Results) ByDevice() map[string]Results {
	out := make(map[string]Results)
	for _, r := range rs {
		out[r.DeviceName] = append(out[r.DeviceName], r)
	}
	return out
}

// StdoutByDevice maps each device to its joined non-blank stdout.
func (rs Results) StdoutByDevice() map[string]string {
	out := make(map[string]string)
	for device, results := range rs.ByDevice() {
		out[device] = results.Stdout()
	}
	return out
}

// StderrByDevice maps each device to its joined non-blank stderr.
func (rs Results) StderrByDevice() map[string]string {
	out := make(map[string]string)
	for device, results := range rs.ByDevice() {
		out[device] = results.Stderr()
	}
	return out
}

// ParsedByDevice maps device -> command -> parsed output.
func (rs Results) ParsedByDevice() map[string]map[string]any {
	out := make(map[string]map[string]any)
	for device, results := range rs.ByDevice() {
		out[device] = results.Parsed()
	}
	return out
}

// StdoutByDeviceCommand maps device -> command -> stdout.
func (rs Results) StdoutByDeviceCommand() map[string]map[string]string {
	out := make(map[string]map[string]string)
	for device, results := range rs.ByDevice() {
		out[device] = results.StdoutByCommand()
	}
	return out
}

// StderrByDeviceCommand maps device -> command -> stderr.
func (rs Results) StderrByDeviceCommand() map[string]map[string]string {
	out := make(map[string]map[string]string)
	for device, results := range rs.ByDevice() {
		out[device] = results.StderrByCommand()
	}
	return out
}

// JSON returns the indented JSON array of all results.
func (rs Results) JSON() (string, error) {
	if rs == nil {
		rs = Results{}
	}
	data, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal results: %w", err)
	}
	return string(data), nil
}
