package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformedPayload is returned when a job payload cannot be decoded.
	ErrMalformedPayload = errors.New("malformed job payload")
	// ErrNotFound is returned when the server has no record of an object.
	ErrNotFound = errors.New("not found")
)

// ResultType is the server's overall verdict for a terminal job.
type ResultType int

const (
	ResultTypeSuccessful ResultType = 1
	ResultTypeFailed     ResultType = 2
)

// JobPayload is a typed snapshot of the job-status document. A fresh value is
// decoded on every refresh and replaces the previous one wholesale.
type JobPayload struct {
	// Server assigned job ID
	ID string `json:"id"`
	// Lifecycle state
	Status Status `json:"status"`
	// Queue the job was placed in
	Queue string `json:"queue,omitempty"`
	// Worker that executed the job
	Worker string `json:"worker,omitempty"`
	// Detached task reference, set when the job was submitted with detach
	TaskID string `json:"task_id,omitempty"`
	// Execution duration in seconds
	Duration *float64 `json:"duration,omitempty"`
	// Time spent in queue in seconds
	QueueTime *float64 `json:"queue_time,omitempty"`
	CreatedAt  Time    `json:"created_at"`
	EnqueuedAt Time    `json:"enqueued_at"`
	StartedAt  Time    `json:"started_at"`
	EndedAt    Time    `json:"ended_at"`
	// Execution outcome, nil until the job is terminal
	Result *JobResult `json:"result,omitempty"`

	// Echoes some servers include; used to label jobs fetched by ID
	DeviceName     string         `json:"device_name,omitempty"`
	Command        StringList     `json:"command,omitempty"`
	Device         string         `json:"device,omitempty"`
	Host           string         `json:"host,omitempty"`
	ConnectionArgs map[string]any `json:"connection_args,omitempty"`
}

// JobResult carries the outcome of a terminal job.
type JobResult struct {
	Type   ResultType `json:"type"`
	Retval Retval     `json:"retval"`
	Error  *JobError  `json:"error,omitempty"`
}

// JobError is the raw error reported for a failed job.
type JobError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// DurationMS returns the execution duration in whole milliseconds.
func (p JobPayload) DurationMS() int64 {
	if p.Duration == nil {
		return 0
	}
	return int64(*p.Duration * 1000)
}

// TargetHost returns the host the server says the job runs against, if any.
func (p JobPayload) TargetHost() string {
	if h, ok := p.ConnectionArgs["host"].(string); ok && h != "" {
		return h
	}
	if p.Device != "" {
		return p.Device
	}
	if p.Host != "" {
		return p.Host
	}
	return p.DeviceName
}

// DecodeJobPayload decodes a job document, unwrapping an API envelope
// ({"code", "message", "data"}) when present. A list under data yields its
// first element.
func DecodeJobPayload(data []byte) (JobPayload, error) {
	raw := Unwrap(data)
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return JobPayload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if len(list) == 0 {
			return JobPayload{}, ErrNotFound
		}
		raw = list[0]
	}

	var p JobPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return JobPayload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.ID == "" {
		return JobPayload{}, fmt.Errorf("%w: missing job id", ErrMalformedPayload)
	}
	if p.Status == "" {
		p.Status = StatusUnknown
	}
	return p, nil
}

// Unwrap returns the "data" member of an API envelope. Documents that are not
// envelopes, including bare job objects carrying an "id", are returned as is.
func Unwrap(data []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return trimmed
	}
	if _, ok := probe["id"]; ok {
		return trimmed
	}
	if inner, ok := probe["data"]; ok {
		return inner
	}
	return trimmed
}

// Time is a timestamp that decodes leniently: unparsable values become zero.
type Time struct {
	time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func (t *Time) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil || s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	t.Time = time.Time{}
	return nil
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}

// StringList accepts either a single string or a list of strings.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		*l = nil
	case trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*l = StringList{s}
	default:
		var raw []json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return err
		}
		out := make(StringList, 0, len(raw))
		for _, item := range raw {
			out = append(out, rawText(item))
		}
		*l = out
	}
	return nil
}

// RetvalKind tags the shape a job's return value arrived in.
type RetvalKind uint8

const (
	RetvalEmpty RetvalKind = iota
	// List of per-command objects
	RetvalStructured
	// Object mapping command to raw output
	RetvalMapping
	// List of outputs aligned with the submitted commands
	RetvalPositional
	// Single raw string
	RetvalText
)

func (k RetvalKind) String() string {
	switch k {
	case RetvalStructured:
		return "structured"
	case RetvalMapping:
		return "mapping"
	case RetvalPositional:
		return "positional"
	case RetvalText:
		return "text"
	}
	return "empty"
}

// CommandOutput is one element of a structured return value.
type CommandOutput struct {
	// Position in the original list, used for fallback labels
	Index       int
	Command     string
	Stdout      string
	Stderr      string
	ExitStatus  int
	DownloadURL string
	Metadata    map[string]any
	Parsed      any
}

// MappingEntry is one command/output pair of a mapping return value.
type MappingEntry struct {
	Command string
	Output  string
}

// Retval is the decoded return value of a job. Exactly one of the payload
// fields is populated, selected by Kind.
type Retval struct {
	Kind       RetvalKind
	Structured []CommandOutput
	Mapping    []MappingEntry
	Positional []string
	Text       string
}

type commandOutputJSON struct {
	Command     json.RawMessage `json:"command"`
	Stdout      json.RawMessage `json:"stdout"`
	Stderr      json.RawMessage `json:"stderr"`
	ExitStatus  json.RawMessage `json:"exit_status"`
	DownloadURL json.RawMessage `json:"download_url"`
	Metadata    json.RawMessage `json:"metadata"`
	Parsed      any             `json:"parsed"`
}

func (r *Retval) UnmarshalJSON(data []byte) error {
	*r = Retval{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	switch trimmed[0] {
	case '[':
		return r.decodeList(trimmed)
	case '{':
		return r.decodeMapping(trimmed)
	default:
		text := rawText(trimmed)
		if text != "" {
			r.Kind = RetvalText
			r.Text = text
		}
		return nil
	}
}

func (r *Retval) decodeList(data []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	structured := false
	for _, item := range items {
		if t := bytes.TrimSpace(item); len(t) > 0 && t[0] == '{' {
			structured = true
			break
		}
	}

	if !structured {
		r.Kind = RetvalPositional
		r.Positional = make([]string, 0, len(items))
		for _, item := range items {
			r.Positional = append(r.Positional, rawText(item))
		}
		return nil
	}

	r.Kind = RetvalStructured
	for idx, item := range items {
		if t := bytes.TrimSpace(item); len(t) == 0 || t[0] != '{' {
			continue
		}
		var raw commandOutputJSON
		if err := json.Unmarshal(item, &raw); err != nil {
			return fmt.Errorf("failed to decode command output %d: %w", idx, err)
		}
		out := CommandOutput{
			Index:       idx,
			Command:     rawText(raw.Command),
			Stdout:      rawText(raw.Stdout),
			Stderr:      rawText(raw.Stderr),
			ExitStatus:  exitStatus(raw.ExitStatus),
			DownloadURL: rawText(raw.DownloadURL),
			Metadata:    metadataMap(raw.Metadata),
			Parsed:      raw.Parsed,
		}
		r.Structured = append(r.Structured, out)
	}
	return nil
}

func (r *Retval) decodeMapping(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return err
	}
	var entries []MappingEntry
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected mapping key %v", tok)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return err
		}
		entries = append(entries, MappingEntry{Command: key, Output: rawText(value)})
	}
	if len(entries) > 0 {
		r.Kind = RetvalMapping
		r.Mapping = entries
	}
	return nil
}

func (r Retval) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case RetvalStructured:
		items := make([]map[string]any, 0, len(r.Structured))
		for _, o := range r.Structured {
			items = append(items, map[string]any{
				"command":      o.Command,
				"stdout":       o.Stdout,
				"stderr":       o.Stderr,
				"exit_status":  o.ExitStatus,
				"download_url": o.DownloadURL,
				"metadata":     o.Metadata,
				"parsed":       o.Parsed,
			})
		}
		return json.Marshal(items)
	case RetvalMapping:
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, e := range r.Mapping {
			if i > 0 {
				buf.WriteByte(',')
			}
			k, _ := json.Marshal(e.Command)
			v, _ := json.Marshal(e.Output)
			buf.Write(k)
			buf.WriteByte(':')
			buf.Write(v)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case RetvalPositional:
		return json.Marshal(r.Positional)
	case RetvalText:
		return json.Marshal(r.Text)
	}
	return []byte("null"), nil
}

// exitStatus reads an exit status sent as an integer, a float or a numeric
// string. Booleans map to 1 for true. Anything else counts as 0.
func exitStatus(raw json.RawMessage) int {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0
	}
	switch v := v.(type) {
	case float64:
		return int(v)
	case bool:
		if v {
			return 1
		}
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return int(f)
		}
	}
	return 0
}

// metadataMap keeps an object as is and wraps any other non-null value
// under "value".
func metadataMap(raw json.RawMessage) map[string]any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return map[string]any{}
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": v}
}

// rawText renders a JSON value as text: strings unquoted, null as empty,
// anything else as its compact JSON form.
func rawText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return strings.TrimSpace(string(trimmed))
	}
	return buf.String()
}
