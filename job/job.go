package job

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tkspuk/netpulse-sdk/model"
)

// Transport is the subset of the HTTP client a job needs to track itself.
type Transport interface {
	Get(ctx context.Context, path string, query url.Values, out any) error
	Delete(ctx context.Context, path string, query url.Values, out any) error
}

// Job tracks one asynchronous remote execution against one device.
//
// A Job is not safe for concurrent use. Different jobs share no state.
type Job struct {
	logger     zerolog.Logger
	transport  Transport
	data       model.JobPayload
	deviceName string
	commands   []string
	results    model.Results
}

// JobOption configures a Job.
type JobOption func(*Job)

// WithLogger sets the logger used for warnings and debug output.
func WithLogger(logger zerolog.Logger) JobOption {
	return func(j *Job) {
		j.logger = logger
	}
}

// New wraps the payload returned by a submission. deviceName and commands
// label results when the server does not; when empty they fall back to the
// echoes in the payload.
func New(t Transport, payload model.JobPayload, deviceName string, commands []string, opts ...JobOption) *Job {
	if deviceName == "" {
		deviceName = payload.TargetHost()
	}
	if deviceName == "" {
		deviceName = "unknown"
	}
	if len(commands) == 0 {
		commands = payload.Command
	}

	j := &Job{
		logger:     log.Logger,
		transport:  t,
		deviceName: deviceName,
		commands:   append([]string(nil), commands...),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.install(payload)
	return j
}

// install replaces the snapshot wholesale and resolves results once.
func (j *Job) install(p model.JobPayload) {
	j.data = p
	j.results = nil
	if p.Status.IsTerminal() {
		j.results = normalize(p, j.deviceName, j.commands)
	}
}

func (j *Job) Kind() Kind { return KindSingle }

func (j *Job) ID() string { return j.data.ID }

func (j *Job) IDs() []string { return []string{j.data.ID} }

func (j *Job) Status() model.Status { return j.data.Status }

func (j *Job) IsDone() bool { return j.data.Status.IsTerminal() }

func (j *Job) DeviceName() string { return j.deviceName }

// Commands returns the command list the job was submitted with.
func (j *Job) Commands() []string { return append([]string(nil), j.commands...) }

// Payload returns the last fetched snapshot.
func (j *Job) Payload() model.JobPayload { return j.data }

func (j *Job) TaskID() string { return j.data.TaskID }

func (j *Job) Queue() string { return j.data.Queue }

func (j *Job) Worker() string { return j.data.Worker }

// Duration returns the execution time reported by the server, or zero.
func (j *Job) Duration() time.Duration {
	return time.Duration(j.data.DurationMS()) * time.Millisecond
}

// QueueTime returns the time spent waiting in the queue, or zero.
func (j *Job) QueueTime() time.Duration {
	if j.data.QueueTime == nil {
		return 0
	}
	return time.Duration(*j.data.QueueTime * float64(time.Second))
}

func (j *Job) CreatedAt() time.Time  { return j.data.CreatedAt.Time }
func (j *Job) EnqueuedAt() time.Time { return j.data.EnqueuedAt.Time }
func (j *Job) StartedAt() time.Time  { return j.data.StartedAt.Time }
func (j *Job) EndedAt() time.Time    { return j.data.EndedAt.Time }

func (j *Job) Jobs() []*Job { return []*Job{j} }

func (j *Job) SubmissionFailures() []model.SubmissionFailure { return nil }

func (j *Job) path() string {
	return "/jobs/" + url.PathEscape(j.data.ID)
}

// Refresh fetches the current state and replaces the snapshot. Transport and
// decoding errors are returned unchanged in meaning; the previous snapshot is
// kept in that case.
func (j *Job) Refresh(ctx context.Context) error {
	var raw json.RawMessage
	if err := j.transport.Get(ctx, j.path(), nil, &raw); err != nil {
		return fmt.Errorf("failed to refresh job %s: %w", j.data.ID, err)
	}
	p, err := model.DecodeJobPayload(raw)
	if err != nil {
		return fmt.Errorf("failed to decode job %s: %w", j.data.ID, err)
	}
	j.install(p)
	j.logger.Debug().Str("job_id", p.ID).Str("status", p.Status.String()).Msg("Refreshed job")
	return nil
}

// Wait blocks until the job reaches a terminal state. It returns a
// *TimeoutError when WithTimeout elapses first; the remote job is not
// canceled.
func (j *Job) Wait(ctx context.Context, opts ...WaitOption) error {
	return waitFor(ctx, j, opts)
}

// Cancel deletes the job if it is still queued and refreshes the snapshot.
// For any other status it logs a warning and returns nil.
func (j *Job) Cancel(ctx context.Context) error {
	if j.data.Status != model.StatusQueued {
		j.logger.Warn().
			Str("job_id", j.data.ID).
			Str("status", j.data.Status.String()).
			Msg("Job is not queued, cannot cancel")
		return nil
	}
	if err := j.transport.Delete(ctx, j.path(), nil, nil); err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", j.data.ID, err)
	}
	return j.Refresh(ctx)
}

// Progress derives execution counts from the current status.
func (j *Job) Progress() model.JobProgress {
	total := max(len(j.commands), 1)
	switch j.data.Status {
	case model.StatusFinished:
		return model.JobProgress{Total: total, Completed: total}
	case model.StatusFailed, model.StatusCanceled:
		return model.JobProgress{Total: total, Failed: total}
	default:
		return model.JobProgress{Total: total, Running: total}
	}
}

// Results returns the normalized results without blocking. It is empty while
// the job is running and never empty once it is done.
func (j *Job) Results() model.Results {
	if !j.IsDone() {
		return model.Results{}
	}
	return j.results.Clone()
}

// Stream waits for the job and then yields every result.
func (j *Job) Stream(ctx context.Context, opts ...WaitOption) iter.Seq2[model.Result, error] {
	return func(yield func(model.Result, error) bool) {
		if err := j.Wait(ctx, opts...); err != nil {
			yield(model.Result{}, err)
			return
		}
		for _, r := range j.Results() {
			if !yield(r, nil) {
				return
			}
		}
	}
}

// settled blocks until the job is done and returns its results. Every view
// below goes through it.
func (j *Job) settled(ctx context.Context) (model.Results, error) {
	if err := j.Wait(ctx); err != nil {
		return nil, err
	}
	return j.Results(), nil
}

// Succeeded blocks and returns the results whose task completed.
func (j *Job) Succeeded(ctx context.Context) (model.Results, error) {
	rs, err := j.settled(ctx)
	return rs.Succeeded(), err
}

// Failed blocks and returns the results whose task failed.
func (j *Job) Failed(ctx context.Context) (model.Results, error) {
	rs, err := j.settled(ctx)
	return rs.Failed(), err
}

// TrulySucceeded blocks and returns the results with clean device output.
func (j *Job) TrulySucceeded(ctx context.Context) (model.Results, error) {
	rs, err := j.settled(ctx)
	return rs.TrulySucceeded(), err
}

// DeviceErrors blocks and returns the completed results whose output matched
// a device error pattern.
func (j *Job) DeviceErrors(ctx context.Context) (model.Results, error) {
	rs, err := j.settled(ctx)
	return rs.DeviceErrors(), err
}

// AllOK blocks and reports whether every result is OK.
func (j *Job) AllOK(ctx context.Context) (bool, error) {
	rs, err := j.settled(ctx)
	return rs.AllOK(), err
}

// Find blocks and returns results for a device name or a command substring.
func (j *Job) Find(ctx context.Context, key string) (model.Results, error) {
	rs, err := j.settled(ctx)
	return rs.Find(key), err
}

// Stdout blocks and joins the non-blank stdout of every command.
func (j *Job) Stdout(ctx context.Context) (string, error) {
	rs, err := j.settled(ctx)
	return rs.Stdout(), err
}

// Stderr blocks and joins the non-blank stderr of every command.
func (j *Job) Stderr(ctx context.Context) (string, error) {
	rs, err := j.settled(ctx)
	return rs.Stderr(), err
}

// Parsed blocks and maps each command to its parsed output.
func (j *Job) Parsed(ctx context.Context) (map[string]any, error) {
	rs, err := j.settled(ctx)
	return rs.Parsed(), err
}

// StdoutByCommand blocks and maps each command to its stdout.
func (j *Job) StdoutByCommand(ctx context.Context) (map[string]string, error) {
	rs, err := j.settled(ctx)
	return rs.StdoutByCommand(), err
}

// StderrByCommand blocks and maps each command to its stderr.
func (j *Job) StderrByCommand(ctx context.Context) (map[string]string, error) {
	rs, err := j.settled(ctx)
	return rs.StderrByCommand(), err
}

// Text blocks and renders every command's output under a header.
func (j *Job) Text(ctx context.Context) (string, error) {
	rs, err := j.settled(ctx)
	return rs.Text(), err
}

// FailedCommands blocks and lists the commands whose task failed.
func (j *Job) FailedCommands(ctx context.Context) ([]string, error) {
	rs, err := j.settled(ctx)
	return rs.FailedCommands(), err
}

// ToMap blocks and returns the results keyed by device name.
func (j *Job) ToMap(ctx context.Context) (map[string]model.Results, error) {
	rs, err := j.settled(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]model.Results{j.deviceName: rs}, nil
}

// ToJSON blocks and returns the results as a JSON array.
func (j *Job) ToJSON(ctx context.Context) (string, error) {
	rs, err := j.settled(ctx)
	if err != nil {
		return "", err
	}
	return rs.JSON()
}

// Err blocks and returns a *FailedError if any command failed.
func (j *Job) Err(ctx context.Context) error {
	rs, err := j.settled(ctx)
	if err != nil {
		return err
	}
	if rs.AllOK() {
		return nil
	}
	return &FailedError{
		JobIDs:         j.IDs(),
		FailedCommands: map[string][]string{j.deviceName: rs.FailedCommands()},
	}
}

// Summary blocks and returns a one-line description of the outcome.
func (j *Job) Summary(ctx context.Context) (string, error) {
	rs, err := j.settled(ctx)
	if err != nil {
		return "", err
	}
	return j.summary(rs), nil
}

func (j *Job) summary(rs model.Results) string {
	total := len(rs)
	state := "✓ ALL OK"
	if !rs.AllOK() {
		state = fmt.Sprintf("✗ %d/%d FAILED", len(rs.Failed()), total)
	}
	dur := ""
	if d := j.Duration(); d > 0 {
		dur = fmt.Sprintf(" in %.1fs", d.Seconds())
	}
	return fmt.Sprintf("Job(%s...) %s [%s] %d cmd(s)%s", shortID(j.data.ID), j.deviceName, state, total, dur)
}

func (j *Job) String() string {
	cmds := "?"
	if len(j.commands) > 0 {
		cmds = fmt.Sprint(len(j.commands))
	}
	dur := ""
	if d := j.Duration(); d > 0 {
		dur = fmt.Sprintf(", duration=%.1fs", d.Seconds())
	}
	return fmt.Sprintf("Job(id=%s..., device=%s, cmds=%s, status=%s%s)", shortID(j.data.ID), j.deviceName, cmds, j.data.Status, dur)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
