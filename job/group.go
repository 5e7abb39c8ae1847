package job

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tkspuk/netpulse-sdk/model"
)

// DefaultConcurrency bounds the number of parallel refresh calls of a group.
const DefaultConcurrency = 50

// Group aggregates the jobs created by one bulk submission.
//
// A Group is not safe for concurrent use.
type Group struct {
	logger      zerolog.Logger
	jobs        []*Job
	failures    []model.SubmissionFailure
	concurrency int

	cache  model.Results
	cached bool
}

// GroupOption configures a Group.
type GroupOption func(*Group)

// WithGroupLogger sets the logger used for warnings and debug output.
func WithGroupLogger(logger zerolog.Logger) GroupOption {
	return func(g *Group) {
		g.logger = logger
	}
}

// WithConcurrency bounds the number of jobs refreshed in parallel.
func WithConcurrency(n int) GroupOption {
	return func(g *Group) {
		if n > 0 {
			g.concurrency = n
		}
	}
}

// NewGroup builds a group from the submitted jobs and the devices rejected at
// submission time. It fails with ErrEmptyGroup when jobs is empty.
func NewGroup(jobs []*Job, failures []model.SubmissionFailure, opts ...GroupOption) (*Group, error) {
	if len(jobs) == 0 {
		return nil, ErrEmptyGroup
	}
	g := &Group{
		logger:      log.Logger,
		jobs:        append([]*Job(nil), jobs...),
		failures:    append([]model.SubmissionFailure(nil), failures...),
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *Group) Kind() Kind { return KindGroup }

func (g *Group) IDs() []string {
	ids := make([]string, 0, len(g.jobs))
	for _, j := range g.jobs {
		ids = append(ids, j.ID())
	}
	return ids
}

func (g *Group) Jobs() []*Job { return append([]*Job(nil), g.jobs...) }

// Len returns the number of successfully submitted devices.
func (g *Group) Len() int { return len(g.jobs) }

// Devices returns the device name of every job, in submission order.
func (g *Group) Devices() []string {
	devices := make([]string, 0, len(g.jobs))
	for _, j := range g.jobs {
		devices = append(devices, j.DeviceName())
	}
	return devices
}

// SubmissionFailures returns the devices that never got a job.
func (g *Group) SubmissionFailures() []model.SubmissionFailure {
	return append([]model.SubmissionFailure(nil), g.failures...)
}

// Status aggregates member statuses. Failure takes precedence over jobs still
// in flight: all finished -> finished, any failed -> partial_failed, any
// queued or started -> running, anything else -> mixed.
func (g *Group) Status() model.Status {
	allFinished, anyFailed, anyPending := true, false, false
	for _, j := range g.jobs {
		s := j.Status()
		if s != model.StatusFinished {
			allFinished = false
		}
		if s == model.StatusFailed {
			anyFailed = true
		}
		if s.IsPending() {
			anyPending = true
		}
	}
	switch {
	case allFinished:
		return model.StatusFinished
	case anyFailed:
		return model.StatusPartialFailed
	case anyPending:
		return model.StatusRunning
	default:
		return model.StatusMixed
	}
}

func (g *Group) IsDone() bool {
	for _, j := range g.jobs {
		if !j.IsDone() {
			return false
		}
	}
	return true
}

// Refresh invalidates the result cache and refreshes every job with bounded
// concurrency. A failing job does not stop the others; all errors are
// returned joined.
func (g *Group) Refresh(ctx context.Context) error {
	g.cache, g.cached = nil, false

	var (
		eg   errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	eg.SetLimit(g.concurrency)
	for _, j := range g.jobs {
		eg.Go(func() error {
			if err := j.Refresh(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()
	return errors.Join(errs...)
}

// Wait blocks until every job is terminal, using the same backoff as Job.Wait.
func (g *Group) Wait(ctx context.Context, opts ...WaitOption) error {
	return waitFor(ctx, g, opts)
}

// Cancel cancels every queued job with the group's concurrency. Failures are
// logged and do not stop the remaining cancellations.
func (g *Group) Cancel(ctx context.Context) error {
	var eg errgroup.Group
	eg.SetLimit(g.concurrency)
	for _, j := range g.jobs {
		eg.Go(func() error {
			if err := j.Cancel(ctx); err != nil {
				g.logger.Warn().Err(err).Str("job_id", j.ID()).Msg("Failed to cancel job")
			}
			return nil
		})
	}
	_ = eg.Wait()
	g.cache, g.cached = nil, false
	return nil
}

// Progress sums member progress counter by counter.
func (g *Group) Progress() model.JobProgress {
	var p model.JobProgress
	for _, j := range g.jobs {
		p = p.Add(j.Progress())
	}
	return p
}

// Results returns the results of all finished jobs without blocking. Once
// every job is done the list is cached until the next Refresh.
func (g *Group) Results() model.Results {
	done := g.IsDone()
	if g.cached && done {
		return g.cache.Clone()
	}
	all := model.Results{}
	for _, j := range g.jobs {
		all = append(all, j.Results()...)
	}
	if done {
		g.cache, g.cached = all, true
		return all.Clone()
	}
	return all
}

type streamKey struct {
	jobID   string
	command string
	// occurrence of command within the job, so repeated commands are kept
	nth int
}

// Stream yields each result once, as soon as its job is observed terminal.
// Between polls it backs off like Wait and finishes with a final sweep so
// jobs completing on the last poll are not missed. A refresh error or an
// elapsed WithTimeout is yielded as the last element.
func (g *Group) Stream(ctx context.Context, opts ...WaitOption) iter.Seq2[model.Result, error] {
	return func(yield func(model.Result, error) bool) {
		cfg := newWaitConfig(opts)
		dl := deadline{start: time.Now(), timeout: cfg.timeout}
		interval := cfg.interval
		seen := make(map[streamKey]bool)

		emit := func() bool {
			counts := make(map[[2]string]int)
			for _, r := range g.Results() {
				ck := [2]string{r.JobID, r.Command}
				key := streamKey{jobID: r.JobID, command: r.Command, nth: counts[ck]}
				counts[ck]++
				if seen[key] {
					continue
				}
				seen[key] = true
				if !yield(r, nil) {
					return false
				}
			}
			return true
		}

		for !g.IsDone() {
			if err := g.Refresh(ctx); err != nil {
				yield(model.Result{}, err)
				return
			}
			if !emit() {
				return
			}
			cfg.report(g.Progress())
			if g.IsDone() {
				break
			}
			d, ok := dl.clip(interval)
			if !ok {
				yield(model.Result{}, &TimeoutError{JobIDs: g.IDs(), Timeout: cfg.timeout})
				return
			}
			if err := sleep(ctx, d); err != nil {
				yield(model.Result{}, err)
				return
			}
			interval = nextInterval(interval)
		}
		emit()
	}
}

func (g *Group) settled(ctx context.Context) (model.Results, error) {
	if err := g.Wait(ctx); err != nil {
		return nil, err
	}
	return g.Results(), nil
}

// Succeeded blocks and returns the results whose task completed.
func (g *Group) Succeeded(ctx context.Context) (model.Results, error) {
	rs, err := g.settled(ctx)
	return rs.Succeeded(), err
}

// Failed blocks and returns the results whose task failed.
func (g *Group) Failed(ctx context.Context) (model.Results, error) {
	rs, err := g.settled(ctx)
	return rs.Failed(), err
}

// TrulySucceeded blocks and returns the results with clean device output.
func (g *Group) TrulySucceeded(ctx context.Context) (model.Results, error) {
	rs, err := g.settled(ctx)
	return rs.TrulySucceeded(), err
}

// DeviceErrors blocks and returns the completed results whose output matched
// a device error pattern.
func (g *Group) DeviceErrors(ctx context.Context) (model.Results, error) {
	rs, err := g.settled(ctx)
	return rs.DeviceErrors(), err
}

// AllOK blocks and reports whether every result is OK.
func (g *Group) AllOK(ctx context.Context) (bool, error) {
	rs, err := g.settled(ctx)
	return rs.AllOK(), err
}

// ForDevice blocks and returns the results of one device.
func (g *Group) ForDevice(ctx context.Context, device string) (model.Results, error) {
	rs, err := g.settled(ctx)
	if err != nil {
		return nil, err
	}
	out := model.Results{}
	for _, r := range rs {
		if r.DeviceName == device {
			out = append(out, r)
		}
	}
	return out, nil
}

// ToMap blocks and returns the results keyed by device name.
func (g *Group) ToMap(ctx context.Context) (map[string]model.Results, error) {
	rs, err := g.settled(ctx)
	if err != nil {
		return nil, err
	}
	return rs.ByDevice(), nil
}

// Stdout blocks and maps each device to its joined non-blank stdout.
func (g *Group) Stdout(ctx context.Context) (map[string]string, error) {
	rs, err := g.settled(ctx)
	if err != nil {
		return nil, err
	}
	return rs.StdoutByDevice(), nil
}

// Stderr blocks and maps each device to its joined non-blank stderr.
func (g *Group) Stderr(ctx context.Context) (map[string]string, error) {
	rs, err := g.settled(ctx)
	if err != nil {
		return nil, err
	}
	return rs.StderrByDevice(), nil
}

// Parsed blocks and maps device -> command -> parsed output.
func (g *Group) Parsed(ctx context.Context) (map[string]map[string]any, error) {
	rs, err := g.settled(ctx)
	if err != nil {
		return nil, err
	}
	return rs.ParsedByDevice(), nil
}

// StdoutByCommand blocks and maps device -> command -> stdout.
func (g *Group) StdoutByCommand(ctx context.Context) (map[string]map[string]string, error) {
	rs, err := g.settled(ctx)
	if err != nil {
		return nil, err
	}
	return rs.StdoutByDeviceCommand(), nil
}

// StderrByCommand blocks and maps device -> command -> stderr.
func (g *Group) StderrByCommand(ctx context.Context) (map[string]map[string]string, error) {
	rs, err := g.settled(ctx)
	if err != nil {
		return nil, err
	}
	return rs.StderrByDeviceCommand(), nil
}

// Text blocks and renders every job's output under a device header.
func (g *Group) Text(ctx context.Context) (string, error) {
	if err := g.Wait(ctx); err != nil {
		return "", err
	}
	sections := make([]string, 0, len(g.jobs))
	for _, j := range g.jobs {
		header := fmt.Sprintf("=== Device: %s (Job: %s) ===", j.DeviceName(), j.ID())
		sections = append(sections, header+"\n"+j.Results().Text())
	}
	return strings.Join(sections, "\n\n"), nil
}

// FailedCommands blocks and maps each device with failures to its failed
// commands.
func (g *Group) FailedCommands(ctx context.Context) (map[string][]string, error) {
	if err := g.Wait(ctx); err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for _, j := range g.jobs {
		rs := j.Results()
		if !rs.AllOK() {
			out[j.DeviceName()] = append(out[j.DeviceName()], rs.FailedCommands()...)
		}
	}
	return out, nil
}

// ToJSON blocks and returns all results as a JSON array.
func (g *Group) ToJSON(ctx context.Context) (string, error) {
	rs, err := g.settled(ctx)
	if err != nil {
		return "", err
	}
	return rs.JSON()
}

// Err blocks and returns a *FailedError if any device had failures.
func (g *Group) Err(ctx context.Context) error {
	failed, err := g.FailedCommands(ctx)
	if err != nil {
		return err
	}
	if len(failed) == 0 {
		return nil
	}
	return &FailedError{JobIDs: g.IDs(), FailedCommands: failed}
}

// Summary blocks and returns one header line plus one line per job.
func (g *Group) Summary(ctx context.Context) (string, error) {
	if err := g.Wait(ctx); err != nil {
		return "", err
	}
	lines := []string{fmt.Sprintf("JobGroup: %d device(s), status=%s", len(g.jobs), g.Status())}
	for _, j := range g.jobs {
		lines = append(lines, "  "+j.summary(j.Results()))
	}
	for _, f := range g.failures {
		lines = append(lines, "  ✗ not submitted: "+f.String())
	}
	return strings.Join(lines, "\n"), nil
}

func (g *Group) String() string {
	names := g.Devices()
	shown := strings.Join(names[:min(len(names), 3)], ", ")
	if len(names) > 3 {
		shown += fmt.Sprintf(", ... (+%d)", len(names)-3)
	}
	return fmt.Sprintf("JobGroup(devices=[%s], jobs=%d, status=%s)", shown, len(g.jobs), g.Status())
}
