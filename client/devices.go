package client

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/tkspuk/netpulse-sdk/job"
	"github.com/tkspuk/netpulse-sdk/model"
)

// TestConnection probes whether the controller can log into device. driver
// falls back to the client's driver.
func (c *Client) TestConnection(ctx context.Context, device, driver string, connArgs map[string]any) (model.ConnectionTestResult, error) {
	if driver == "" {
		driver = c.driver
	}
	args := maps.Clone(c.connArgs)
	if args == nil {
		args = map[string]any{}
	}
	maps.Copy(args, connArgs)
	args["host"] = device

	body := map[string]any{
		"driver":          driver,
		"connection_args": args,
	}
	var resp struct {
		Data model.ConnectionTestResult `json:"data"`
	}
	if err := c.api.Post(ctx, "/device/test-connection", body, &resp); err != nil {
		return model.ConnectionTestResult{}, fmt.Errorf("failed to test connection to %s: %w", device, err)
	}
	if resp.Data.Host == "" {
		resp.Data.Host = device
	}
	if resp.Data.Driver == "" {
		resp.Data.Driver = driver
	}
	return resp.Data, nil
}

// TestConnections probes devices in parallel. Results keep the order of
// devices; a probe that could not be made is reported as a failed result
// rather than aborting the others.
func (c *Client) TestConnections(ctx context.Context, devices []string, driver string, connArgs map[string]any) []model.ConnectionTestResult {
	out := make([]model.ConnectionTestResult, len(devices))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(c.concurrency)
	for i, d := range devices {
		eg.Go(func() error {
			res, err := c.TestConnection(ctx, d, driver, connArgs)
			if err != nil {
				c.logger.Warn().Err(err).Str("device", d).Msg("Connection test failed")
				res = model.ConnectionTestResult{Host: d, Driver: driver, Error: err.Error()}
				if res.Driver == "" {
					res.Driver = c.driver
				}
			}
			out[i] = res
			return nil
		})
	}
	_ = eg.Wait()
	return out
}

// ListWorkers returns the controller's workers, restricted to queue when it
// is not empty.
func (c *Client) ListWorkers(ctx context.Context, queue string) ([]model.Worker, error) {
	q := url.Values{}
	if queue != "" {
		q.Set("queue", queue)
	}
	var resp struct {
		Data []model.Worker `json:"data"`
	}
	if err := c.api.Get(ctx, "/worker", q, &resp); err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	return resp.Data, nil
}

// ListDetachedTasks returns the detached tasks known to the controller.
func (c *Client) ListDetachedTasks(ctx context.Context) ([]model.DetachedTask, error) {
	var resp struct {
		Data []model.DetachedTask `json:"data"`
	}
	if err := c.api.Get(ctx, "/detached-tasks/", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list detached tasks: %w", err)
	}
	return resp.Data, nil
}

// GetDetachedTask returns one detached task.
func (c *Client) GetDetachedTask(ctx context.Context, id string) (model.DetachedTask, error) {
	var resp struct {
		Data model.DetachedTask `json:"data"`
	}
	if err := c.api.Get(ctx, "/detached-tasks/"+url.PathEscape(id), nil, &resp); err != nil {
		return model.DetachedTask{}, fmt.Errorf("failed to get detached task %s: %w", id, err)
	}
	return resp.Data, nil
}

// CancelDetachedTask kills a running detached task and reports whether the
// controller did so.
func (c *Client) CancelDetachedTask(ctx context.Context, id string) (bool, error) {
	var resp struct {
		Data bool `json:"data"`
	}
	if err := c.api.Delete(ctx, "/detached-tasks/"+url.PathEscape(id), nil, &resp); err != nil {
		return false, fmt.Errorf("failed to cancel detached task %s: %w", id, err)
	}
	return resp.Data, nil
}

// DiscoverJobs turns the controller's detached tasks into jobs so they can
// be inspected with the usual views. Ended tasks carry their output as a
// single result. Refreshing or waiting on a discovered job polls its task,
// not the job that launched it, and canceling one kills the task.
func (c *Client) DiscoverJobs(ctx context.Context) ([]*job.Job, error) {
	tasks, err := c.ListDetachedTasks(ctx)
	if err != nil {
		return nil, err
	}
	jobs := make([]*job.Job, 0, len(tasks))
	for _, t := range tasks {
		tr := taskTransport{client: c, taskID: t.TaskID}
		jobs = append(jobs, job.New(tr, taskPayload(t), t.Host(), t.Command, job.WithLogger(c.logger)))
	}
	return jobs, nil
}

// taskTransport serves job lookups from a detached task.
type taskTransport struct {
	client *Client
	taskID string
}

func (t taskTransport) Get(ctx context.Context, _ string, _ url.Values, out any) error {
	task, err := t.client.GetDetachedTask(ctx, t.taskID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(taskPayload(task))
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", t.taskID, err)
	}
	return json.Unmarshal(data, out)
}

func (t taskTransport) Delete(ctx context.Context, _ string, _ url.Values, _ any) error {
	_, err := t.client.CancelDetachedTask(ctx, t.taskID)
	return err
}

func taskPayload(t model.DetachedTask) model.JobPayload {
	id := t.JobID
	if id == "" {
		id = t.TaskID
	}
	p := model.JobPayload{
		ID:        id,
		Status:    t.JobStatus(),
		TaskID:    t.TaskID,
		CreatedAt: t.CreatedAt,
		EndedAt:   t.EndedAt,
		Host:      t.Host(),
		Command:   t.Command,
	}
	if !p.Status.IsTerminal() {
		return p
	}

	exit := 0
	if t.ExitStatus != nil {
		exit = *t.ExitStatus
	}
	rt := model.ResultTypeSuccessful
	if p.Status != model.StatusFinished {
		rt = model.ResultTypeFailed
	}
	p.Result = &model.JobResult{
		Type: rt,
		Retval: model.Retval{
			Kind: model.RetvalStructured,
			Structured: []model.CommandOutput{{
				Command:    strings.Join(t.Command, "; "),
				Stdout:     t.Stdout,
				Stderr:     t.Stderr,
				ExitStatus: exit,
				Metadata:   t.Metadata,
			}},
		},
	}
	return p
}

// DownloadFile streams target to dest, creating parent directories. It
// returns the number of bytes written.
func (c *Client) DownloadFile(ctx context.Context, target, dest string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create directory for %s: %w", dest, err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", dest, err)
	}

	n, err := c.api.Download(ctx, target, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dest)
		return n, fmt.Errorf("failed to download %s: %w", target, err)
	}
	c.logger.Info().Str("file", dest).Int64("bytes", n).Msg("Downloaded file")
	return n, nil
}
