package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"

	"github.com/tkspuk/netpulse-sdk/job"
	"github.com/tkspuk/netpulse-sdk/model"
)

// JobFilter narrows job listings. Zero fields match everything.
type JobFilter struct {
	Status model.Status
	Queue  string
}

func (f JobFilter) query() url.Values {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Queue != "" {
		q.Set("queue", f.Queue)
	}
	return q
}

// GetJob looks a job up by ID. The returned job knows neither its device nor
// its commands unless the controller echoes them.
func (c *Client) GetJob(ctx context.Context, id string) (*job.Job, error) {
	var raw json.RawMessage
	if err := c.api.Get(ctx, "/job", url.Values{"id": {id}}, &raw); err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	p, err := model.DecodeJobPayload(raw)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return c.newJob(p, "", nil), nil
}

// GetJobs looks up several jobs and groups them, as when re-opening an
// earlier bulk submission. Devices label the jobs in order when given.
func (c *Client) GetJobs(ctx context.Context, ids []string, devices []string) (job.Handle, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no job IDs", ErrInvalidRequest)
	}
	jobs := make([]*job.Job, 0, len(ids))
	for i, id := range ids {
		j, err := c.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if i < len(devices) && devices[i] != "" && j.DeviceName() == "unknown" {
			j = c.newJob(j.Payload(), devices[i], nil)
		}
		jobs = append(jobs, j)
	}
	if len(jobs) == 1 {
		return jobs[0], nil
	}
	return c.newGroup(jobs, nil)
}

// ListJobs returns the jobs matching filter in the controller's order.
func (c *Client) ListJobs(ctx context.Context, filter JobFilter) ([]*job.Job, error) {
	var raw json.RawMessage
	if err := c.api.Get(ctx, "/job", filter.query(), &raw); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	var items []json.RawMessage
	if data := model.Unwrap(raw); len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("failed to decode job list: %w", err)
		}
	}

	jobs := make([]*job.Job, 0, len(items))
	for _, item := range items {
		p, err := model.DecodeJobPayload(item)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Skipping undecodable job")
			continue
		}
		jobs = append(jobs, c.newJob(p, "", nil))
	}
	return jobs, nil
}

// CancelJob cancels a queued job by ID. It reports whether the controller
// canceled it.
func (c *Client) CancelJob(ctx context.Context, id string) (bool, error) {
	var resp struct {
		Data model.StringList `json:"data"`
	}
	if err := c.api.Delete(ctx, "/job", url.Values{"id": {id}}, &resp); err != nil {
		return false, fmt.Errorf("failed to cancel job %s: %w", id, err)
	}
	return slices.Contains(resp.Data, id), nil
}

// CancelJobs cancels every queued job matching filter and returns their IDs.
func (c *Client) CancelJobs(ctx context.Context, filter JobFilter) ([]string, error) {
	var resp struct {
		Data model.StringList `json:"data"`
	}
	if err := c.api.Delete(ctx, "/job", filter.query(), &resp); err != nil {
		return nil, fmt.Errorf("failed to cancel jobs: %w", err)
	}
	return resp.Data, nil
}
