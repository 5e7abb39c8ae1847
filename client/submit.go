package client

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/tkspuk/netpulse-sdk/job"
	"github.com/tkspuk/netpulse-sdk/model"
)

// Mode selects the submission endpoint.
type Mode string

const (
	// ModeAuto uses exec for one device and bulk otherwise.
	ModeAuto Mode = "auto"
	ModeExec Mode = "exec"
	ModeBulk Mode = "bulk"
)

// Queue strategies understood by the controller.
const (
	QueueFIFO   = "fifo"
	QueuePinned = "pinned"
)

// Request describes what to run on a set of devices. Exactly one of
// Commands and Config must be set.
type Request struct {
	// Read-only commands
	Commands []string
	// Configuration lines
	Config []string
	Mode   Mode
	// Job TTL, DefaultTTL when zero
	TTL time.Duration
	// Merged over the client's default connection arguments
	ConnectionArgs map[string]any
	// Per-device connection arguments for bulk submissions, keyed by host
	DeviceArgs map[string]map[string]any
	// Overrides the client's driver
	Driver string
	// Driver specific parameters (read_timeout, delay_factor, ...)
	DriverArgs map[string]any
	// Vault credential reference
	Credential map[string]any
	// Template rendering configuration
	Rendering map[string]any
	// Output parsing configuration
	Parsing map[string]any
	// Callback configuration
	Webhook map[string]any
	// fifo or pinned
	QueueStrategy string
	// How long the controller keeps results
	ResultTTL time.Duration
	// File upload or download attached to the job
	FileTransfer map[string]any
	// Keep the command running on the host after the job ends
	Detach bool
}

func (r Request) operation() (string, []string, error) {
	switch {
	case len(r.Commands) > 0 && len(r.Config) > 0:
		return "", nil, fmt.Errorf("%w: commands and config are mutually exclusive", ErrInvalidRequest)
	case len(r.Commands) > 0:
		return string(model.OperationCommand), r.Commands, nil
	case len(r.Config) > 0:
		return string(model.OperationConfig), r.Config, nil
	}
	return "", nil, fmt.Errorf("%w: either commands or config must be specified", ErrInvalidRequest)
}

func selectMode(mode Mode, devices int) (Mode, error) {
	switch mode {
	case ModeExec:
		if devices != 1 {
			return "", fmt.Errorf("%w: exec mode only supports a single device, got %d", ErrInvalidRequest, devices)
		}
		return ModeExec, nil
	case ModeBulk:
		return ModeBulk, nil
	case ModeAuto, "":
		if devices == 1 {
			return ModeExec, nil
		}
		return ModeBulk, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, mode)
}

// payload builds the body shared by exec and bulk submissions.
func (c *Client) payload(req Request, connArgs map[string]any) (map[string]any, []string, error) {
	key, ops, err := req.operation()
	if err != nil {
		return nil, nil, err
	}

	driver := req.Driver
	if driver == "" {
		driver = c.driver
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	body := map[string]any{
		"driver":          driver,
		"connection_args": connArgs,
		key:               ops,
		"ttl":             int(ttl.Seconds()),
	}
	optional := map[string]map[string]any{
		"driver_args":   req.DriverArgs,
		"credential":    req.Credential,
		"rendering":     req.Rendering,
		"parsing":       req.Parsing,
		"webhook":       req.Webhook,
		"file_transfer": req.FileTransfer,
	}
	for k, v := range optional {
		if len(v) > 0 {
			body[k] = v
		}
	}
	if req.QueueStrategy != "" {
		body["queue_strategy"] = req.QueueStrategy
	}
	if req.ResultTTL > 0 {
		body["result_ttl"] = int(req.ResultTTL.Seconds())
	}
	if req.Detach {
		body["detach"] = true
	}
	return body, ops, nil
}

func (c *Client) mergedConnArgs(req Request) map[string]any {
	args := maps.Clone(c.connArgs)
	if args == nil {
		args = map[string]any{}
	}
	maps.Copy(args, req.ConnectionArgs)
	return args
}

// Run submits req to devices. One device in auto mode yields a *job.Job,
// anything else a *job.Group.
func (c *Client) Run(ctx context.Context, devices []string, req Request) (job.Handle, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: devices cannot be empty", ErrInvalidRequest)
	}
	if _, _, err := req.operation(); err != nil {
		return nil, err
	}
	mode, err := selectMode(req.Mode, len(devices))
	if err != nil {
		return nil, err
	}

	if mode == ModeExec {
		return c.Exec(ctx, devices[0], req)
	}
	return c.Bulk(ctx, devices, req)
}

// Collect runs read-only commands in auto mode.
func (c *Client) Collect(ctx context.Context, devices []string, commands []string, req Request) (job.Handle, error) {
	req.Commands = commands
	req.Config = nil
	req.Mode = ModeAuto
	return c.Run(ctx, devices, req)
}

// Exec submits req to a single device through POST /device/exec.
func (c *Client) Exec(ctx context.Context, device string, req Request) (*job.Job, error) {
	if device == "" {
		return nil, fmt.Errorf("%w: device cannot be empty", ErrInvalidRequest)
	}
	args := c.mergedConnArgs(req)
	maps.Copy(args, req.DeviceArgs[device])
	args["host"] = device

	body, ops, err := c.payload(req, args)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := c.api.Post(ctx, "/device/exec", body, &raw); err != nil {
		return nil, fmt.Errorf("failed to submit to %s: %w", device, err)
	}
	p, err := model.DecodeJobPayload(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode submission for %s: %w", device, err)
	}

	c.logger.Debug().Str("job_id", p.ID).Str("device", device).Int("operations", len(ops)).Msg("Submitted job")
	return c.newJob(p, device, ops), nil
}

type bulkResponse struct {
	Succeeded []json.RawMessage         `json:"succeeded"`
	Failed    []model.SubmissionFailure `json:"failed"`
}

// Bulk submits req to every device through POST /device/bulk. Devices the
// controller rejects are kept on the group as submission failures; when none
// was accepted ErrAllSubmissionsFailed is returned.
func (c *Client) Bulk(ctx context.Context, devices []string, req Request) (*job.Group, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: devices cannot be empty", ErrInvalidRequest)
	}
	body, ops, err := c.payload(req, c.mergedConnArgs(req))
	if err != nil {
		return nil, err
	}

	targets := make([]map[string]any, 0, len(devices))
	for _, d := range devices {
		t := maps.Clone(req.DeviceArgs[d])
		if t == nil {
			t = map[string]any{}
		}
		t["host"] = d
		targets = append(targets, t)
	}
	body["devices"] = targets

	var raw json.RawMessage
	if err := c.api.Post(ctx, "/device/bulk", body, &raw); err != nil {
		return nil, fmt.Errorf("failed to submit bulk request: %w", err)
	}
	data := model.Unwrap(raw)
	if len(data) == 0 || string(data) == "null" {
		return nil, fmt.Errorf("failed to submit bulk request: %w: empty data", model.ErrMalformedPayload)
	}
	var resp bulkResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode bulk response: %w", err)
	}

	if len(resp.Failed) > 0 {
		c.logger.Warn().Strs("failed", failureStrings(resp.Failed)).Msg("Some devices failed to submit")
	}
	if len(resp.Succeeded) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAllSubmissionsFailed, strings.Join(failureStrings(resp.Failed), ", "))
	}

	namer := newDeviceNamer(devices)
	jobs := make([]*job.Job, 0, len(resp.Succeeded))
	for _, item := range resp.Succeeded {
		p, err := model.DecodeJobPayload(item)
		if err != nil {
			return nil, fmt.Errorf("failed to decode bulk job: %w", err)
		}
		jobs = append(jobs, c.newJob(p, namer.name(p, len(jobs)), ops))
	}

	c.logger.Debug().Int("jobs", len(jobs)).Int("failed", len(resp.Failed)).Msg("Submitted bulk request")
	return c.newGroup(jobs, resp.Failed)
}

func failureStrings(fs []model.SubmissionFailure) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.String()
	}
	return out
}

// deviceNamer labels bulk jobs. The controller's echo of the host wins;
// otherwise the next submitted device not yet claimed by a fallback is used,
// then the device at the job's position.
type deviceNamer struct {
	devices []string
	used    map[int]bool
}

func newDeviceNamer(devices []string) *deviceNamer {
	return &deviceNamer{devices: devices, used: make(map[int]bool)}
}

func (n *deviceNamer) name(p model.JobPayload, position int) string {
	if h, ok := p.ConnectionArgs["host"].(string); ok && h != "" {
		return h
	}
	if p.Device != "" {
		return p.Device
	}
	if p.Host != "" {
		return p.Host
	}
	for i, d := range n.devices {
		if !n.used[i] && d != "" {
			n.used[i] = true
			return d
		}
	}
	if position < len(n.devices) && n.devices[position] != "" {
		n.used[position] = true
		return n.devices[position]
	}
	return "unknown"
}
