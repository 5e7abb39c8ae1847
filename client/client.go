package client

// Package client is the entry point of the SDK. It submits commands and
// configuration to devices and hands back job handles that track execution.

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tkspuk/netpulse-sdk/config"
	"github.com/tkspuk/netpulse-sdk/job"
	"github.com/tkspuk/netpulse-sdk/model"
	"github.com/tkspuk/netpulse-sdk/transport"
)

const (
	DefaultDriver      = "netmiko"
	DefaultTTL         = 300 * time.Second
	DefaultConcurrency = 50
)

var (
	// ErrInvalidRequest is returned before anything is sent when a request is
	// malformed.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrAllSubmissionsFailed is returned when a bulk submission created no job.
	ErrAllSubmissionsFailed = errors.New("all devices failed to submit")
)

// Client submits work to a NetPulse controller.
type Client struct {
	logger        zerolog.Logger
	api           *transport.Client
	driver        string
	connArgs      map[string]any
	concurrency   int
	transportOpts []transport.Option
}

// Option is a function that configures a Client.
type Option func(*Client)

// WithLogger sets the logger passed to the client, its transport and every
// job it creates.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithDriver sets the driver used when a request names none.
func WithDriver(driver string) Option {
	return func(c *Client) {
		if driver != "" {
			c.driver = driver
		}
	}
}

// WithConnectionArgs sets connection arguments merged under every request's
// own arguments.
func WithConnectionArgs(args map[string]any) Option {
	return func(c *Client) {
		c.connArgs = maps.Clone(args)
	}
}

// WithConcurrency bounds the parallel requests of group operations and
// connection probes.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithTransportOptions forwards options to the HTTP transport.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(c *Client) {
		c.transportOpts = append(c.transportOpts, opts...)
	}
}

// New creates a client for the controller at baseURL.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	c := &Client{
		logger:      log.Logger,
		driver:      DefaultDriver,
		connArgs:    map[string]any{},
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(c)
	}

	topts := append([]transport.Option{transport.WithLogger(c.logger)}, c.transportOpts...)
	api, err := transport.New(baseURL, apiKey, topts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	c.api = api
	return c, nil
}

// FromConfig creates a client from a loaded profile. Options are applied
// after the profile so they win over it.
func FromConfig(p config.Profile, opts ...Option) (*Client, error) {
	if p.BaseURL == "" {
		return nil, fmt.Errorf("%w: no base URL configured", ErrInvalidRequest)
	}
	if p.APIKey == "" {
		return nil, fmt.Errorf("%w: no API key configured", ErrInvalidRequest)
	}

	var topts []transport.Option
	if p.APIKeyHeader != "" {
		topts = append(topts, transport.WithAPIKeyHeader(p.APIKeyHeader))
	}
	if p.Timeout > 0 {
		topts = append(topts, transport.WithTimeout(p.TimeoutDuration()))
	}
	if p.MaxRetries != nil {
		topts = append(topts, transport.WithMaxRetries(*p.MaxRetries))
	}
	if p.PoolConnections > 0 || p.PoolMaxSize > 0 {
		topts = append(topts, transport.WithPool(p.PoolConnections, p.PoolMaxSize))
	}

	base := []Option{
		WithDriver(p.Driver),
		WithConnectionArgs(p.ConnectionArgs),
		WithTransportOptions(topts...),
	}
	return New(p.BaseURL, p.APIKey, append(base, opts...)...)
}

// Transport returns the HTTP collaborator shared by the client's jobs.
func (c *Client) Transport() *transport.Client { return c.api }

// Driver returns the default driver.
func (c *Client) Driver() string { return c.driver }

// Ping checks that the controller answers and accepts the API key.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.api.Get(ctx, "/health", nil, nil); err != nil {
		return fmt.Errorf("failed to reach %s: %w", c.api.BaseURL(), err)
	}
	return nil
}

func (c *Client) newJob(p model.JobPayload, device string, commands []string) *job.Job {
	return job.New(c.api, p, device, commands, job.WithLogger(c.logger))
}

func (c *Client) newGroup(jobs []*job.Job, failures []model.SubmissionFailure) (*job.Group, error) {
	return job.NewGroup(jobs, failures, job.WithGroupLogger(c.logger), job.WithConcurrency(c.concurrency))
}
