package transport

// Package transport is the HTTP collaborator of the SDK. It attaches the API
// key, retries idempotent requests on transient failures and maps responses
// onto the error taxonomy in errors.go.

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
)

const (
	DefaultAPIKeyHeader    = "X-API-KEY"
	DefaultTimeout         = 30 * time.Second
	DefaultMaxRetries      = 3
	DefaultPoolConnections = 10
	DefaultPoolMaxSize     = 200

	requestIDHeader = "X-Request-ID"
	userAgent       = "netpulse-sdk-go"
)

// Client talks to the NetPulse API.
type Client struct {
	logger       zerolog.Logger
	baseURL      string
	apiKey       string
	apiKeyHeader string
	timeout      time.Duration
	maxRetries   int
	retryBase    time.Duration
	poolIdle     int
	poolMax      int
	httpClient   *http.Client
}

// Option is a function that configures a Client.
type Option func(*Client)

// WithAPIKeyHeader sets the header the API key is sent in.
func WithAPIKeyHeader(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.apiKeyHeader = name
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxRetries sets how often an idempotent request is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the first delay of the exponential retry backoff.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.retryBase = d
		}
	}
}

// WithPool sets the idle connections kept per host and the total connection
// limit per host.
func WithPool(idle, max int) Option {
	return func(c *Client) {
		if idle > 0 {
			c.poolIdle = idle
		}
		if max > 0 {
			c.poolMax = max
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client. Timeout and pool
// options are ignored in that case.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client for the API at baseURL.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}

	c := &Client{
		logger:       log.Logger,
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		apiKeyHeader: DefaultAPIKeyHeader,
		timeout:      DefaultTimeout,
		maxRetries:   DefaultMaxRetries,
		retryBase:    200 * time.Millisecond,
		poolIdle:     DefaultPoolConnections,
		poolMax:      DefaultPoolMaxSize,
	}

	// Apply options
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.MaxIdleConns = c.poolMax
		tr.MaxIdleConnsPerHost = c.poolIdle
		tr.MaxConnsPerHost = c.poolMax
		c.httpClient = &http.Client{Timeout: c.timeout, Transport: tr}
	}

	return c, nil
}

// BaseURL returns the API root without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Get sends a GET request and decodes the JSON answer into out.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

// Delete sends a DELETE request and decodes the JSON answer into out.
func (c *Client) Delete(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodDelete, path, query, nil, out)
}

// Post sends body as JSON. POST requests are never retried.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

// Put sends body as JSON.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPut, path, nil, body, out)
}

// Patch sends body as JSON. PATCH requests are never retried.
func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPatch, path, nil, body, out)
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// transient reports whether a failed attempt is worth repeating.
func transient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Op != "decode"
	}
	return errors.Is(err, ErrRequestTimeout)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	retries := uint64(0)
	if idempotent(method) {
		retries = uint64(c.maxRetries)
	}
	b := retry.WithMaxRetries(retries, retry.NewExponential(c.retryBase))

	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := c.roundTrip(ctx, method, path, query, payload, out)
		if err != nil && transient(err) {
			c.logger.Debug().Err(err).Str("method", method).Str("path", path).Int("attempt", attempt).Msg("Request failed, retrying")
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) resolve(path string, query url.Values) string {
	u := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		u = c.baseURL + path
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) newRequest(ctx context.Context, method, target string, body []byte) (*http.Request, string, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set(c.apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(requestIDHeader, requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, requestID, nil
}

func (c *Client) send(ctx context.Context, req *http.Request, path string) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err == nil {
		return resp, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, path, ctxErr)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return nil, &RequestTimeoutError{URL: path, Err: err}
	}
	return nil, &NetworkError{Op: req.Method + " " + path, Err: err}
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	req, requestID, err := c.newRequest(ctx, method, c.resolve(path, query), body)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.send(ctx, req, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: method + " " + path, Err: err}
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Str("request_id", requestID).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("API request")

	return c.handleResponse(resp, method, path, data, out)
}

func (c *Client) handleResponse(resp *http.Response, method, path string, data []byte, out any) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{StatusCode: resp.StatusCode, Header: c.apiKeyHeader}
	case resp.StatusCode >= 400:
		return newAPIError(resp.StatusCode, method, path, data)
	}

	if resp.StatusCode == http.StatusNoContent || out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &NetworkError{Op: "decode", Err: fmt.Errorf("invalid JSON response: %w", err)}
	}
	return nil
}

// Download streams the body at target into w. target may be absolute or
// relative to the API root. The API key is only sent to the API host.
func (c *Client) Download(ctx context.Context, target string, w io.Writer) (int64, error) {
	full := c.resolve(target, nil)
	req, requestID, err := c.newRequest(ctx, http.MethodGet, full, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Del("Accept")
	if !strings.HasPrefix(full, c.baseURL+"/") {
		req.Header.Del(c.apiKeyHeader)
	}

	resp, err := c.send(ctx, req, target)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return 0, c.handleResponse(resp, http.MethodGet, target, data, nil)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, &NetworkError{Op: "download " + target, Err: err}
	}
	c.logger.Debug().Str("url", target).Str("request_id", requestID).Int64("bytes", n).Msg("Downloaded file")
	return n, nil
}
