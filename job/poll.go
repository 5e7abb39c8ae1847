package job

import (
	"context"
	"time"

	"github.com/tkspuk/netpulse-sdk/model"
)

const (
	// DefaultPollInterval is the first delay between two status polls.
	DefaultPollInterval = 500 * time.Millisecond
	maxPollInterval     = 5 * time.Second
	backoffFactor       = 1.5
)

type waitConfig struct {
	timeout    time.Duration
	interval   time.Duration
	onProgress func(model.JobProgress)
}

// WaitOption configures Wait and Stream.
type WaitOption func(*waitConfig)

// WithTimeout gives up waiting after d. Zero waits until ctx is done.
func WithTimeout(d time.Duration) WaitOption {
	return func(c *waitConfig) {
		c.timeout = d
	}
}

// WithPollInterval sets the initial delay between polls.
func WithPollInterval(d time.Duration) WaitOption {
	return func(c *waitConfig) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithProgress calls fn with a progress snapshot before waiting and after
// every poll.
func WithProgress(fn func(model.JobProgress)) WaitOption {
	return func(c *waitConfig) {
		c.onProgress = fn
	}
}

func newWaitConfig(opts []WaitOption) waitConfig {
	c := waitConfig{interval: DefaultPollInterval}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func nextInterval(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * backoffFactor)
	if next > maxPollInterval {
		return maxPollInterval
	}
	return next
}

func (c waitConfig) report(p model.JobProgress) {
	if c.onProgress != nil {
		c.onProgress(p)
	}
}

// deadline tracks the client-side give-up point of a wait.
type deadline struct {
	start   time.Time
	timeout time.Duration
}

// clip shortens d so it does not run past the deadline. It returns false
// once the deadline has passed.
func (d deadline) clip(sleep time.Duration) (time.Duration, bool) {
	if d.timeout <= 0 {
		return sleep, true
	}
	remaining := d.timeout - time.Since(d.start)
	if remaining <= 0 {
		return 0, false
	}
	return min(sleep, remaining), true
}

type poller interface {
	IDs() []string
	IsDone() bool
	Refresh(ctx context.Context) error
	Progress() model.JobProgress
}

// waitFor polls p until it is done, growing the interval by backoffFactor up
// to maxPollInterval between polls.
func waitFor(ctx context.Context, p poller, opts []WaitOption) error {
	cfg := newWaitConfig(opts)
	dl := deadline{start: time.Now(), timeout: cfg.timeout}
	interval := cfg.interval

	cfg.report(p.Progress())
	for !p.IsDone() {
		d, ok := dl.clip(interval)
		if !ok {
			return &TimeoutError{JobIDs: p.IDs(), Timeout: cfg.timeout}
		}
		if err := sleep(ctx, d); err != nil {
			return err
		}
		if err := p.Refresh(ctx); err != nil {
			return err
		}
		cfg.report(p.Progress())
		interval = nextInterval(interval)
	}
	return nil
}

// sleep blocks for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
