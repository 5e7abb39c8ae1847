package cli

// This file contains the rendering shared by every command that prints job
// results.

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/tkspuk/netpulse-sdk/filter"
	"github.com/tkspuk/netpulse-sdk/job"
	"github.com/tkspuk/netpulse-sdk/model"
)

// outputFlags are accepted by every command that waits for results.
func outputFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "json",
			Usage: "Print results as JSON",
		},
		&cli.BoolFlag{
			Name:  "stream",
			Usage: "Print results as soon as each job finishes",
		},
		&cli.StringFlag{
			Name:  "where",
			Usage: `Only print results matching a CEL expression, e.g. 'ok && stdout.contains("up")'`,
		},
		&cli.DurationFlag{
			Name:  "wait-timeout",
			Usage: "Give up waiting after this long (0 waits forever)",
		},
		&cli.DurationFlag{
			Name:  "poll-interval",
			Usage: "Initial interval between status polls",
			Value: job.DefaultPollInterval,
		},
	}
}

type outputOptions struct {
	json   bool
	stream bool
	where  *filter.Filter
	wait   []job.WaitOption
}

func (a *App) parseOutputOptions(ctx *cli.Context) (outputOptions, error) {
	o := outputOptions{
		json:   ctx.Bool("json"),
		stream: ctx.Bool("stream"),
	}
	if expr := ctx.String("where"); expr != "" {
		f, err := filter.New(expr)
		if err != nil {
			return o, err
		}
		o.where = f
	}
	if d := ctx.Duration("wait-timeout"); d > 0 {
		o.wait = append(o.wait, job.WithTimeout(d))
	}
	if d := ctx.Duration("poll-interval"); d > 0 {
		o.wait = append(o.wait, job.WithPollInterval(d))
	}
	if !o.json {
		o.wait = append(o.wait, job.WithProgress(a.logProgress))
	}
	return o, nil
}

func (a *App) logProgress(p model.JobProgress) {
	a.logger.Debug().
		Int("completed", p.Completed).
		Int("failed", p.Failed).
		Int("running", p.Running).
		Int("total", p.Total).
		Float64("percent", p.Percentage()).
		Msg("Waiting for jobs")
}

func (o outputOptions) keep(r model.Result) (bool, error) {
	if o.where == nil {
		return true, nil
	}
	return o.where.Match(r)
}

func (o outputOptions) apply(rs model.Results) (model.Results, error) {
	if o.where == nil {
		return rs, nil
	}
	return o.where.Apply(rs)
}

// printHandle waits for h and prints its results. It returns the handle's
// execution error so the exit status reflects failed commands.
func (a *App) printHandle(ctx context.Context, h job.Handle, o outputOptions) error {
	if o.stream {
		if err := a.streamHandle(ctx, h, o); err != nil {
			return err
		}
	} else {
		if err := h.Wait(ctx, o.wait...); err != nil {
			return err
		}
		rs, err := o.apply(h.Results())
		if err != nil {
			return err
		}
		if o.json {
			if err := a.printJSON(rs); err != nil {
				return err
			}
		} else {
			a.printResults(rs)
		}
	}

	if !o.json {
		summary, err := h.Summary(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out, summary)
	}
	return h.Err(ctx)
}

func (a *App) streamHandle(ctx context.Context, h job.Handle, o outputOptions) error {
	for r, err := range h.Stream(ctx, o.wait...) {
		if err != nil {
			return err
		}
		keep, err := o.keep(r)
		if err != nil {
			return err
		}
		if !keep {
			continue
		}
		if o.json {
			line, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to encode result: %w", err)
			}
			fmt.Fprintln(a.out, string(line))
			continue
		}
		a.printResult(r)
	}
	return nil
}

// printResults prints results grouped by device, in first-seen order.
func (a *App) printResults(rs model.Results) {
	byDevice := rs.ByDevice()
	for _, device := range rs.Devices() {
		fmt.Fprintf(a.out, "=== %s ===\n", device)
		for _, r := range byDevice[device] {
			a.printResult(r)
		}
	}
}

func (a *App) printResult(r model.Result) {
	status := "✓"
	switch {
	case !r.OK:
		status = "✗"
	case r.HasDeviceError():
		status = "!"
	}
	fmt.Fprintf(a.out, "%s [%s] %s (%s)\n", status, r.DeviceName, r.Command, time.Duration(r.DurationMS)*time.Millisecond)
	if out := strings.TrimRight(r.Stdout, "\n"); out != "" {
		fmt.Fprintln(a.out, indent(out))
	}
	if errOut := strings.TrimRight(r.Stderr, "\n"); errOut != "" {
		fmt.Fprintln(a.out, indent(errOut))
	}
	if r.DownloadURL != "" {
		fmt.Fprintf(a.out, "   download: %s\n", r.DownloadURL)
	}
}

func shellLine(commands []string) string {
	return strings.Join(commands, "; ")
}

func indent(s string) string {
	return "   " + strings.ReplaceAll(s, "\n", "\n   ")
}

func (a *App) printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Fprintln(a.out, string(data))
	return nil
}

// parseKeyValues turns k=v pairs into a map. Values are read as YAML
// scalars, so "port=22" yields an int and "fast_cli=false" a bool.
func parseKeyValues(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid key=value pair: %q", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		if _, nested := value.(map[string]any); nested {
			value = raw
		}
		if _, list := value.([]any); list {
			value = raw
		}
		out[key] = value
	}
	return out, nil
}
