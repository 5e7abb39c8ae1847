package cli

// This file contains the commands that submit work to devices.

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tkspuk/netpulse-sdk/client"
	"github.com/tkspuk/netpulse-sdk/history"
	"github.com/tkspuk/netpulse-sdk/job"
	"github.com/tkspuk/netpulse-sdk/model"
)

const execDriver = "paramiko"

func submitFlags() []cli.Flag {
	flags := []cli.Flag{
		&cli.StringSliceFlag{
			Name:     "device",
			Aliases:  []string{"d"},
			Usage:    "Target device (repeatable)",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "driver",
			Usage: "Driver to connect with (netmiko, paramiko, ...)",
		},
		&cli.StringSliceFlag{
			Name:  "conn-arg",
			Usage: "Connection argument as key=value (repeatable)",
		},
		&cli.StringSliceFlag{
			Name:  "driver-arg",
			Usage: "Driver argument as key=value, e.g. read_timeout=30 (repeatable)",
		},
		&cli.DurationFlag{
			Name:  "ttl",
			Usage: "How long a job may wait in the queue",
			Value: client.DefaultTTL,
		},
		&cli.DurationFlag{
			Name:  "result-ttl",
			Usage: "How long the controller keeps results",
		},
		&cli.StringFlag{
			Name:  "queue-strategy",
			Usage: "Queue strategy: fifo or pinned",
		},
		&cli.BoolFlag{
			Name:  "no-wait",
			Usage: "Print the job IDs and return without waiting",
		},
	}
	return append(flags, outputFlags()...)
}

func (a *App) submitCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:      "run",
			Usage:     "Run commands or push configuration to devices",
			ArgsUsage: "[command...]",
			Flags: append(submitFlags(),
				&cli.StringSliceFlag{
					Name:    "command",
					Aliases: []string{"c"},
					Usage:   "Command to run (repeatable)",
				},
				&cli.StringSliceFlag{
					Name:  "config-line",
					Usage: "Configuration line to push (repeatable)",
				},
				&cli.StringFlag{
					Name:  "mode",
					Usage: "Submission mode: auto, exec or bulk",
					Value: string(client.ModeAuto),
				},
				&cli.BoolFlag{
					Name:  "detach",
					Usage: "Keep the command running on the device after the job ends",
				},
			),
			Action: a.run,
		},
		{
			Name:      "collect",
			Usage:     "Run read-only commands on devices and print their output",
			ArgsUsage: "command...",
			Flags:     submitFlags(),
			Action:    a.collect,
		},
		{
			Name:      "exec",
			Usage:     "Run a shell command line on hosts over SSH",
			ArgsUsage: "-- argv...",
			Flags: append(submitFlags(),
				&cli.BoolFlag{
					Name:  "detach",
					Usage: "Keep the command running on the host after the job ends",
				},
			),
			Action: a.exec,
		},
	}
}

// baseRequest reads the flags shared by every submit command.
func baseRequest(ctx *cli.Context) (client.Request, error) {
	req := client.Request{
		Driver:        ctx.String("driver"),
		TTL:           ctx.Duration("ttl"),
		ResultTTL:     ctx.Duration("result-ttl"),
		QueueStrategy: ctx.String("queue-strategy"),
	}
	switch req.QueueStrategy {
	case "", client.QueueFIFO, client.QueuePinned:
	default:
		return req, fmt.Errorf("invalid queue strategy %q (use %s or %s)", req.QueueStrategy, client.QueueFIFO, client.QueuePinned)
	}

	var err error
	if req.ConnectionArgs, err = parseKeyValues(ctx.StringSlice("conn-arg")); err != nil {
		return req, fmt.Errorf("invalid --conn-arg: %w", err)
	}
	if req.DriverArgs, err = parseKeyValues(ctx.StringSlice("driver-arg")); err != nil {
		return req, fmt.Errorf("invalid --driver-arg: %w", err)
	}
	return req, nil
}

func (a *App) run(ctx *cli.Context) error {
	req, err := baseRequest(ctx)
	if err != nil {
		return err
	}
	req.Commands = append(ctx.StringSlice("command"), ctx.Args().Slice()...)
	req.Config = ctx.StringSlice("config-line")
	req.Mode = client.Mode(ctx.String("mode"))
	req.Detach = ctx.Bool("detach")
	return a.submit(ctx, req)
}

func (a *App) collect(ctx *cli.Context) error {
	req, err := baseRequest(ctx)
	if err != nil {
		return err
	}
	if ctx.NArg() == 0 {
		return fmt.Errorf("no commands given")
	}
	req.Commands = ctx.Args().Slice()
	req.Mode = client.ModeAuto
	return a.submit(ctx, req)
}

// exec quotes the arguments after "--" into one shell command line, so
// "netpulse exec -d host -- ls -l 'my dir'" runs exactly that argv.
func (a *App) exec(ctx *cli.Context) error {
	req, err := baseRequest(ctx)
	if err != nil {
		return err
	}
	if ctx.NArg() == 0 {
		return fmt.Errorf("no command given, pass it after --")
	}
	if req.Driver == "" {
		req.Driver = execDriver
	}
	req.Commands = []string{client.ShellCommand(ctx.Args().Slice()...)}
	req.Detach = ctx.Bool("detach")
	return a.submit(ctx, req)
}

func (a *App) submit(ctx *cli.Context, req client.Request) error {
	o, err := a.parseOutputOptions(ctx)
	if err != nil {
		return err
	}
	c, err := a.newClient(ctx)
	if err != nil {
		return err
	}
	store, err := a.openHistory(ctx)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	devices := ctx.StringSlice("device")
	start := time.Now()
	h, err := c.Run(ctx.Context, devices, req)
	if err != nil {
		return err
	}
	a.logger.Info().
		Str("kind", h.Kind().String()).
		Int("jobs", len(h.IDs())).
		Int("rejected", len(h.SubmissionFailures())).
		Msg("Submitted")

	entry, recorded := a.record(ctx.Context, store, c, req, devices, h)

	if ctx.Bool("no-wait") {
		if o.json {
			return a.printJSON(h.IDs())
		}
		for _, id := range h.IDs() {
			fmt.Fprintln(a.out, id)
		}
		for _, f := range h.SubmissionFailures() {
			fmt.Fprintf(a.out, "✗ not submitted: %s\n", f)
		}
		if recorded {
			fmt.Fprintf(a.out, "\nView results: %s history view %s\n", AppName, entry.ID[:8])
		}
		return nil
	}

	runErr := a.printHandle(ctx.Context, h, o)
	if recorded {
		// The wait may have been canceled; use a fresh context for the update.
		if err := store.UpdateStatus(context.Background(), entry.ID, h.Status(), time.Since(start)); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to update history")
		}
	}
	return runErr
}

// record stores the submission in the history. Failing to record never fails
// the command.
func (a *App) record(ctx context.Context, store *history.Store, c *client.Client, req client.Request, devices []string, h job.Handle) (model.History, bool) {
	if store == nil {
		return model.History{}, false
	}

	entry := model.History{
		Type:      model.HistoryTypeExec,
		Args:      a.args,
		Driver:    req.Driver,
		Operation: model.OperationCommand,
		Devices:   devices,
		Commands:  req.Commands,
		Failures:  h.SubmissionFailures(),
	}
	if h.Kind() == job.KindGroup {
		entry.Type = model.HistoryTypeBulk
	}
	if entry.Driver == "" {
		entry.Driver = c.Driver()
	}
	if len(req.Config) > 0 {
		entry.Operation = model.OperationConfig
		entry.Commands = req.Config
	}
	for _, j := range h.Jobs() {
		entry.Jobs = append(entry.Jobs, model.HistoryJob{ID: j.ID(), Device: j.DeviceName()})
	}

	entry, err := store.Record(ctx, entry)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to record submission")
		return entry, false
	}
	a.logger.Debug().Str("id", entry.ID).Str("devices", strings.Join(devices, ",")).Msg("Recorded submission")
	return entry, true
}
