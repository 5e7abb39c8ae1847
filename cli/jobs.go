package cli

// This file contains the job command for inspecting jobs on the controller.

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tkspuk/netpulse-sdk/client"
	"github.com/tkspuk/netpulse-sdk/job"
	"github.com/tkspuk/netpulse-sdk/model"
)

func jobFilterFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "status",
			Usage: "Only jobs in this state (queued, started, finished, failed, ...)",
		},
		&cli.StringFlag{
			Name:  "queue",
			Usage: "Only jobs in this queue",
		},
	}
}

func (a *App) jobCommand() *cli.Command {
	return &cli.Command{
		Name:  "job",
		Usage: "Inspect and manage jobs",
		Subcommands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "Show the current state of jobs",
				ArgsUsage: "ID...",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "Print the job documents as JSON"},
				},
				Action: a.jobGet,
			},
			{
				Name:      "wait",
				Usage:     "Wait for jobs and print their results",
				ArgsUsage: "ID...",
				Flags:     outputFlags(),
				Action:    a.jobWait,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel queued jobs by ID, or every queued job matching --queue/--status",
				ArgsUsage: "[ID...]",
				Flags:     jobFilterFlags(),
				Action:    a.jobCancel,
			},
			{
				Name:  "list",
				Usage: "List jobs known to the controller",
				Flags: append(jobFilterFlags(),
					&cli.BoolFlag{Name: "json", Usage: "Print the job documents as JSON"},
				),
				Action: a.jobList,
			},
		},
	}
}

func (a *App) jobHandle(ctx *cli.Context) (job.Handle, error) {
	if ctx.NArg() == 0 {
		return nil, fmt.Errorf("no job IDs given")
	}
	c, err := a.newClient(ctx)
	if err != nil {
		return nil, err
	}
	return c.GetJobs(ctx.Context, ctx.Args().Slice(), nil)
}

func (a *App) jobGet(ctx *cli.Context) error {
	h, err := a.jobHandle(ctx)
	if err != nil {
		return err
	}
	return a.printJobs(h.Jobs(), ctx.Bool("json"))
}

func (a *App) jobWait(ctx *cli.Context) error {
	o, err := a.parseOutputOptions(ctx)
	if err != nil {
		return err
	}
	h, err := a.jobHandle(ctx)
	if err != nil {
		return err
	}
	return a.printHandle(ctx.Context, h, o)
}

func (a *App) jobCancel(ctx *cli.Context) error {
	c, err := a.newClient(ctx)
	if err != nil {
		return err
	}

	if ctx.NArg() == 0 {
		filter := client.JobFilter{Status: model.Status(ctx.String("status")), Queue: ctx.String("queue")}
		if filter.Queue == "" && filter.Status == "" {
			return fmt.Errorf("give job IDs or narrow with --queue/--status")
		}
		ids, err := c.CancelJobs(ctx.Context, filter)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Canceled %d job(s)\n", len(ids))
		for _, id := range ids {
			fmt.Fprintln(a.out, id)
		}
		return nil
	}

	var notCanceled int
	for _, id := range ctx.Args().Slice() {
		ok, err := c.CancelJob(ctx.Context, id)
		if err != nil {
			return err
		}
		if ok {
			fmt.Fprintf(a.out, "✓ %s canceled\n", id)
			continue
		}
		notCanceled++
		fmt.Fprintf(a.out, "✗ %s not canceled (no longer queued)\n", id)
	}
	if notCanceled > 0 {
		return fmt.Errorf("%d job(s) could not be canceled", notCanceled)
	}
	return nil
}

func (a *App) jobList(ctx *cli.Context) error {
	c, err := a.newClient(ctx)
	if err != nil {
		return err
	}
	jobs, err := c.ListJobs(ctx.Context, client.JobFilter{
		Status: model.Status(ctx.String("status")),
		Queue:  ctx.String("queue"),
	})
	if err != nil {
		return err
	}
	if len(jobs) == 0 && !ctx.Bool("json") {
		fmt.Fprintln(a.out, "No jobs found")
		return nil
	}
	return a.printJobs(jobs, ctx.Bool("json"))
}

func (a *App) printJobs(jobs []*job.Job, asJSON bool) error {
	if asJSON {
		payloads := make([]model.JobPayload, len(jobs))
		for i, j := range jobs {
			payloads[i] = j.Payload()
		}
		return a.printJSON(payloads)
	}

	for _, j := range jobs {
		fmt.Fprintf(a.out, "%s  %-9s  queue=%s", j.ID(), j.Status(), j.Queue())
		if host := j.Payload().TargetHost(); host != "" {
			fmt.Fprintf(a.out, "  host=%s", host)
		}
		if w := j.Worker(); w != "" {
			fmt.Fprintf(a.out, "  worker=%s", w)
		}
		if d := j.Duration(); d > 0 {
			fmt.Fprintf(a.out, "  [%s]", d.Round(time.Millisecond))
		}
		fmt.Fprintln(a.out)
	}
	return nil
}
