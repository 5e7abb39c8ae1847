package cli

// This file contains commands about devices, workers and detached tasks.

import (
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tkspuk/netpulse-sdk/model"
)

func (a *App) deviceCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:      "test-connection",
			Usage:     "Check that the controller can log into devices",
			ArgsUsage: "device...",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "driver", Usage: "Driver to probe with"},
				&cli.StringSliceFlag{Name: "conn-arg", Usage: "Connection argument as key=value (repeatable)"},
				&cli.BoolFlag{Name: "json", Usage: "Print probe results as JSON"},
			},
			Action: a.testConnection,
		},
		{
			Name:  "workers",
			Usage: "List the controller's workers",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "queue", Usage: "Only workers consuming this queue"},
				&cli.BoolFlag{Name: "json", Usage: "Print workers as JSON"},
			},
			Action: a.workers,
		},
		{
			Name:  "tasks",
			Usage: "Manage detached tasks",
			Subcommands: []*cli.Command{
				{
					Name:   "list",
					Usage:  "List detached tasks",
					Flags:  []cli.Flag{&cli.BoolFlag{Name: "json", Usage: "Print tasks as JSON"}},
					Action: a.tasksList,
				},
				{
					Name:      "get",
					Usage:     "Show a detached task and its output",
					ArgsUsage: "TASK_ID",
					Flags:     []cli.Flag{&cli.BoolFlag{Name: "json", Usage: "Print the task as JSON"}},
					Action:    a.tasksGet,
				},
				{
					Name:      "cancel",
					Usage:     "Kill running detached tasks",
					ArgsUsage: "TASK_ID...",
					Action:    a.tasksCancel,
				},
				{
					Name:   "discover",
					Usage:  "Show detached tasks as job results",
					Flags:  outputFlags(),
					Action: a.tasksDiscover,
				},
			},
		},
		{
			Name:      "download",
			Usage:     "Download a file staged by the controller",
			ArgsUsage: "URL [DEST]",
			Action:    a.download,
		},
	}
}

func (a *App) testConnection(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("no devices given")
	}
	connArgs, err := parseKeyValues(ctx.StringSlice("conn-arg"))
	if err != nil {
		return fmt.Errorf("invalid --conn-arg: %w", err)
	}
	c, err := a.newClient(ctx)
	if err != nil {
		return err
	}

	results := c.TestConnections(ctx.Context, ctx.Args().Slice(), ctx.String("driver"), connArgs)
	if ctx.Bool("json") {
		if err := a.printJSON(results); err != nil {
			return err
		}
	}

	var failed int
	for _, r := range results {
		if !r.OK {
			failed++
		}
		if ctx.Bool("json") {
			continue
		}
		status := "✓"
		if !r.OK {
			status = "✗"
		}
		fmt.Fprintf(a.out, "%s %s (%s)", status, r.Host, r.Driver)
		if r.Latency != nil {
			fmt.Fprintf(a.out, " latency=%s", time.Duration(*r.Latency*float64(time.Second)).Round(time.Millisecond))
		}
		if r.Prompt != "" {
			fmt.Fprintf(a.out, " prompt=%q", r.Prompt)
		}
		if r.Error != "" {
			fmt.Fprintf(a.out, ": %s", r.Error)
		}
		fmt.Fprintln(a.out)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d connection test(s) failed", failed, len(results))
	}
	return nil
}

func (a *App) workers(ctx *cli.Context) error {
	c, err := a.newClient(ctx)
	if err != nil {
		return err
	}
	workers, err := c.ListWorkers(ctx.Context, ctx.String("queue"))
	if err != nil {
		return err
	}
	if ctx.Bool("json") {
		return a.printJSON(workers)
	}
	if len(workers) == 0 {
		fmt.Fprintln(a.out, "No workers found")
		return nil
	}
	for _, w := range workers {
		fmt.Fprintf(a.out, "%s  %-6s  queues=%v  ok=%d failed=%d", w.Name, w.Status, []string(w.Queues), w.SuccessfulJobCount, w.FailedJobCount)
		if w.Hostname != "" {
			fmt.Fprintf(a.out, "  host=%s", w.Hostname)
		}
		fmt.Fprintln(a.out)
	}
	return nil
}

func (a *App) tasksList(ctx *cli.Context) error {
	c, err := a.newClient(ctx)
	if err != nil {
		return err
	}
	tasks, err := c.ListDetachedTasks(ctx.Context)
	if err != nil {
		return err
	}
	if ctx.Bool("json") {
		return a.printJSON(tasks)
	}
	if len(tasks) == 0 {
		fmt.Fprintln(a.out, "No detached tasks found")
		return nil
	}
	for _, t := range tasks {
		a.printTaskLine(t)
	}
	return nil
}

func (a *App) printTaskLine(t model.DetachedTask) {
	fmt.Fprintf(a.out, "%s  %-9s  host=%s  %s\n", t.TaskID, t.Status, t.Host(), shellLine(t.Command))
}

func (a *App) tasksGet(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected exactly one task ID")
	}
	c, err := a.newClient(ctx)
	if err != nil {
		return err
	}
	t, err := c.GetDetachedTask(ctx.Context, ctx.Args().First())
	if err != nil {
		return err
	}
	if ctx.Bool("json") {
		return a.printJSON(t)
	}
	a.printTaskLine(t)
	if t.Stdout != "" {
		fmt.Fprintln(a.out, indent(t.Stdout))
	}
	if t.Stderr != "" {
		fmt.Fprintln(a.out, indent(t.Stderr))
	}
	return nil
}

func (a *App) tasksCancel(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("no task IDs given")
	}
	c, err := a.newClient(ctx)
	if err != nil {
		return err
	}
	var notCanceled int
	for _, id := range ctx.Args().Slice() {
		ok, err := c.CancelDetachedTask(ctx.Context, id)
		if err != nil {
			return err
		}
		if !ok {
			notCanceled++
			fmt.Fprintf(a.out, "✗ %s not running\n", id)
			continue
		}
		fmt.Fprintf(a.out, "✓ %s killed\n", id)
	}
	if notCanceled > 0 {
		return fmt.Errorf("%d task(s) could not be canceled", notCanceled)
	}
	return nil
}

func (a *App) tasksDiscover(ctx *cli.Context) error {
	o, err := a.parseOutputOptions(ctx)
	if err != nil {
		return err
	}
	c, err := a.newClient(ctx)
	if err != nil {
		return err
	}
	jobs, err := c.DiscoverJobs(ctx.Context)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(a.out, "No detached tasks found")
		return nil
	}

	var rs model.Results
	for _, j := range jobs {
		if !j.IsDone() {
			if !o.json {
				fmt.Fprintf(a.out, "… [%s] %s still running (task %s)\n", j.DeviceName(), shellLine(j.Commands()), j.TaskID())
			}
			continue
		}
		rs = append(rs, j.Results()...)
	}
	if rs, err = o.apply(rs); err != nil {
		return err
	}
	if o.json {
		return a.printJSON(rs)
	}
	a.printResults(rs)
	return nil
}

func (a *App) download(ctx *cli.Context) error {
	if ctx.NArg() < 1 || ctx.NArg() > 2 {
		return fmt.Errorf("expected URL and optional destination")
	}
	target := ctx.Args().Get(0)
	dest := ctx.Args().Get(1)
	if dest == "" {
		u, err := url.Parse(target)
		if err != nil {
			return fmt.Errorf("invalid URL %q: %w", target, err)
		}
		dest = path.Base(u.Path)
		if dest == "/" || dest == "." {
			return fmt.Errorf("cannot derive a file name from %s, give a destination", target)
		}
	}
	c, err := a.newClient(ctx)
	if err != nil {
		return err
	}
	n, err := c.DownloadFile(ctx.Context, target, dest)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Downloaded %s (%.1f KB)\n", dest, float64(n)/1024)
	return nil
}
