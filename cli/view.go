package cli

// This file contains the history view command for re-opening the jobs of an
// earlier submission.

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/tkspuk/netpulse-sdk/filter"
	"github.com/tkspuk/netpulse-sdk/job"
	"github.com/tkspuk/netpulse-sdk/model"
)

func removeFirstDashDash(in []string) []string {
	if len(in) > 0 && in[0] == "--" {
		return in[1:]
	}
	return in
}

// parseViewArgs splits the view arguments into the entry selector and the
// remaining view flags. Flag parsing is done by hand because "-1" is a valid
// selector.
func parseViewArgs(in []string) (idArg string, rest []string) {
	if len(in) == 0 {
		return "0", nil
	}

	// If first arg is "--", use default "0" and rest are view flags
	if in[0] == "--" {
		return "0", in[1:]
	}

	// A negative index is "-" followed by only digits (e.g. "-1", "-2"),
	// anything else starting with "-" is a flag.
	if len(in[0]) > 1 && in[0][0] == '-' {
		if _, err := strconv.ParseInt(in[0], 10, 64); err != nil {
			return "0", in
		}
	}

	return in[0], removeFirstDashDash(in[1:])
}

type viewOptions struct {
	json  bool
	where string
	wait  bool
}

// parseViewFlags reads the flags accepted after the selector. Both -json and
// --json forms are accepted.
func parseViewFlags(args []string) (viewOptions, error) {
	var o viewOptions
	fs := flag.NewFlagSet("view", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.BoolVar(&o.json, "json", false, "")
	fs.StringVar(&o.where, "where", "", "")
	fs.BoolVar(&o.wait, "wait", false, "")
	if err := fs.Parse(args); err != nil {
		return o, fmt.Errorf("invalid view arguments: %w", err)
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return o, nil
}

func (a *App) view(ctx *cli.Context) error {
	arg, rest := parseViewArgs(ctx.Args().Slice())
	vo, err := parseViewFlags(rest)
	if err != nil {
		return err
	}

	store, err := a.requireHistory(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	entry, err := store.Resolve(ctx.Context, arg)
	if err != nil {
		return err
	}
	if !vo.json {
		a.displayHistoryEntry(entry)
	}
	if len(entry.Jobs) == 0 {
		if !vo.json {
			fmt.Fprintln(a.out, "No jobs were created")
		}
		return nil
	}

	c, err := a.newClient(ctx)
	if err != nil {
		return err
	}
	devices := make([]string, len(entry.Jobs))
	for i, j := range entry.Jobs {
		devices[i] = j.Device
	}
	h, err := c.GetJobs(ctx.Context, entry.JobIDs(), devices)
	if err != nil {
		return err
	}

	if !h.IsDone() && !vo.wait {
		if vo.json {
			return a.printJobs(h.Jobs(), true)
		}
		fmt.Fprintf(a.out, "Jobs still running (%s), pass --wait to wait for them:\n", h.Status())
		return a.printJobs(h.Jobs(), false)
	}

	o := outputOptions{json: vo.json}
	if vo.where != "" {
		if o.where, err = filter.New(vo.where); err != nil {
			return err
		}
	}
	if !vo.json {
		o.wait = append(o.wait, job.WithProgress(a.logProgress))
	}
	runErr := a.printHandle(ctx.Context, h, o)

	if h.IsDone() && h.Status() != entry.Status {
		if err := store.UpdateStatus(context.Background(), entry.ID, h.Status(), entry.Duration); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to update history")
		}
	}
	return runErr
}

func (a *App) displayHistoryEntry(h model.History) {
	fmt.Fprintf(a.out, "=== Submission: %s ===\n", shortEntryID(h.ID))
	fmt.Fprintf(a.out, "Time: %s\n", h.Timestamp.Format("2006-01-02 15:04:05"))
	if h.Duration > 0 {
		fmt.Fprintf(a.out, "Duration: %s\n", h.Duration)
	}
	fmt.Fprintf(a.out, "Type: %s (%s, %s)\n", h.Type, h.Driver, h.Operation)
	fmt.Fprintf(a.out, "Devices: %s\n", strings.Join(h.Devices, ", "))
	for _, cmd := range h.Commands {
		fmt.Fprintf(a.out, "  > %s\n", cmd)
	}
	for _, f := range h.Failures {
		fmt.Fprintf(a.out, "✗ not submitted: %s\n", f)
	}
	fmt.Fprintln(a.out)
}
