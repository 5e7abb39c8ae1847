package cli

// This file contains the history command for listing and re-opening earlier
// submissions.

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/tkspuk/netpulse-sdk/history"
	"github.com/tkspuk/netpulse-sdk/model"
)

func (a *App) historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List and re-open earlier submissions",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List earlier submissions, newest first",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"n"},
						Usage:   "Maximum number of entries to show (0 shows all)",
						Value:   20,
					},
					&cli.StringFlag{
						Name:  "device",
						Usage: "Only submissions that targeted this device",
					},
				},
				Action: a.list,
			},
			{
				Name:      "view",
				Usage:     "Fetch and print the results of a submission",
				ArgsUsage: "[ID|INDEX] [--json] [--where EXPR] [--wait]",
				Description: "INDEX is 0 for the last submission, -1 for the one before, and so on.\n" +
					"Anything else is matched as a prefix of the submission ID.",
				SkipFlagParsing: true,
				Action:          a.view,
			},
		},
	}
}

// requireHistory opens the history store and fails when it is disabled.
func (a *App) requireHistory(ctx *cli.Context) (*history.Store, error) {
	store, err := a.openHistory(ctx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("history is disabled (--no-history)")
	}
	return store, nil
}

func statusIndicator(s model.Status) string {
	switch s {
	case model.StatusFinished:
		return "✓"
	case model.StatusFailed, model.StatusCanceled, model.StatusPartialFailed, model.StatusMixed:
		return "✗"
	}
	return "…"
}

func shortEntryID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
