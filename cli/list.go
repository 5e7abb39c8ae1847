package cli

// This file contains the history list command for displaying previous
// submissions.

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tkspuk/netpulse-sdk/model"
)

func (a *App) list(ctx *cli.Context) error {
	filterDevice := ctx.String("device")
	limit := ctx.Int("limit")

	store, err := a.requireHistory(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	// Load all history entries, newest first
	historyEntries, err := store.List(ctx.Context, 0)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	// Apply device filter if specified
	var filteredEntries []model.History
	for _, entry := range historyEntries {
		if filterDevice == "" || slices.Contains(entry.Devices, filterDevice) {
			filteredEntries = append(filteredEntries, entry)
		}
	}

	if len(filteredEntries) == 0 {
		if filterDevice != "" {
			fmt.Fprintf(a.out, "No history entries found for device: %s\n", filterDevice)
		} else {
			fmt.Fprintln(a.out, "No history entries found")
		}
		return nil
	}

	// Apply limit
	displayEntries := filteredEntries
	if limit > 0 && limit < len(displayEntries) {
		displayEntries = displayEntries[:limit]
	}

	fmt.Fprintf(a.out, "\n=== History (%d total) ===\n\n", len(filteredEntries))

	for _, h := range displayEntries {
		timestamp := h.Timestamp.Format("2006-01-02 15:04:05")
		duration := h.Duration.Round(time.Millisecond)

		fmt.Fprintf(a.out, "%s  %s  [%s]  %s  status=%s  id=%s\n",
			statusIndicator(h.Status), timestamp, duration, h.Type, h.Status, shortEntryID(h.ID))

		// Format args (skip the program name)
		if len(h.Args) > 1 {
			fmt.Fprintf(a.out, "   Args: %s\n", strings.Join(h.Args[1:], " "))
		}
		fmt.Fprintf(a.out, "   Devices: %s\n", summarizeList(h.Devices, 5))
		label := "Commands"
		if h.Operation == model.OperationConfig {
			label = "Config"
		}
		fmt.Fprintf(a.out, "   %s: %s\n", label, summarizeList(h.Commands, 3))
		fmt.Fprintf(a.out, "   Driver: %s, jobs: %d\n", h.Driver, len(h.Jobs))
		if len(h.Failures) > 0 {
			fmt.Fprintf(a.out, "   Not submitted: %d device(s)\n", len(h.Failures))
		}
		fmt.Fprintln(a.out)
	}

	fmt.Fprintf(a.out, "View results: %s history view <ID>\n", AppName)

	return nil
}

func summarizeList(items []string, n int) string {
	if len(items) <= n {
		return strings.Join(items, ", ")
	}
	return fmt.Sprintf("%s, ... (+%d)", strings.Join(items[:n], ", "), len(items)-n)
}
