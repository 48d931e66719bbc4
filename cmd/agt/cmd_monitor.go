package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"agtools/cmd/agt/ui"
	"agtools/internal/monitor"
)

var (
	monitorStats bool
	monitorLogs  int
	monitorClear bool
)

// monitorCmd watches proxy traffic
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch proxy traffic",
	Long: `Opens the live dashboard, or runs a one-shot query with --stats,
--logs, or --clear.

The request history lives in ~/.agtools/monitor.db. The running server
writes it; this command reads it from any process.`,
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().BoolVar(&monitorStats, "stats", false, "Print aggregate stats and exit")
	monitorCmd.Flags().IntVar(&monitorLogs, "logs", 0, "Print the N most recent requests and exit")
	monitorCmd.Flags().BoolVar(&monitorClear, "clear", false, "Clear the request history and exit")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	store, err := monitor.NewStore("")
	if err != nil {
		return fmt.Errorf("failed to open monitor store: %w", err)
	}
	defer store.Close()

	ctx := cmd.Context()
	switch {
	case monitorClear:
		if err := store.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear history: %w", err)
		}
		fmt.Println("Request history cleared.")
		return nil
	case monitorStats:
		return printMonitorStats(ctx, store)
	case monitorLogs > 0:
		return printMonitorLogs(ctx, store, monitorLogs)
	default:
		return ui.Run(store)
	}
}

func printMonitorStats(ctx context.Context, store monitor.Store) error {
	stats, err := store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read stats: %w", err)
	}

	fmt.Println("Request Stats")
	fmt.Println(strings.Repeat("=", 40))
	fmt.Printf("Total requests: %d\n", stats.TotalRequests)
	fmt.Printf("Succeeded:      %d\n", stats.SuccessCount)
	fmt.Printf("Failed:         %d\n", stats.ErrorCount)
	fmt.Printf("Avg duration:   %.0f ms\n", stats.AvgDurationMs)
	fmt.Printf("Tokens in/out:  %d / %d\n", stats.TokensIn, stats.TokensOut)

	if len(stats.ByModel) > 0 {
		fmt.Println()
		renderCounts("Model", stats.ByModel)
	}
	if len(stats.ByAccount) > 0 {
		fmt.Println()
		renderCounts("Account", stats.ByAccount)
	}
	return nil
}

func renderCounts(label string, counts map[string]int64) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{label, "Requests"})
	for _, k := range keys {
		t.AppendRow(table.Row{k, counts[k]})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}

func printMonitorLogs(ctx context.Context, store monitor.Store, limit int) error {
	logs, err := store.RecentLogs(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to read logs: %w", err)
	}
	if len(logs) == 0 {
		fmt.Println("No requests recorded.")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Time", "Model", "Mapped", "Account", "Status", "ms", "Tokens"})
	for _, entry := range logs {
		status := fmt.Sprintf("%d", entry.Status)
		if !entry.Succeeded() {
			status = text.FgRed.Sprint(status)
		}
		t.AppendRow(table.Row{
			entry.Time.Format("15:04:05"),
			entry.Model,
			entry.MappedModel,
			entry.AccountEmail,
			status,
			entry.DurationMs,
			fmt.Sprintf("%d/%d", entry.InputTokens, entry.OutputTokens),
		})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
	return nil
}
