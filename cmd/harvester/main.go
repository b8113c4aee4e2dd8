// Command harvester drives a logged-in browser tab through a transcript
// site's list view and captures every item.
//
// Usage:
//
//	harvester run -config harvester.yaml        # daemon: browser, ticks, control API
//	harvester start https://chat.example/list   # start a run (the daemon picks it up)
//	harvester stop | resume | status
//	harvester repair --run <id> [--apply]
//	harvester ledger --run <id> > run.jsonl
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "harvester",
	Short: "Harvest transcripts from a virtualized list view",
	Long: `harvester enumerates the items of a list view in a browser tab, opens
each one, waits for its content to settle and captures the transcript.

Run state lives in SQLite: every command except run acts on the store
directly, and a running daemon notices the change.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger = newLogger(logLevel)
		slog.SetDefault(logger)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to harvester.yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "harvester:", err)
		os.Exit(1)
	}
}
