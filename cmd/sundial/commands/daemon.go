package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// DaemonCmd runs the orchestration daemon in the foreground.
var DaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the orchestration daemon",
	Long: `Run the orchestration daemon in foreground mode.

The daemon will:
- Poll the remote service for the status of in-flight executions
- Fire due schedules on their cron expressions
- Advance backfill collections within their concurrency bounds
- Run until interrupted (Ctrl+C) with graceful shutdown`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		d, err := newDaemon(ctx)
		if err != nil {
			return err
		}

		if err := d.Start(ctx); err != nil {
			return err
		}

		fmt.Println("Sundial daemon started. Press Ctrl+C to stop.")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		fmt.Println("\nShutting down...")
		d.Stop()
		return nil
	},
}
