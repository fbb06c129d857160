package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sundial-hq/sundial/cmd/sundial/commands"
	"github.com/sundial-hq/sundial/logger"
)

var rootCmd = &cobra.Command{
	Use:   "sundial",
	Short: "Sundial - execution orchestration for remote analytical queries",
	Long: `Sundial orchestrates query executions against a remote compute service.

It tracks every execution through a strict lifecycle, polls the service
for status, fires recurring executions from cron schedules, and works
through historical backfills in calendar-aligned segments with bounded
parallelism.

Available commands:
  daemon   - Run the orchestration daemon (poller + schedule engine)
  submit   - Submit a one-off query execution
  exec     - Inspect, retry, or cancel executions
  schedule - Manage recurring execution schedules
  backfill - Manage historical backfill collections
  db       - Database operations and statistics
  version  - Show version information

Examples:
  sundial daemon                          # Run the daemon in the foreground
  sundial submit --instance wh_1 --entity model.orders \
      --query "select count(*) from orders" \
      --window-start 2026-03-01T00:00:00 --window-end 2026-03-02T00:00:00
  sundial schedule list                   # List schedules
  sundial backfill status bf_...          # Show backfill progress`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs")

	rootCmd.AddCommand(commands.DaemonCmd)
	rootCmd.AddCommand(commands.SubmitCmd)
	rootCmd.AddCommand(commands.ExecCmd)
	rootCmd.AddCommand(commands.ScheduleCmd)
	rootCmd.AddCommand(commands.BackfillCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
