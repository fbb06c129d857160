package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// ExecCmd groups execution inspection and control subcommands.
var ExecCmd = &cobra.Command{
	Use:   "exec",
	Short: "Inspect, retry, or cancel executions",
	Long: `Inspect and control individual executions.

Examples:
  sundial exec show ex_1b2c...    # Show one execution
  sundial exec retry ex_1b2c...   # Resubmit a failed execution
  sundial exec cancel ex_1b2c...  # Cancel a pending or running execution`,
}

var execShowCmd = &cobra.Command{
	Use:   "show <execution-id>",
	Short: "Show an execution's state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDaemon(context.Background())
		if err != nil {
			return err
		}
		defer d.Stop()

		e, err := d.GetExecution(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Execution %s\n", e.ID)
		fmt.Printf("  Status:     %s\n", e.Status)
		fmt.Printf("  Trigger:    %s\n", e.TriggerSource)
		fmt.Printf("  Instance:   %s\n", e.InstanceID)
		fmt.Printf("  Entity:     %s\n", e.EntityID)
		fmt.Printf("  Window:     %s .. %s\n", e.WindowStart, e.WindowEnd)
		if e.RemoteID != "" {
			fmt.Printf("  Remote ID:  %s\n", e.RemoteID)
		}
		if e.ErrorMessage != "" {
			fmt.Printf("  Error:      [%s] %s\n", e.ErrorKind, e.ErrorMessage)
		}
		if e.RetryOf != "" {
			fmt.Printf("  Retry of:   %s\n", e.RetryOf)
		}
		return nil
	},
}

var execRetryCmd = &cobra.Command{
	Use:   "retry <execution-id>",
	Short: "Resubmit a failed or timed-out execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		d, err := newDaemon(ctx)
		if err != nil {
			return err
		}
		defer d.Stop()

		e, err := d.RetryExecution(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Retry submitted: %s (retries %s)\n", e.ID, e.RetryOf)
		return nil
	},
}

var execCancelCmd = &cobra.Command{
	Use:   "cancel <execution-id>",
	Short: "Cancel a pending or running execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDaemon(context.Background())
		if err != nil {
			return err
		}
		defer d.Stop()

		e, err := d.CancelExecution(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Execution %s cancelled\n", e.ID)
		return nil
	},
}

func init() {
	ExecCmd.AddCommand(execShowCmd)
	ExecCmd.AddCommand(execRetryCmd)
	ExecCmd.AddCommand(execCancelCmd)
}
