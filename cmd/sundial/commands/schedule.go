package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sundial-hq/sundial/errors"
)

// ScheduleCmd groups schedule management subcommands.
var ScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring execution schedules",
	Long: `Manage cron-driven recurring executions.

Examples:
  sundial schedule create --name orders-daily --cron "0 9 * * *" \
      --timezone America/New_York --instance wh_1 --entity model.orders \
      --query "select count(*) from orders" --lookback 24h
  sundial schedule list
  sundial schedule pause sch_...
  sundial schedule resume sch_...`,
}

var (
	scheduleNameFlag      string
	scheduleCronFlag      string
	scheduleTimezoneFlag  string
	scheduleInstanceFlag  string
	scheduleEntityFlag    string
	scheduleQueryFlag     string
	scheduleParamsFlag    string
	scheduleLookbackFlag  time.Duration
	scheduleThresholdFlag int
)

var scheduleCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		var params json.RawMessage
		if scheduleParamsFlag != "" {
			if !json.Valid([]byte(scheduleParamsFlag)) {
				return errors.NewInvalidRequestf("--params must be valid JSON")
			}
			params = json.RawMessage(scheduleParamsFlag)
		}

		d, err := newDaemon(context.Background())
		if err != nil {
			return err
		}
		defer d.Stop()

		sch, err := d.CreateSchedule(scheduleNameFlag, scheduleCronFlag, scheduleTimezoneFlag,
			scheduleInstanceFlag, scheduleEntityFlag, scheduleQueryFlag,
			params, scheduleLookbackFlag, scheduleThresholdFlag)
		if err != nil {
			return err
		}

		fmt.Printf("Schedule created\n")
		fmt.Printf("  ID:       %s\n", sch.ID)
		fmt.Printf("  Name:     %s\n", sch.Name)
		fmt.Printf("  Cron:     %s (%s)\n", sch.CronExpr, sch.Timezone)
		fmt.Printf("  Next run: %s\n", sch.NextRunAt)
		return nil
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDaemon(context.Background())
		if err != nil {
			return err
		}
		defer d.Stop()

		schedules, err := d.ListSchedules()
		if err != nil {
			return err
		}
		if len(schedules) == 0 {
			fmt.Println("No schedules.")
			return nil
		}

		for _, sch := range schedules {
			state := "active"
			if sch.Paused {
				state = fmt.Sprintf("paused (%d consecutive failures)", sch.ConsecutiveFailures)
			} else if !sch.Active {
				state = "inactive"
			}
			fmt.Printf("%s  %-24s %s (%s)  next %s  [%s]\n",
				sch.ID, sch.Name, sch.CronExpr, sch.Timezone,
				sch.NextRunAt.Format(time.RFC3339), state)
		}
		return nil
	},
}

var schedulePauseCmd = &cobra.Command{
	Use:   "pause <schedule-id>",
	Short: "Pause a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDaemon(context.Background())
		if err != nil {
			return err
		}
		defer d.Stop()

		sch, err := d.PauseSchedule(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Schedule %s (%s) paused\n", sch.ID, sch.Name)
		return nil
	},
}

var scheduleResumeCmd = &cobra.Command{
	Use:   "resume <schedule-id>",
	Short: "Resume a paused schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDaemon(context.Background())
		if err != nil {
			return err
		}
		defer d.Stop()

		sch, err := d.ResumeSchedule(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Schedule %s (%s) resumed, next run %s\n", sch.ID, sch.Name, sch.NextRunAt)
		return nil
	},
}

var scheduleDeleteCmd = &cobra.Command{
	Use:   "delete <schedule-id>",
	Short: "Delete a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDaemon(context.Background())
		if err != nil {
			return err
		}
		defer d.Stop()

		if err := d.DeleteSchedule(args[0]); err != nil {
			return err
		}
		fmt.Printf("Schedule %s deleted\n", args[0])
		return nil
	},
}

func init() {
	scheduleCreateCmd.Flags().StringVar(&scheduleNameFlag, "name", "", "Schedule name (required)")
	scheduleCreateCmd.Flags().StringVar(&scheduleCronFlag, "cron", "", "Cron expression, five fields (required)")
	scheduleCreateCmd.Flags().StringVar(&scheduleTimezoneFlag, "timezone", "UTC", "IANA timezone the cron expression is evaluated in")
	scheduleCreateCmd.Flags().StringVar(&scheduleInstanceFlag, "instance", "", "Compute instance id (required)")
	scheduleCreateCmd.Flags().StringVar(&scheduleEntityFlag, "entity", "", "Entity the query runs against (required)")
	scheduleCreateCmd.Flags().StringVar(&scheduleQueryFlag, "query", "", "Query text (required)")
	scheduleCreateCmd.Flags().StringVar(&scheduleParamsFlag, "params", "", "Default query parameters as a JSON object")
	scheduleCreateCmd.Flags().DurationVar(&scheduleLookbackFlag, "lookback", 24*time.Hour, "Execution window length ending at each fire time")
	scheduleCreateCmd.Flags().IntVar(&scheduleThresholdFlag, "auto-pause-threshold", 5, "Consecutive failures before the schedule pauses itself")

	ScheduleCmd.AddCommand(scheduleCreateCmd)
	ScheduleCmd.AddCommand(scheduleListCmd)
	ScheduleCmd.AddCommand(schedulePauseCmd)
	ScheduleCmd.AddCommand(scheduleResumeCmd)
	ScheduleCmd.AddCommand(scheduleDeleteCmd)
}
