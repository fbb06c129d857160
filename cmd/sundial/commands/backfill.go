package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sundial-hq/sundial/backfill"
	"github.com/sundial-hq/sundial/errors"
)

// BackfillCmd groups backfill management subcommands.
var BackfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Manage historical backfill collections",
	Long: `Plan and drive historical backfills split into calendar-aligned segments.

Examples:
  sundial backfill create --name orders-2025 --instance wh_1 --entity model.orders \
      --query "select count(*) from orders" \
      --range-start 2025-01-01T00:00:00 --range-end 2026-01-01T00:00:00 \
      --granularity month --max-parallel 3
  sundial backfill status bf_...
  sundial backfill retry bf_...`,
}

var (
	backfillNameFlag        string
	backfillInstanceFlag    string
	backfillEntityFlag      string
	backfillQueryFlag       string
	backfillParamsFlag      string
	backfillRangeStartFlag  string
	backfillRangeEndFlag    string
	backfillGranularityFlag string
	backfillMaxParallelFlag int
)

var backfillCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Plan a backfill collection and start submitting segments",
	RunE: func(cmd *cobra.Command, args []string) error {
		rangeStart, err := parseWindow("range-start", backfillRangeStartFlag)
		if err != nil {
			return err
		}
		rangeEnd, err := parseWindow("range-end", backfillRangeEndFlag)
		if err != nil {
			return err
		}
		var params json.RawMessage
		if backfillParamsFlag != "" {
			if !json.Valid([]byte(backfillParamsFlag)) {
				return errors.NewInvalidRequestf("--params must be valid JSON")
			}
			params = json.RawMessage(backfillParamsFlag)
		}

		ctx := context.Background()
		d, err := newDaemon(ctx)
		if err != nil {
			return err
		}
		defer d.Stop()

		c, err := d.CreateBackfill(ctx, backfillNameFlag, backfillInstanceFlag,
			backfillEntityFlag, backfillQueryFlag, params,
			rangeStart, rangeEnd, backfill.Granularity(backfillGranularityFlag),
			backfillMaxParallelFlag)
		if err != nil {
			return err
		}

		_, counts, err := d.BackfillStatus(c.ID)
		if err != nil {
			return err
		}
		total := 0
		for _, n := range counts {
			total += n
		}

		fmt.Printf("Backfill created\n")
		fmt.Printf("  ID:       %s\n", c.ID)
		fmt.Printf("  Name:     %s\n", c.Name)
		fmt.Printf("  Segments: %d (%s)\n", total, c.Granularity)
		return nil
	},
}

var backfillStatusCmd = &cobra.Command{
	Use:   "status <collection-id>",
	Short: "Show a collection and its segment progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDaemon(context.Background())
		if err != nil {
			return err
		}
		defer d.Stop()

		c, counts, err := d.BackfillStatus(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Backfill %s (%s)\n", c.ID, c.Name)
		fmt.Printf("  Status:      %s\n", c.Status)
		fmt.Printf("  Range:       %s to %s (%s)\n",
			c.RangeStart.Format("2006-01-02"), c.RangeEnd.Format("2006-01-02"), c.Granularity)
		fmt.Printf("  Parallelism: %d\n", c.MaxParallel)
		for _, s := range []backfill.SegmentStatus{
			backfill.SegmentPending, backfill.SegmentRunning, backfill.SegmentSuccess,
			backfill.SegmentFailed, backfill.SegmentSkipped,
		} {
			if counts[s] > 0 {
				fmt.Printf("  %-8s %d\n", s, counts[s])
			}
		}
		return nil
	},
}

var backfillAdvanceCmd = &cobra.Command{
	Use:   "advance <collection-id>",
	Short: "Submit pending segments within capacity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		d, err := newDaemon(ctx)
		if err != nil {
			return err
		}
		defer d.Stop()

		if err := d.AdvanceBackfill(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Backfill %s advanced\n", args[0])
		return nil
	},
}

var backfillRetryCmd = &cobra.Command{
	Use:   "retry <collection-id>",
	Short: "Reset failed segments and resubmit them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		d, err := newDaemon(ctx)
		if err != nil {
			return err
		}
		defer d.Stop()

		n, err := d.RetryFailedSegments(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Reset %d failed segments in %s\n", n, args[0])
		return nil
	},
}

var backfillRetrySegmentCmd = &cobra.Command{
	Use:   "retry-segment <segment-id>",
	Short: "Reset one failed segment and resubmit it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		d, err := newDaemon(ctx)
		if err != nil {
			return err
		}
		defer d.Stop()

		seg, err := d.RetrySegment(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Segment %s resubmitted (%s)\n", seg.ID, seg.Status)
		return nil
	},
}

var backfillPauseCmd = &cobra.Command{
	Use:   "pause <collection-id>",
	Short: "Pause segment submission for a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDaemon(context.Background())
		if err != nil {
			return err
		}
		defer d.Stop()

		if err := d.PauseBackfill(args[0]); err != nil {
			return err
		}
		fmt.Printf("Backfill %s paused\n", args[0])
		return nil
	},
}

var backfillResumeCmd = &cobra.Command{
	Use:   "resume <collection-id>",
	Short: "Resume a paused collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		d, err := newDaemon(ctx)
		if err != nil {
			return err
		}
		defer d.Stop()

		if err := d.ResumeBackfill(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Backfill %s resumed\n", args[0])
		return nil
	},
}

var backfillFailCmd = &cobra.Command{
	Use:   "fail <collection-id>",
	Short: "Mark a collection FAILED and stop working on it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDaemon(context.Background())
		if err != nil {
			return err
		}
		defer d.Stop()

		if err := d.FailBackfill(args[0]); err != nil {
			return err
		}
		fmt.Printf("Backfill %s marked FAILED\n", args[0])
		return nil
	},
}

var backfillSkipCmd = &cobra.Command{
	Use:   "skip <segment-id>",
	Short: "Skip a pending or failed segment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDaemon(context.Background())
		if err != nil {
			return err
		}
		defer d.Stop()

		seg, err := d.SkipSegment(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Segment %s (%s to %s) skipped\n", seg.ID,
			seg.WindowStart.Format("2006-01-02"), seg.WindowEnd.Format("2006-01-02"))
		return nil
	},
}

func init() {
	backfillCreateCmd.Flags().StringVar(&backfillNameFlag, "name", "", "Collection name (required)")
	backfillCreateCmd.Flags().StringVar(&backfillInstanceFlag, "instance", "", "Compute instance id (required)")
	backfillCreateCmd.Flags().StringVar(&backfillEntityFlag, "entity", "", "Entity the query runs against (required)")
	backfillCreateCmd.Flags().StringVar(&backfillQueryFlag, "query", "", "Query text (required)")
	backfillCreateCmd.Flags().StringVar(&backfillParamsFlag, "params", "", "Query parameters as a JSON object")
	backfillCreateCmd.Flags().StringVar(&backfillRangeStartFlag, "range-start", "", "Range start, YYYY-MM-DDTHH:MM:SS (required)")
	backfillCreateCmd.Flags().StringVar(&backfillRangeEndFlag, "range-end", "", "Range end, exclusive (required)")
	backfillCreateCmd.Flags().StringVar(&backfillGranularityFlag, "granularity", "day", "Segment granularity: day, week, month, quarter")
	backfillCreateCmd.Flags().IntVar(&backfillMaxParallelFlag, "max-parallel", 1, "Concurrent segment executions for this collection")

	BackfillCmd.AddCommand(backfillCreateCmd)
	BackfillCmd.AddCommand(backfillStatusCmd)
	BackfillCmd.AddCommand(backfillAdvanceCmd)
	BackfillCmd.AddCommand(backfillRetryCmd)
	BackfillCmd.AddCommand(backfillRetrySegmentCmd)
	BackfillCmd.AddCommand(backfillPauseCmd)
	BackfillCmd.AddCommand(backfillResumeCmd)
	BackfillCmd.AddCommand(backfillFailCmd)
	BackfillCmd.AddCommand(backfillSkipCmd)
}
