package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sundial-hq/sundial/errors"
	"github.com/sundial-hq/sundial/execution"
)

var (
	submitInstanceFlag    string
	submitEntityFlag      string
	submitQueryFlag       string
	submitParamsFlag      string
	submitWindowStartFlag string
	submitWindowEndFlag   string
)

// SubmitCmd submits a one-off execution.
var SubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a one-off query execution",
	Long: `Submit a query to the remote service as a manually triggered execution.

The execution is tracked locally and driven to resolution by the daemon's
status poller.

Example:
  sundial submit --instance wh_1 --entity model.orders \
      --query "select count(*) from orders" \
      --window-start 2026-03-01T00:00:00 --window-end 2026-03-02T00:00:00`,
	RunE: runSubmit,
}

func init() {
	SubmitCmd.Flags().StringVar(&submitInstanceFlag, "instance", "", "Compute instance id (required)")
	SubmitCmd.Flags().StringVar(&submitEntityFlag, "entity", "", "Entity the query runs against (required)")
	SubmitCmd.Flags().StringVar(&submitQueryFlag, "query", "", "Query text (required)")
	SubmitCmd.Flags().StringVar(&submitParamsFlag, "params", "", "Query parameters as a JSON object")
	SubmitCmd.Flags().StringVar(&submitWindowStartFlag, "window-start", "", "Execution window start (required)")
	SubmitCmd.Flags().StringVar(&submitWindowEndFlag, "window-end", "", "Execution window end (required)")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	windowStart, err := parseWindow("window-start", submitWindowStartFlag)
	if err != nil {
		return err
	}
	windowEnd, err := parseWindow("window-end", submitWindowEndFlag)
	if err != nil {
		return err
	}

	var params json.RawMessage
	if submitParamsFlag != "" {
		if !json.Valid([]byte(submitParamsFlag)) {
			return errors.NewInvalidRequestf("--params must be valid JSON")
		}
		params = json.RawMessage(submitParamsFlag)
	}

	ctx := context.Background()
	d, err := newDaemon(ctx)
	if err != nil {
		return err
	}
	defer d.Stop()

	e, err := d.SubmitAdhoc(ctx, execution.Request{
		InstanceID:  submitInstanceFlag,
		EntityID:    submitEntityFlag,
		QueryText:   submitQueryFlag,
		Parameters:  params,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Trigger:     execution.TriggerManual,
	})
	if err != nil {
		if e != nil {
			fmt.Printf("Execution %s FAILED: %s\n", e.ID, e.ErrorMessage)
		}
		return err
	}

	fmt.Printf("Execution submitted\n")
	fmt.Printf("  ID:        %s\n", e.ID)
	fmt.Printf("  Remote ID: %s\n", e.RemoteID)
	fmt.Printf("  Status:    %s\n", e.Status)
	return nil
}
