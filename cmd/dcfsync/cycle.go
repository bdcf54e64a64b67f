package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/szaher/dcfsync/internal/desired"
	"github.com/szaher/dcfsync/internal/events"
	"github.com/szaher/dcfsync/internal/telemetry"
)

// errCycleFailed is returned when a cycle completed but left work undone.
var errCycleFailed = errors.New("cycle finished with failures")

func newCycleCmd() *cobra.Command {
	var (
		desiredFile string
		policy      string
		eventsFile  string
	)

	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Apply the desired state once and commit",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := desired.Load(desiredFile)
			if err != nil {
				return err
			}

			ctx := telemetry.WithCorrelationID(cmd.Context(), correlationID)
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = s.close(ctx) }()

			collector := &events.CollectorEmitter{}
			out, err := s.runCycle(ctx, doc, policy, collector)
			if err != nil {
				return err
			}
			if eventsFile != "" {
				if err := events.ExportLog(collector.Events, eventsFile); err != nil {
					return fmt.Errorf("export events: %w", err)
				}
			}

			printOutcome(cmd.OutOrStdout(), out)
			for _, p := range out.Report.Problems {
				fmt.Fprintf(cmd.ErrOrStderr(), "Problem: %s\n", p)
			}
			if !out.OK() {
				return errCycleFailed
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&desiredFile, "file", "f", "desired.yaml", "Desired-state document")
	cmd.Flags().StringVar(&policy, "policy", "", "Override the configured commit policy")
	cmd.Flags().StringVar(&eventsFile, "events", "", "Write the cycle's events to this JSON file")

	return cmd
}

func printOutcome(w io.Writer, o *cycleOutcome) {
	sum := o.Summary
	fmt.Fprintf(w, "Cycle %s (%s)\n", o.CycleID, sum.Policy)
	fmt.Fprintf(w, "%d connections saved (%d changed), %d properties saved, %d removed\n",
		o.Report.ConnectionsSaved, o.Report.ConnectionsChanged, o.Report.PropertiesSaved, o.Report.Removed)
	if sum.Plan != nil {
		fmt.Fprintf(w, "Sweep: %d deleted, %d dropped, %d deferred, %d failed, %d skipped\n",
			sum.Deleted, sum.Dropped, sum.Deferred, sum.Failed, sum.Skipped)
	}
}
