package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/szaher/dcfsync/internal/plan"
	"github.com/szaher/dcfsync/internal/telemetry"
)

func newPlanCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what an end-of-polling commit would sweep",
		Long: `Reads the persisted slots and prints the IDs an end-of-polling
commit would delete if the pending generation stayed as it is now.
Nothing is deleted and no readiness check runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "text" && output != "json" {
				return fmt.Errorf("unknown output format %q", output)
			}

			ctx := telemetry.WithCorrelationID(cmd.Context(), correlationID)
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = s.close(ctx) }()

			gens, err := s.readGenerations(ctx)
			if err != nil {
				return err
			}
			p := plan.Compute(gens, nil)

			w := cmd.OutOrStdout()
			if output == "json" {
				out, err := plan.FormatJSON(p)
				if err != nil {
					return err
				}
				fmt.Fprint(w, out)
				return nil
			}
			fmt.Fprint(w, plan.FormatText(p))
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text or json")

	return cmd
}
