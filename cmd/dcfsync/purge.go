package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/szaher/dcfsync/internal/reconcile"
	"github.com/szaher/dcfsync/internal/telemetry"
)

func newPurgeCmd() *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every managed connection and property",
		Long: `Deletes every object dcfsync manages on loaded elements, fixed ones
included, and clears them from the persisted slots. Objects of unloaded
elements and objects whose delete fails are kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if !autoApprove {
				fmt.Fprint(w, "This will delete every managed connection and property.\nAre you sure? (yes/no): ")
				response, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if strings.TrimSpace(response) != "yes" {
					fmt.Fprintln(w, "Purge cancelled.")
					return nil
				}
			}

			ctx := telemetry.WithCorrelationID(cmd.Context(), correlationID)
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = s.close(ctx) }()

			e, err := s.newEngine(ctx, reconcile.Custom.String(), nil)
			if err != nil {
				return err
			}
			ok := e.DeleteAllManaged(ctx)
			if _, err := e.Commit(ctx); err != nil {
				return err
			}
			if err := s.saveHost(); err != nil {
				return err
			}

			if !ok {
				fmt.Fprintln(w, "Purge incomplete: some objects could not be deleted.")
				return errCycleFailed
			}
			fmt.Fprintln(w, "All managed objects deleted.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Skip confirmation prompt")

	return cmd
}
