package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/szaher/dcfsync/internal/mapping"
	"github.com/szaher/dcfsync/internal/readiness"
	"github.com/szaher/dcfsync/internal/telemetry"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the managed IDs persisted in each slot",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			pairs := s.cfg.Slots.Pairs()

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Local element %s, policy %s, backend %s\n\n", s.cfg.Local, s.cfg.Policy, s.cfg.Backend.Type)
			fmt.Fprintf(w, "%-36s %-22s %-8s %-7s %-6s %s\n", "SLOT", "CATEGORY", "GEN", "OWNERS", "IDS", "FIXED")
			fmt.Fprintln(w, strings.Repeat("-", 90))
			for _, cat := range mapping.Categories {
				g, ok := gens[cat]
				if !ok {
					fmt.Fprintf(w, "%-36s %-22s %s\n", "-", cat, "disabled")
					continue
				}
				row := func(slot, gen string, m mapping.Mapping) {
					normal, fixed := m.Count()
					fmt.Fprintf(w, "%-36s %-22s %-8s %-7d %-6d %d\n", slot, cat, gen, len(m), normal+fixed, fixed)
				}
				row(pairs[cat].Current, "current", g.Current)
				if pairs[cat].Pending != "" {
					row(pairs[cat].Pending, "pending", g.Pending)
				}
			}

			if slot := s.cfg.Slots.Startup; slot != "" {
				buf, err := s.backend.Get(ctx, slot)
				if err != nil {
					return fmt.Errorf("read slot %q: %w", slot, err)
				}
				fmt.Fprintf(w, "\nStartup checked set %s: %d elements\n", slot, len(readiness.ParseChecked(buf)))
			}
			return nil
		},
	}
}
