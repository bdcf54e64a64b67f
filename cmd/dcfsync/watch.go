package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/szaher/dcfsync/internal/desired"
	"github.com/szaher/dcfsync/internal/telemetry"
)

// watchDebounce collapses the burst of events an editor produces on save.
const watchDebounce = 500 * time.Millisecond

func newWatchCmd() *cobra.Command {
	var (
		desiredFile string
		policy      string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run a cycle each time the desired-state document changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			ctx = telemetry.WithCorrelationID(ctx, correlationID)

			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = s.close(context.WithoutCancel(ctx)) }()

			return watchLoop(ctx, s, desiredFile, policy)
		},
	}

	cmd.Flags().StringVarP(&desiredFile, "file", "f", "desired.yaml", "Desired-state document")
	cmd.Flags().StringVar(&policy, "policy", "", "Override the configured commit policy")

	return cmd
}

// watchLoop runs one cycle immediately and another after every change to
// path, until ctx is done. The parent directory is watched so files
// replaced by rename are still seen.
func watchLoop(ctx context.Context, s *session, path, policy string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	s.logger.Info("watching desired state", "file", abs)
	s.cycleFromFile(ctx, abs, policy)

	timer := time.NewTimer(watchDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stopped watching")
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				s.logger.Debug("desired state changed", "op", ev.Op.String())
				timer.Reset(watchDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("watcher error", "error", err)

		case <-timer.C:
			s.cycleFromFile(ctx, abs, policy)
		}
	}
}

// cycleFromFile loads path and runs one cycle. Failures are logged so a
// long-running loop survives a bad document or an unreachable element.
func (s *session) cycleFromFile(ctx context.Context, path, policy string) *cycleOutcome {
	doc, err := desired.Load(path)
	if err != nil {
		s.logger.Error("load desired state", "file", path, "error", err)
		return nil
	}
	out, err := s.runCycle(ctx, doc, policy, nil)
	if err != nil {
		s.logger.Error("cycle failed", "error", err)
		return nil
	}
	s.logger.Info("cycle finished",
		"cycle_id", out.CycleID,
		"ok", out.OK(),
		"connections_saved", out.Report.ConnectionsSaved,
		"connections_changed", out.Report.ConnectionsChanged,
		"properties_saved", out.Report.PropertiesSaved,
		"removed", out.Report.Removed,
		"swept", out.Summary.Deleted+out.Summary.Dropped,
		"problems", len(out.Report.Problems),
	)
	return out
}
