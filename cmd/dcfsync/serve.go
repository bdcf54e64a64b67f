package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/szaher/dcfsync/internal/auth"
	"github.com/szaher/dcfsync/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var (
		desiredFile string
		policy      string
		schedule    string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run cycles on a schedule and expose Prometheus metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			ctx = telemetry.WithCorrelationID(ctx, correlationID)

			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = s.close(context.WithoutCancel(ctx)) }()

			if schedule == "" {
				schedule = s.cfg.Schedule
			}
			if metricsAddr == "" {
				metricsAddr = s.cfg.Metrics.Addr
			}
			return serve(ctx, s, desiredFile, policy, schedule, metricsAddr)
		},
	}

	cmd.Flags().StringVarP(&desiredFile, "file", "f", "desired.yaml", "Desired-state document")
	cmd.Flags().StringVar(&policy, "policy", "", "Override the configured commit policy")
	cmd.Flags().StringVar(&schedule, "schedule", "", "Cron schedule of cycles (default from config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Metrics listen address (default from config)")

	return cmd
}

// serve runs scheduled cycles and the metrics server until ctx is done.
// Cycles never overlap: a tick that fires while one runs is skipped.
func serve(ctx context.Context, s *session, path, policy, schedule, addr string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() {
		s.cycleFromFile(ctx, path, policy)
	}); err != nil {
		return fmt.Errorf("schedule %q: %w", schedule, err)
	}

	srv := &http.Server{Addr: addr, Handler: s.httpHandler(), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.logger.Info("scheduler started", "schedule", schedule, "file", path)
		c.Start()
		<-gctx.Done()
		<-c.Stop().Done()
		s.logger.Info("scheduler stopped")
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// httpHandler serves /metrics behind the configured token and an
// unauthenticated /healthz.
func (s *session) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return auth.Middleware(s.cfg.Metrics.Token, "/healthz")(mux)
}
