package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"previewbox/internal/reconcile"
	"previewbox/internal/server"
)

var (
	listenAddr string
	interval   time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Reconcile periodically and serve the status page and webhook",
	Long: `Run reconciliation passes on an interval and serve HTTP.

The server provides the status page listing all deployments, a JSON API,
Prometheus metrics at /metrics and, when server.webhook_secret is set, a
GitHub webhook endpoint at /hooks/github that starts a pass immediately.
Only one pass runs at a time.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Address to listen on (overrides server.listen)")
	serveCmd.Flags().DurationVar(&interval, "interval", 0, "Time between scheduled runs (overrides server.interval)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(func(a *app) error {
		addr := a.cfg.Server.Listen
		if listenAddr != "" {
			addr = listenAddr
		}
		every := a.cfg.Server.Interval
		if interval > 0 {
			every = interval
		}

		if a.cfg.Server.WebhookSecret == "" {
			a.logger.Warn("No webhook secret configured, webhook endpoint disabled")
		}

		a.metrics.WatchDeployments(a.store, a.logger)
		scheduler := reconcile.NewScheduler(a.engine, reconcile.NewRunLock(), every, a.logger.With("component", "scheduler"))

		srv := server.NewServer(server.Options{
			Deployments:   a.store,
			Runs:          a.store,
			Trigger:       scheduler,
			Metrics:       a.metrics.Handler(),
			WebhookSecret: a.cfg.Server.WebhookSecret,
			WebhookRate:   a.cfg.Server.WebhookRate,
			Domain:        a.cfg.Domain,
		}, a.logger.With("component", "server"))

		a.logger.Info("Starting previewbox", "version", version, "listen", addr, "interval", every.String())

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			scheduler.Start(gctx)
			return nil
		})
		g.Go(func() error {
			return srv.ListenAndServe(gctx, addr)
		})
		err := g.Wait()

		// Runs started by webhooks may still be tearing down.
		scheduler.Wait()
		if err != nil && ctx.Err() == nil {
			a.logger.Error("Server failed", "error", err)
			return err
		}
		a.logger.Info("Stopped")
		return nil
	})
}

