package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass",
	Long: `Run one reconciliation pass and exit.

Open pull requests are compared with the recorded deployments: new ones are
created, changed ones updated, stale ones torn down and tracked branches
redeployed when their head moved. Failures of single deployments are
reported but do not fail the command; only a pass that could not complete
exits non-zero.

Typically run from cron or a systemd timer when 'serve' is not used.`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(func(a *app) error {
		report, err := a.engine.Run(ctx)
		printReport(cmd.OutOrStdout(), report)
		if err != nil {
			return fmt.Errorf("reconciliation aborted: %w", err)
		}
		return nil
	})
}
