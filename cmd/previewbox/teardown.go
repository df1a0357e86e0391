package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"previewbox/internal/security"
)

var teardownCmd = &cobra.Command{
	Use:   "teardown LABEL",
	Short: "Remove a deployment and everything it owns",
	Long: `Remove the deployment LABEL: its virtual host, database and database
user, working copy and record, then reload the web server.

Every step is attempted even if earlier ones fail, and removing a deployment
that is already partly or completely gone succeeds.

Example:
  previewbox teardown pr42`,
	Args: cobra.ExactArgs(1),
	RunE: runTeardown,
}

func runTeardown(cmd *cobra.Command, args []string) error {
	label := args[0]
	if err := security.ValidateLabel(label); err != nil {
		return err
	}

	return withApp(func(a *app) error {
		if err := a.engine.Teardown(cmd.Context(), label); err != nil {
			return fmt.Errorf("teardown of %s incomplete: %w", label, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deployment %s removed\n", label)
		return nil
	})
}
