package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"previewbox/internal/security"
	"previewbox/internal/versions"
)

var runtimeLabel string

var runtimeCmd = &cobra.Command{
	Use:   "runtime [CONSTRAINT]",
	Short: "Show installed runtimes and resolve a version constraint",
	Long: `List the installed runtime versions and, given a constraint, the version a
deployment with that constraint would run on.

With --label the constraint is read from that deployment's working copy.

Examples:
  previewbox runtime
  previewbox runtime '^8.1'
  previewbox runtime --label pr42`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRuntime,
}

func init() {
	runtimeCmd.Flags().StringVarP(&runtimeLabel, "label", "l", "", "Read the constraint from this deployment's working copy")
}

func runRuntime(cmd *cobra.Command, args []string) error {
	if runtimeLabel != "" && len(args) > 0 {
		return fmt.Errorf("give either a constraint or --label, not both")
	}
	if runtimeLabel != "" {
		if err := security.ValidateLabel(runtimeLabel); err != nil {
			return err
		}
	}

	return withApp(func(a *app) error {
		out := cmd.OutOrStdout()
		available, err := a.prov.AvailableRuntimes(cmd.Context())
		if err != nil {
			return err
		}
		if len(available) == 0 {
			fmt.Fprintln(out, "Installed: none")
		} else {
			fmt.Fprintf(out, "Installed: %s\n", strings.Join(available, ", "))
		}

		var constraint string
		switch {
		case runtimeLabel != "":
			constraint, err = a.prov.RuntimeConstraint(cmd.Context(), runtimeLabel)
			if err != nil {
				return err
			}
		case len(args) == 1:
			constraint = args[0]
		default:
			return nil
		}

		resolved, err := versions.Resolve(constraint, available)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Constraint %q resolves to %s\n", constraint, resolved)
		return nil
	})
}
