package main

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"previewbox/internal/reconcile"
	"previewbox/internal/security"
)

var trackCmd = &cobra.Command{
	Use:   "track BRANCH [LABEL]",
	Short: "Deploy a branch and keep it up to date",
	Long: `Deploy the current head of BRANCH as LABEL and keep tracking it.

Subsequent reconciliation passes redeploy the branch whenever its head
moves. LABEL defaults to the branch name with every character outside
[A-Za-z0-9_] replaced by '_'. Labels of the form pr<N> belong to pull
requests and cannot be tracked; a default label of that form is prefixed
with "branch_". A failed first deployment is removed completely.

Example:
  previewbox track develop staging`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runTrack,
}

var nonLabelChars = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

// labelFromBranch derives a deployment label from a branch name.
func labelFromBranch(branch string) string {
	label := strings.Trim(nonLabelChars.ReplaceAllString(branch, "_"), "_")
	if reconcile.IsPullRequestLabel(label) {
		label = "branch_" + label
	}
	if len(label) > security.MaxLabelLength {
		label = strings.TrimRight(label[:security.MaxLabelLength], "_")
	}
	return label
}

func runTrack(cmd *cobra.Command, args []string) error {
	branch := args[0]
	if err := security.ValidateBranchName(branch); err != nil {
		return err
	}
	label := labelFromBranch(branch)
	if len(args) == 2 {
		label = args[1]
	}
	if err := security.ValidateLabel(label); err != nil {
		return err
	}

	return withApp(func(a *app) error {
		outcome, err := a.engine.TrackBranch(cmd.Context(), branch, label)
		if err != nil {
			return err
		}
		if outcome.Err != nil {
			if outcome.TeardownErr != nil {
				a.logger.Warn("Cleanup after failed deployment incomplete", "label", label, "error", outcome.TeardownErr)
			}
			return fmt.Errorf("deploying %s as %s failed: %w", branch, label, outcome.Err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Branch %s deployed as %s (https://%s.%s)\n", branch, label, label, a.cfg.Domain)
		return nil
	})
}
