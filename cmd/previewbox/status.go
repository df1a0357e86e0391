package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"previewbox/internal/reconcile"
)

var statusRuns int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List deployments and recent runs",
	Long: `List all recorded deployments with their revision and failure count,
followed by the most recent reconciliation runs.

Only the deployment store is read; nothing on the host is changed.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusRuns, "runs", "n", 5, "Number of recent runs to show")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	records, err := st.ListAll(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list deployments: %w", err)
	}
	out := cmd.OutOrStdout()
	printDeployments(out, records, cfg.Domain)

	if statusRuns <= 0 {
		return nil
	}
	runs, err := st.RecentRuns(cmd.Context(), statusRuns)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if len(runs) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tUNITS\tERROR")
	for _, r := range runs {
		errText := "-"
		if r.Error != nil {
			errText = *r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.StartedAt, r.Status, len(r.Transitions), errText)
	}
	return tw.Flush()
}

// printDeployments writes one line per record. Failing records show their
// failure count, quarantined ones are marked.
func printDeployments(w io.Writer, records []reconcile.DeploymentRecord, domain string) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No deployments.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LABEL\tTYPE\tBRANCH\tREVISION\tDEPLOYED\tSTATE\tURL")
	for _, rec := range records {
		state := "ok"
		switch {
		case rec.Quarantined():
			state = fmt.Sprintf("quarantined (%d failures)", rec.FailCount)
		case rec.FailCount > 0:
			state = fmt.Sprintf("failing (%d)", rec.FailCount)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Label, rec.Kind, rec.SourceBranch, shortRevision(rec.SourceRevision),
			rec.DeployedAt.UTC().Format("2006-01-02 15:04"), state, "https://"+rec.Label+"."+domain)
	}
	tw.Flush()
}

func shortRevision(rev string) string {
	if len(rev) > 10 {
		return rev[:10]
	}
	return rev
}
