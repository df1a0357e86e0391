package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"previewbox/internal/reconcile"
)

// printReport writes a table of the run's outcomes followed by a summary.
func printReport(w io.Writer, report *reconcile.RunReport) {
	if report == nil {
		return
	}

	if len(report.Outcomes) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "LABEL\tTYPE\tACTION\tREASON\tDURATION\tERROR")
		for _, o := range report.Outcomes {
			errText := "-"
			if o.Err != nil {
				errText = o.Err.Error()
			}
			if o.TeardownErr != nil {
				errText += "; teardown: " + o.TeardownErr.Error()
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				o.Label, o.Kind, o.Action, orDash(string(o.Reason)), o.Duration.Round(time.Millisecond), errText)
		}
		tw.Flush()
		fmt.Fprintln(w)
	}

	if report.ReloadErr != nil {
		fmt.Fprintf(w, "Edge router reload failed: %v\n", report.ReloadErr)
	}
	fmt.Fprintf(w, "%s (run %s, %d created, %d updated, %d deleted, %d failed) in %s\n",
		summary(report), report.ID,
		report.Count(reconcile.ActionCreate),
		report.Count(reconcile.ActionUpdate),
		report.Count(reconcile.ActionDelete),
		len(report.Failed()),
		report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
}

func summary(report *reconcile.RunReport) string {
	switch report.Status() {
	case reconcile.RunAborted:
		return "Run aborted"
	case reconcile.RunPartial:
		return "Run finished with failures"
	default:
		return "Run finished"
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
