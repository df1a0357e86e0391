package reconcile

import (
	"context"
	"errors"
	"fmt"
)

// branchFailure is the head a branch update last failed at and how often.
type branchFailure struct {
	revision string
	count    int
}

// pollBranches checks every tracked branch deployment for a new head and
// redeploys it in place. A failing branch never stops the others, and a
// failed update leaves its record untouched so the next pass retries it.
func (e *Engine) pollBranches(ctx context.Context, report *RunReport) error {
	records, err := e.store.ListByKind(ctx, KindBranch)
	if err != nil {
		return &StoreError{Op: "list branch deployments", Err: err}
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled: %w", err)
		}
		if err := e.pollBranch(ctx, rec, report); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) pollBranch(ctx context.Context, rec DeploymentRecord, report *RunReport) error {
	logger := e.logger.With("label", rec.Label, "branch", rec.SourceBranch)
	logger.Info("Checking branch for updates")

	start := e.now()
	outcome := UnitOutcome{Label: rec.Label, Kind: KindBranch, Action: ActionSkip}

	var head BranchHead
	err := e.withTimeout(ctx, e.cfg.SourceTimeout, func(ctx context.Context) error {
		var err error
		head, err = e.source.GetBranchHead(ctx, rec.SourceBranch)
		return err
	})
	switch {
	case err != nil:
		logger.Error("Failed to get branch head", "error", err)
		outcome.Err = newUnitError(rec.Label, ActionUpdate, "get branch head", err)
	case e.cfg.Ignore.RevisionIgnored(head.Revision):
		logger.Warn("Skipping branch, head commit is ignored", "revision", head.Revision)
		outcome.Reason = ReasonIgnored
	case head.Revision == rec.SourceRevision:
		delete(e.branchFailures, rec.Label)
		outcome.Reason = ReasonUpToDate
	case e.branchFailures[rec.Label].revision == head.Revision &&
		e.branchFailures[rec.Label].count >= QuarantineThreshold:
		logger.Warn("Skipping branch head that failed too often, waiting for a new commit",
			"revision", head.Revision, "failures", e.branchFailures[rec.Label].count)
		outcome.Reason = ReasonQuarantined
	default:
		u := DesiredUnit{
			Label:          rec.Label,
			Kind:           KindBranch,
			SourceBranch:   rec.SourceBranch,
			SourceRevision: head.Revision,
			CloneURL:       e.source.CloneURL(),
			Title:          head.Title,
			URL:            head.URL,
			Author:         head.Author,
		}
		outcome.Action = ActionUpdate
		outcome.Reason = ReasonNewRevision

		err := e.update(context.WithoutCancel(ctx), &rec, u)
		var se *StoreError
		if errors.As(err, &se) {
			return err
		}
		if err != nil {
			f := e.branchFailures[rec.Label]
			if f.revision != head.Revision {
				f = branchFailure{revision: head.Revision}
			}
			f.count++
			e.branchFailures[rec.Label] = f
			logger.Error("Failed to update branch deployment",
				"revision", head.Revision,
				"deployed_revision", rec.SourceRevision,
				"failures", f.count,
				"error", err)
			outcome.Err = err
		} else {
			delete(e.branchFailures, rec.Label)
		}
		e.recorder.Transition(ActionUpdate, err)
	}

	outcome.Duration = e.now().Sub(start)
	report.add(outcome)
	return nil
}

// TrackBranch starts tracking branch as a deployment named label and
// deploys its current head. A failed deployment is torn down completely.
func (e *Engine) TrackBranch(ctx context.Context, branch, label string) (*UnitOutcome, error) {
	if IsPullRequestLabel(label) {
		return nil, fmt.Errorf("label %s is reserved for pull request deployments", label)
	}

	existing, err := e.store.Get(ctx, label)
	if err != nil {
		return nil, &StoreError{Op: "get", Err: err}
	}
	if existing != nil {
		return nil, fmt.Errorf("deployment %s already exists (type %s, branch %s)", label, existing.Kind, existing.SourceBranch)
	}

	var head BranchHead
	err = e.withTimeout(ctx, e.cfg.SourceTimeout, func(ctx context.Context) error {
		var err error
		head, err = e.source.GetBranchHead(ctx, branch)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting head of branch %s: %w", branch, err)
	}

	u := DesiredUnit{
		Label:          label,
		Kind:           KindBranch,
		SourceBranch:   branch,
		SourceRevision: head.Revision,
		CloneURL:       e.source.CloneURL(),
		Title:          head.Title,
		URL:            head.URL,
		Author:         head.Author,
	}
	e.cfg.Ignore.Apply(&u)
	if u.Ignored {
		return nil, fmt.Errorf("refusing to track %s: %s", branch, u.IgnoreReason)
	}

	start := e.now()
	outcome := &UnitOutcome{Label: label, Kind: KindBranch, Action: ActionCreate, Reason: ReasonNew}
	if err := e.create(context.WithoutCancel(ctx), u); err != nil {
		var se *StoreError
		if errors.As(err, &se) {
			return nil, err
		}
		outcome.Err = err
		if terr := e.teardown(ctx, label, nil, 0); terr != nil {
			outcome.TeardownErr = terr
		}
	}
	e.recorder.Transition(ActionCreate, outcome.Err)

	if rerr := e.reloadEdgeRouter(ctx); rerr != nil {
		e.recorder.ReloadFailed()
		e.logger.Error("Failed to reload edge router", "error", rerr)
	}
	outcome.Duration = e.now().Sub(start)
	return outcome, nil
}
