package reconcile

import (
	"context"
	"fmt"
)

// Teardown step names, as reported by TeardownError.
const (
	StepRemoveRouting     = "remove routing"
	StepReleaseCredential = "release credential"
	StepRemoveWorkingCopy = "remove working copy"
	StepRecord            = "record"
)

// teardown removes everything belonging to label: routing first so the
// deployment stops being reachable, then the credential and working copy,
// then bookkeeping. Every step is attempted.
//
// failCount selects the bookkeeping:
//
//	0   the record is deleted
//	1   a fresh record for desired is written with FailCount 1
//	>=2 the existing record takes desired's revision and the new count
func (e *Engine) teardown(ctx context.Context, label string, desired *DesiredUnit, failCount int) error {
	if failCount > 0 && desired == nil {
		return fmt.Errorf("teardown of %s with fail count %d needs the desired unit", label, failCount)
	}

	logger := e.logger.With("label", label, "fail_count", failCount)
	terr := &TeardownError{Label: label}

	steps := []struct {
		name string
		fn   func(context.Context, string) error
	}{
		{StepRemoveRouting, e.prov.RemoveRouting},
		{StepReleaseCredential, e.prov.ReleaseCredential},
		{StepRemoveWorkingCopy, e.prov.RemoveWorkingCopy},
	}
	for _, s := range steps {
		logger.Info("Teardown step", "step", s.name)
		err := e.withTimeout(ctx, e.cfg.StepTimeout, func(ctx context.Context) error {
			return s.fn(ctx, label)
		})
		if err != nil {
			logger.Warn("Teardown step failed", "step", s.name, "error", err)
			terr.add(s.name, err)
		}
	}

	if err := e.updateRecordAfterTeardown(ctx, label, desired, failCount); err != nil {
		logger.Warn("Failed deleting/updating deployment record", "error", err)
		terr.add(StepRecord, err)
	}

	return terr.errOrNil()
}

func (e *Engine) updateRecordAfterTeardown(ctx context.Context, label string, desired *DesiredUnit, failCount int) error {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}

	switch {
	case failCount == 0:
		err = tx.Delete(ctx, label)
	case failCount == 1:
		err = tx.Upsert(ctx, desired.record(1, e.now()))
	default:
		var rec *DeploymentRecord
		rec, err = tx.Get(ctx, label)
		if err != nil {
			break
		}
		if rec == nil {
			err = tx.Upsert(ctx, desired.record(failCount, e.now()))
			break
		}
		rec.SourceBranch = desired.SourceBranch
		rec.SourceRevision = desired.SourceRevision
		rec.Title = desired.Title
		rec.FailCount = failCount
		rec.DeployedAt = e.now()
		err = tx.Upsert(ctx, *rec)
	}
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Teardown removes the deployment for label regardless of its state and
// reloads the edge router. It is safe to call for labels with no record or
// partially provisioned resources.
func (e *Engine) Teardown(ctx context.Context, label string) error {
	e.logger.Info("Manual teardown", "label", label)
	err := e.teardown(ctx, label, nil, 0)
	e.recorder.Transition(ActionDelete, err)
	if rerr := e.reloadEdgeRouter(ctx); rerr != nil {
		e.recorder.ReloadFailed()
		if err == nil {
			return fmt.Errorf("reloading edge router: %w", rerr)
		}
		e.logger.Error("Failed to reload edge router", "error", rerr)
	}
	return err
}
