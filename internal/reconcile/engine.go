package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"previewbox/internal/versions"
)

const (
	DefaultSourceTimeout = 30 * time.Second
	DefaultStepTimeout   = 5 * time.Minute
	DefaultBuildTimeout  = 30 * time.Minute
)

// Config is the static configuration the engine is constructed with.
type Config struct {
	Ignore IgnoreList

	// SourceTimeout bounds every SourceProvider call.
	SourceTimeout time.Duration
	// StepTimeout bounds every Provisioner call except the build sequence.
	StepTimeout time.Duration
	// BuildTimeout bounds RunBuildSequence.
	BuildTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.SourceTimeout <= 0 {
		c.SourceTimeout = DefaultSourceTimeout
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = DefaultStepTimeout
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = DefaultBuildTimeout
	}
}

// StoreError means the deployment store itself could not be reached. It is
// the only failure that aborts a run.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("deployment store unavailable (%s): %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Engine reconciles deployments against the source of truth. One Engine must
// not run concurrently with another against the same store; see RunLock.
type Engine struct {
	source   SourceProvider
	store    DeploymentStore
	prov     Provisioner
	cfg      Config
	logger   *slog.Logger
	journal  Journal
	recorder Recorder
	now      func() time.Time
	newID    func() string

	// runtimes caches AvailableRuntimes for the duration of one run.
	runtimes []string
	// branchFailures counts failed updates per branch label at the head that
	// failed. Only touched by the poller, which runs under the run lock.
	branchFailures map[string]branchFailure
}

// Option configures an Engine.
type Option func(*Engine)

// WithJournal persists every run report.
func WithJournal(j Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithRecorder reports run metrics.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine.
func NewEngine(source SourceProvider, store DeploymentStore, prov Provisioner, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		source:   source,
		store:    store,
		prov:     prov,
		cfg:      cfg,
		logger:   logger,
		recorder: nopRecorder{},
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },

		branchFailures: make(map[string]branchFailure),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run performs one reconciliation pass. The returned report is never nil.
// The error is non-nil only when the pass could not complete (store
// unreachable, pull requests unavailable or ctx cancelled); unit failures are
// in the report.
func (e *Engine) Run(ctx context.Context) (*RunReport, error) {
	report := &RunReport{ID: e.newID(), StartedAt: e.now()}
	e.runtimes = nil
	e.recorder.RunStarted()
	e.logger.Info("Reconciliation run started", "run_id", report.ID)

	err := e.reconcile(ctx, report)
	if err != nil {
		report.Err = err
		e.logger.Error("Reconciliation run aborted", "run_id", report.ID, "error", err)
	}

	// The reload happens whatever the outcome, including after cancellation.
	if rerr := e.reloadEdgeRouter(context.WithoutCancel(ctx)); rerr != nil {
		report.ReloadErr = rerr
		e.recorder.ReloadFailed()
		e.logger.Error("Failed to reload edge router", "run_id", report.ID, "error", rerr)
	}

	report.FinishedAt = e.now()
	e.recorder.RunFinished(report)

	if e.journal != nil {
		if jerr := e.journal.RecordRun(context.WithoutCancel(ctx), report); jerr != nil {
			e.logger.Error("Failed to record run", "run_id", report.ID, "error", jerr)
		}
	}

	e.logger.Info("Reconciliation run finished",
		"run_id", report.ID,
		"units", len(report.Outcomes),
		"failed", len(report.Failed()),
		"duration_ms", report.FinishedAt.Sub(report.StartedAt).Milliseconds())

	return report, err
}

func (e *Engine) reconcile(ctx context.Context, report *RunReport) error {
	prErr := e.reconcilePullRequests(ctx, report)
	var se *StoreError
	if errors.As(prErr, &se) {
		return prErr
	}
	if err := ctx.Err(); err != nil {
		if prErr != nil {
			return prErr
		}
		return fmt.Errorf("run cancelled: %w", err)
	}

	// Branch deployments do not depend on the pull request listing.
	if err := e.pollBranches(ctx, report); err != nil {
		return err
	}
	return prErr
}

func (e *Engine) reconcilePullRequests(ctx context.Context, report *RunReport) error {
	e.logger.Info("Fetching pull requests")
	var units []DesiredUnit
	err := e.withTimeout(ctx, e.cfg.SourceTimeout, func(ctx context.Context) error {
		var err error
		units, err = e.source.ListOpenPullRequestUnits(ctx)
		return err
	})
	if err != nil {
		// Without the full listing the orphan sweep would tear down live
		// deployments, so the whole pull request phase is skipped.
		return fmt.Errorf("listing pull requests: %w", err)
	}
	e.logger.Info("Found pull requests", "count", len(units))

	records, err := e.store.ListByKind(ctx, KindPullRequest)
	if err != nil {
		return &StoreError{Op: "list pull request deployments", Err: err}
	}
	existing := make(map[string]DeploymentRecord, len(records))
	for _, rec := range records {
		existing[rec.Label] = rec
	}

	branches, err := e.store.ListByKind(ctx, KindBranch)
	if err != nil {
		return &StoreError{Op: "list branch deployments", Err: err}
	}
	branchLabels := make(map[string]string, len(branches))
	for _, rec := range branches {
		branchLabels[rec.Label] = rec.SourceBranch
	}

	active := make(map[string]struct{}, len(units))
	for _, u := range units {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled: %w", err)
		}
		if _, seen := active[u.Label]; seen {
			e.logger.Warn("Duplicate pull request in listing, skipping", "label", u.Label)
			continue
		}
		active[u.Label] = struct{}{}

		if branch, taken := branchLabels[u.Label]; taken {
			e.reportLabelTaken(u, branch, report)
			continue
		}

		var rec *DeploymentRecord
		if r, ok := existing[u.Label]; ok {
			rec = &r
		}
		if err := e.processUnit(ctx, rec, u, report); err != nil {
			return err
		}
	}

	var orphans []string
	for _, rec := range records {
		if _, ok := active[rec.Label]; !ok {
			orphans = append(orphans, rec.Label)
		}
	}
	if len(orphans) > 0 {
		e.logger.Info("Deleting deployments of closed pull requests", "labels", orphans)
	}
	for _, label := range orphans {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled: %w", err)
		}
		start := e.now()
		terr := e.teardown(context.WithoutCancel(ctx), label, nil, 0)
		e.recorder.Transition(ActionDelete, terr)
		report.add(UnitOutcome{
			Label:    label,
			Kind:     KindPullRequest,
			Action:   ActionDelete,
			Reason:   ReasonClosed,
			Err:      terr,
			Duration: e.now().Sub(start),
		})
	}

	return nil
}

// reportLabelTaken records a pull request that cannot be deployed because a
// tracked branch deployment owns its label. Neither deployment is touched.
func (e *Engine) reportLabelTaken(u DesiredUnit, branch string, report *RunReport) {
	err := newUnitError(u.Label, ActionCreate, "claim label",
		fmt.Errorf("label belongs to the deployment of branch %s: %w", branch, ErrResourceConflict))
	e.logger.Error("Pull request label is used by a tracked branch, not deploying",
		"label", u.Label, "branch", branch, "pull_request_branch", u.SourceBranch)
	e.recorder.Transition(ActionSkip, err)
	report.add(UnitOutcome{
		Label:  u.Label,
		Kind:   KindPullRequest,
		Action: ActionSkip,
		Reason: ReasonLabelTaken,
		Err:    err,
	})
}

// processUnit decides and executes the transition for one pull request unit.
// Only store unavailability is returned; everything else lands in report.
func (e *Engine) processUnit(ctx context.Context, existing *DeploymentRecord, u DesiredUnit, report *RunReport) error {
	if u.Kind == "" {
		u.Kind = KindPullRequest
	}
	e.cfg.Ignore.Apply(&u)
	d := Decide(existing, u)

	logger := e.logger.With("label", u.Label, "revision", u.SourceRevision)
	logger.Info("Processing unit", "action", d.Action, "reason", d.Reason)
	if u.Ignored {
		logger.Warn("Unit is ignored", "why", u.IgnoreReason)
	}

	// A started transition runs to completion; cancellation only stops the
	// scheduling of further units.
	ctx = context.WithoutCancel(ctx)
	start := e.now()
	outcome := UnitOutcome{Label: u.Label, Kind: u.Kind, Action: d.Action, Reason: d.Reason}

	var err error
	switch d.Action {
	case ActionCreate:
		err = e.create(ctx, u)
	case ActionUpdate:
		err = e.update(ctx, existing, u)
	case ActionDelete:
		outcome.Err = e.teardown(ctx, u.Label, nil, 0)
	default:
		if d.Reason == ReasonQuarantined {
			logger.Warn("Skipping quarantined deployment", "fail_count", existing.FailCount)
		}
	}

	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	if err != nil {
		outcome.Err = err
		failCount := escalatedFailCount(existing, u)
		logger.Error("Deployment failed, tearing down", "error", err, "fail_count", failCount)
		if terr := e.teardown(ctx, u.Label, &u, failCount); terr != nil {
			outcome.TeardownErr = terr
		}
	}

	outcome.Duration = e.now().Sub(start)
	e.recorder.Transition(d.Action, outcome.Err)
	report.add(outcome)
	return nil
}

// create deploys u from scratch. On failure nothing is persisted; the caller
// decides how to escalate.
func (e *Engine) create(ctx context.Context, u DesiredUnit) error {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return &StoreError{Op: "begin", Err: err}
	}

	if err := e.acquire(ctx, ActionCreate, u); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := e.buildAndRoute(ctx, ActionCreate, u.Label); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Upsert(ctx, u.record(0, e.now())); err != nil {
		_ = tx.Rollback()
		return newUnitError(u.Label, ActionCreate, "save record", err)
	}
	if err := tx.Commit(); err != nil {
		return newUnitError(u.Label, ActionCreate, "commit", err)
	}

	e.logger.Info("Deployment created", "label", u.Label, "revision", u.SourceRevision)
	return nil
}

// update moves an existing deployment to u's revision in place.
func (e *Engine) update(ctx context.Context, existing *DeploymentRecord, u DesiredUnit) error {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return &StoreError{Op: "begin", Err: err}
	}

	if existing.FailCount > 0 {
		// The failed attempt that raised the count tore the environment down.
		err = e.acquire(ctx, ActionUpdate, u)
	} else {
		err = e.step(ctx, ActionUpdate, u.Label, "sync working copy", e.cfg.StepTimeout, func(ctx context.Context) error {
			return e.prov.SyncToRevision(ctx, u.Label, u.SourceBranch)
		})
	}
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := e.buildAndRoute(ctx, ActionUpdate, u.Label); err != nil {
		_ = tx.Rollback()
		return err
	}

	rec := *existing
	rec.SourceBranch = u.SourceBranch
	rec.SourceRevision = u.SourceRevision
	rec.Title = u.Title
	rec.FailCount = 0
	rec.DeployedAt = e.now()
	if err := tx.Upsert(ctx, rec); err != nil {
		_ = tx.Rollback()
		return newUnitError(u.Label, ActionUpdate, "save record", err)
	}
	if err := tx.Commit(); err != nil {
		return newUnitError(u.Label, ActionUpdate, "commit", err)
	}

	e.logger.Info("Deployment updated", "label", u.Label, "revision", u.SourceRevision)
	return nil
}

// acquire clones a fresh working copy and provisions its credential.
func (e *Engine) acquire(ctx context.Context, action Action, u DesiredUnit) error {
	err := e.step(ctx, action, u.Label, "clone", e.cfg.StepTimeout, func(ctx context.Context) error {
		return e.prov.Clone(ctx, u.CloneURL, u.SourceBranch, u.Label)
	})
	if err != nil {
		return err
	}
	return e.step(ctx, action, u.Label, "provision credential", e.cfg.StepTimeout, func(ctx context.Context) error {
		// The secret only lives in the environment's own configuration.
		_, err := e.prov.ProvisionCredential(ctx, u.Label)
		return err
	})
}

// buildAndRoute resolves the runtime, runs the build and writes routing.
func (e *Engine) buildAndRoute(ctx context.Context, action Action, label string) error {
	version, err := e.resolveRuntime(ctx, action, label)
	if err != nil {
		return err
	}
	e.logger.Info("Resolved runtime version", "label", label, "version", version)

	err = e.step(ctx, action, label, "build", e.cfg.BuildTimeout, func(ctx context.Context) error {
		return e.prov.RunBuildSequence(ctx, label, version)
	})
	if err != nil {
		return err
	}
	return e.step(ctx, action, label, "write routing", e.cfg.StepTimeout, func(ctx context.Context) error {
		return e.prov.WriteRouting(ctx, label, version)
	})
}

func (e *Engine) resolveRuntime(ctx context.Context, action Action, label string) (string, error) {
	if e.runtimes == nil {
		err := e.step(ctx, action, label, "list runtimes", e.cfg.StepTimeout, func(ctx context.Context) error {
			available, err := e.prov.AvailableRuntimes(ctx)
			if err != nil {
				return err
			}
			e.runtimes = versions.SortDescending(available)
			e.logger.Info("Installed runtime versions", "versions", e.runtimes)
			return nil
		})
		if err != nil {
			return "", err
		}
	}

	var constraint string
	err := e.step(ctx, action, label, "read runtime constraint", e.cfg.StepTimeout, func(ctx context.Context) error {
		var err error
		constraint, err = e.prov.RuntimeConstraint(ctx, label)
		return err
	})
	if err != nil {
		return "", err
	}

	version, err := versions.Resolve(constraint, e.runtimes)
	if err != nil {
		return "", newUnitError(label, action, "resolve runtime", err)
	}
	return version, nil
}

func (e *Engine) reloadEdgeRouter(ctx context.Context) error {
	return e.withTimeout(ctx, e.cfg.StepTimeout, e.prov.ReloadEdgeRouter)
}

// step runs one Provisioner call under timeout and wraps its failure.
func (e *Engine) step(ctx context.Context, action Action, label, name string, timeout time.Duration, fn func(context.Context) error) error {
	e.logger.Debug("Running step", "label", label, "action", action, "step", name)
	if err := e.withTimeout(ctx, timeout, fn); err != nil {
		return newUnitError(label, action, name, err)
	}
	return nil
}

func (e *Engine) withTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
