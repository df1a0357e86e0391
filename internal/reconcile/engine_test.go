package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"previewbox/internal/versions"
)

func TestRun_CreatesNewPullRequest(t *testing.T) {
	h := newHarness(t, newFakeSource(prUnit(42, "abc123")), newMemStore(), Config{})

	report, err := h.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{
		"clone pr42 feature-42",
		"credential pr42",
		"runtimes",
		"constraint pr42",
		"build pr42 8.1",
		"route pr42 8.1",
		"reload",
	}
	if diff := cmp.Diff(want, h.prov.Calls()); diff != "" {
		t.Errorf("Provisioner calls mismatch (-want +got):\n%s", diff)
	}

	rec := h.store.record(t, "pr42")
	if rec.SourceRevision != "abc123" || rec.FailCount != 0 || rec.Kind != KindPullRequest {
		t.Errorf("Record = %+v, want revision abc123, fail count 0, kind pr", rec)
	}
	if !rec.DeployedAt.Equal(testNow) {
		t.Errorf("DeployedAt = %v, want %v", rec.DeployedAt, testNow)
	}

	o, ok := report.Outcome("pr42")
	if !ok {
		t.Fatal("No outcome for pr42")
	}
	if o.Action != ActionCreate || o.Reason != ReasonNew || o.Err != nil {
		t.Errorf("Outcome = %+v, want successful create", o)
	}
	if len(h.journal.reports) != 1 {
		t.Errorf("Journal has %d reports, want 1", len(h.journal.reports))
	}
	if h.recorder.started != 1 || h.recorder.finished != 1 {
		t.Errorf("Recorder started/finished = %d/%d, want 1/1", h.recorder.started, h.recorder.finished)
	}
}

func TestRun_UpToDateIsSkipped(t *testing.T) {
	h := newHarness(t,
		newFakeSource(prUnit(1, "aaa")),
		newMemStore(prRecord(1, "aaa", 0)),
		Config{})

	report, err := h.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if diff := cmp.Diff([]string{"reload"}, h.prov.Calls()); diff != "" {
		t.Errorf("Provisioner calls mismatch (-want +got):\n%s", diff)
	}
	if o, _ := report.Outcome("pr1"); o.Action != ActionSkip || o.Reason != ReasonUpToDate {
		t.Errorf("Outcome = %+v, want skip up-to-date", o)
	}
}

func TestRun_FailCountEscalatesToQuarantine(t *testing.T) {
	h := newHarness(t, newFakeSource(prUnit(7, "bad")), newMemStore(), Config{})
	h.prov.fail["build"] = errBoom

	for i, wantReason := range []Reason{ReasonNew, ReasonRetry, ReasonRetry} {
		h.prov.reset()
		report, err := h.engine.Run(context.Background())
		if err != nil {
			t.Fatalf("Run %d error = %v", i+1, err)
		}

		o, _ := report.Outcome("pr7")
		if o.Action != ActionCreate || o.Reason != wantReason {
			t.Errorf("Run %d outcome = %s/%s, want create/%s", i+1, o.Action, o.Reason, wantReason)
		}
		var ue *UnitError
		if !errors.As(o.Err, &ue) || ue.Step != "build" {
			t.Errorf("Run %d error = %v, want build UnitError", i+1, o.Err)
		}

		rec := h.store.record(t, "pr7")
		if rec.FailCount != i+1 {
			t.Errorf("After run %d fail count = %d, want %d", i+1, rec.FailCount, i+1)
		}
		if rec.SourceRevision != "bad" {
			t.Errorf("After run %d revision = %s, want bad", i+1, rec.SourceRevision)
		}
		for _, step := range []string{"unroute pr7", "release pr7", "remove pr7"} {
			if h.prov.count(step) != 1 {
				t.Errorf("Run %d: %q called %d times, want 1", i+1, step, h.prov.count(step))
			}
		}
	}

	// Quarantined: no further attempts, no matter how many passes.
	for i := 0; i < 2; i++ {
		h.prov.reset()
		report, err := h.engine.Run(context.Background())
		if err != nil {
			t.Fatalf("Quarantined run error = %v", err)
		}
		if diff := cmp.Diff([]string{"reload"}, h.prov.Calls()); diff != "" {
			t.Errorf("Quarantined run calls mismatch (-want +got):\n%s", diff)
		}
		if o, _ := report.Outcome("pr7"); o.Reason != ReasonQuarantined {
			t.Errorf("Outcome reason = %s, want quarantined", o.Reason)
		}
		if rec := h.store.record(t, "pr7"); rec.FailCount != QuarantineThreshold {
			t.Errorf("Quarantined fail count = %d, want %d", rec.FailCount, QuarantineThreshold)
		}
	}
}

func TestRun_NewRevisionLeavesQuarantine(t *testing.T) {
	h := newHarness(t,
		newFakeSource(prUnit(3, "new")),
		newMemStore(prRecord(3, "old", 3)),
		Config{})

	report, err := h.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	o, _ := report.Outcome("pr3")
	if o.Action != ActionUpdate || o.Err != nil {
		t.Fatalf("Outcome = %+v, want successful update", o)
	}
	// The environment was torn down by the last failure, so it is rebuilt.
	if h.prov.count("clone pr3") != 1 || h.prov.count("sync") != 0 {
		t.Errorf("Calls = %v, want a fresh clone and no sync", h.prov.Calls())
	}
	rec := h.store.record(t, "pr3")
	if rec.SourceRevision != "new" || rec.FailCount != 0 {
		t.Errorf("Record = %+v, want revision new with fail count 0", rec)
	}
}

func TestRun_FailureAtNewRevisionRestartsCount(t *testing.T) {
	h := newHarness(t,
		newFakeSource(prUnit(3, "new")),
		newMemStore(prRecord(3, "old", 2)),
		Config{})
	h.prov.fail["build pr3"] = errBoom

	if _, err := h.engine.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	rec := h.store.record(t, "pr3")
	if rec.SourceRevision != "new" || rec.FailCount != 1 {
		t.Errorf("Record = %+v, want revision new with fail count 1", rec)
	}
}

func TestRun_UpdateSyncsHealthyDeployment(t *testing.T) {
	h := newHarness(t,
		newFakeSource(prUnit(5, "b")),
		newMemStore(prRecord(5, "a", 0)),
		Config{})

	if _, err := h.engine.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []string{
		"sync pr5 feature-5",
		"runtimes",
		"constraint pr5",
		"build pr5 8.1",
		"route pr5 8.1",
		"reload",
	}
	if diff := cmp.Diff(want, h.prov.Calls()); diff != "" {
		t.Errorf("Provisioner calls mismatch (-want +got):\n%s", diff)
	}
	if rec := h.store.record(t, "pr5"); rec.SourceRevision != "b" {
		t.Errorf("Revision = %s, want b", rec.SourceRevision)
	}
}

func TestRun_IgnoredWithoutRecordDoesNothing(t *testing.T) {
	cfg := Config{Ignore: NewIgnoreList([]string{"deadbeef"}, nil)}
	h := newHarness(t, newFakeSource(prUnit(9, "deadbeef")), newMemStore(), cfg)

	report, err := h.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if diff := cmp.Diff([]string{"reload"}, h.prov.Calls()); diff != "" {
		t.Errorf("Provisioner calls mismatch (-want +got):\n%s", diff)
	}
	if h.store.has("pr9") {
		t.Error("Ignored unit must not get a record")
	}
	if o, _ := report.Outcome("pr9"); o.Action != ActionSkip || o.Reason != ReasonIgnored {
		t.Errorf("Outcome = %+v, want skip ignored", o)
	}
}

func TestRun_IgnoredLabelRemovesDeployment(t *testing.T) {
	u := prUnit(4, "aaa")
	u.LabelIDs = []int64{11, 99}
	cfg := Config{Ignore: NewIgnoreList(nil, []int64{99})}
	h := newHarness(t, newFakeSource(u), newMemStore(prRecord(4, "aaa", 0)), cfg)

	report, err := h.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []string{"unroute pr4", "release pr4", "remove pr4", "reload"}
	if diff := cmp.Diff(want, h.prov.Calls()); diff != "" {
		t.Errorf("Provisioner calls mismatch (-want +got):\n%s", diff)
	}
	if h.store.has("pr4") {
		t.Error("Record should be deleted")
	}
	if o, _ := report.Outcome("pr4"); o.Action != ActionDelete || o.Reason != ReasonIgnored {
		t.Errorf("Outcome = %+v, want delete ignored", o)
	}
}

func TestRun_ClosedPullRequestDeletedOnce(t *testing.T) {
	h := newHarness(t, newFakeSource(), newMemStore(prRecord(8, "aaa", 0)), Config{})

	report, err := h.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []string{"unroute pr8", "release pr8", "remove pr8", "reload"}
	if diff := cmp.Diff(want, h.prov.Calls()); diff != "" {
		t.Errorf("Provisioner calls mismatch (-want +got):\n%s", diff)
	}
	if o, _ := report.Outcome("pr8"); o.Action != ActionDelete || o.Reason != ReasonClosed {
		t.Errorf("Outcome = %+v, want delete closed", o)
	}
	if h.store.has("pr8") {
		t.Fatal("Record should be deleted")
	}

	h.prov.reset()
	if _, err := h.engine.Run(context.Background()); err != nil {
		t.Fatalf("Second Run() error = %v", err)
	}
	if diff := cmp.Diff([]string{"reload"}, h.prov.Calls()); diff != "" {
		t.Errorf("Second run calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_TeardownErrorNamesFailedSteps(t *testing.T) {
	h := newHarness(t, newFakeSource(), newMemStore(prRecord(8, "aaa", 0)), Config{})
	h.prov.fail["unroute"] = errBoom
	h.prov.fail["release"] = errBoom

	report, err := h.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	o, _ := report.Outcome("pr8")
	var te *TeardownError
	if !errors.As(o.Err, &te) {
		t.Fatalf("Outcome error = %v, want *TeardownError", o.Err)
	}
	if diff := cmp.Diff([]string{StepRemoveRouting, StepReleaseCredential}, te.Steps); diff != "" {
		t.Errorf("Failed steps mismatch (-want +got):\n%s", diff)
	}
	if te.Failed(StepRemoveWorkingCopy) {
		t.Error("Working copy removal should not be reported as failed")
	}
	if !errors.Is(o.Err, errBoom) {
		t.Error("TeardownError should unwrap to the step errors")
	}
	// Every step is attempted, so the working copy and record are gone.
	if h.prov.count("remove pr8") != 1 {
		t.Error("Working copy removal should still be attempted")
	}
	if h.store.has("pr8") {
		t.Error("Record should be deleted despite failed steps")
	}
}

func TestRun_UnitFailureDoesNotStopOtherUnits(t *testing.T) {
	h := newHarness(t, newFakeSource(prUnit(1, "a"), prUnit(2, "b")), newMemStore(), Config{})
	h.prov.fail["clone pr1"] = errBoom

	report, err := h.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	o1, _ := report.Outcome("pr1")
	var ue *UnitError
	if !errors.As(o1.Err, &ue) || ue.Step != "clone" || ue.Class != TransientIOFailure {
		t.Errorf("pr1 error = %v, want transient clone UnitError", o1.Err)
	}
	if rec := h.store.record(t, "pr1"); rec.FailCount != 1 {
		t.Errorf("pr1 fail count = %d, want 1", rec.FailCount)
	}

	if o2, _ := report.Outcome("pr2"); o2.Err != nil {
		t.Errorf("pr2 error = %v, want nil", o2.Err)
	}
	if rec := h.store.record(t, "pr2"); rec.FailCount != 0 {
		t.Errorf("pr2 fail count = %d, want 0", rec.FailCount)
	}
	if got := len(report.Failed()); got != 1 {
		t.Errorf("Failed outcomes = %d, want 1", got)
	}
	if h.recorder.failures[ActionCreate] != 1 || h.recorder.transitions[ActionCreate] != 2 {
		t.Errorf("Recorder create transitions/failures = %d/%d, want 2/1",
			h.recorder.transitions[ActionCreate], h.recorder.failures[ActionCreate])
	}
}

func TestRun_UnresolvableRuntimeVersion(t *testing.T) {
	h := newHarness(t, newFakeSource(prUnit(1, "a")), newMemStore(), Config{})
	h.prov.constraints["pr1"] = "^9.9"

	report, err := h.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	o, _ := report.Outcome("pr1")
	var ue *UnitError
	if !errors.As(o.Err, &ue) {
		t.Fatalf("Outcome error = %v, want *UnitError", o.Err)
	}
	if ue.Class != UnresolvableVersion {
		t.Errorf("Class = %s, want %s", ue.Class, UnresolvableVersion)
	}
	if !errors.Is(o.Err, versions.ErrUnparsableConstraint) {
		t.Errorf("Error should wrap ErrUnparsableConstraint, got %v", o.Err)
	}
	if h.prov.count("build") != 0 {
		t.Error("Build must not run without a resolved version")
	}
}

func TestRun_RuntimesListedOncePerRun(t *testing.T) {
	h := newHarness(t, newFakeSource(prUnit(1, "a"), prUnit(2, "b"), prUnit(3, "c")), newMemStore(), Config{})

	if _, err := h.engine.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n := h.prov.count("runtimes"); n != 1 {
		t.Errorf("AvailableRuntimes called %d times, want 1", n)
	}
}

func TestRun_DuplicateLabelsProcessedOnce(t *testing.T) {
	h := newHarness(t, newFakeSource(prUnit(1, "a"), prUnit(1, "a")), newMemStore(), Config{})

	report, err := h.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n := h.prov.count("clone pr1"); n != 1 {
		t.Errorf("Clone called %d times, want 1", n)
	}
	if len(report.Outcomes) != 1 {
		t.Errorf("Outcomes = %d, want 1", len(report.Outcomes))
	}
}

func TestRun_ReloadFailureDoesNotFailRun(t *testing.T) {
	h := newHarness(t, newFakeSource(prUnit(1, "a")), newMemStore(), Config{})
	h.prov.reloadErr = errBoom

	report, err := h.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if !errors.Is(report.ReloadErr, errBoom) {
		t.Errorf("ReloadErr = %v, want %v", report.ReloadErr, errBoom)
	}
	if h.recorder.reloadFails != 1 {
		t.Errorf("Reload failures recorded = %d, want 1", h.recorder.reloadFails)
	}
	if rec := h.store.record(t, "pr1"); rec.FailCount != 0 {
		t.Errorf("Deployment should be recorded as healthy, fail count = %d", rec.FailCount)
	}
}

func TestRun_StoreUnavailableAbortsRun(t *testing.T) {
	store := newMemStore()
	store.beginErr = errBoom
	h := newHarness(t, newFakeSource(prUnit(1, "a"), prUnit(2, "b")), store, Config{})

	report, err := h.engine.Run(context.Background())
	var se *StoreError
	if !errors.As(err, &se) {
		t.Fatalf("Run() error = %v, want *StoreError", err)
	}
	if report == nil || report.Err == nil {
		t.Fatal("Report should carry the run error")
	}
	if len(report.Outcomes) != 0 {
		t.Errorf("No unit should complete, got %d outcomes", len(report.Outcomes))
	}
	// The edge router is still reloaded.
	if diff := cmp.Diff([]string{"reload"}, h.prov.Calls()); diff != "" {
		t.Errorf("Provisioner calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_StoreListFailureAbortsRun(t *testing.T) {
	store := newMemStore()
	store.listErr = errBoom
	h := newHarness(t, newFakeSource(prUnit(1, "a")), store, Config{})

	_, err := h.engine.Run(context.Background())
	var se *StoreError
	if !errors.As(err, &se) {
		t.Fatalf("Run() error = %v, want *StoreError", err)
	}
}

func TestRun_ListingFailureSkipsPullRequestPhase(t *testing.T) {
	branch := DeploymentRecord{Label: "staging", Kind: KindBranch, SourceBranch: "develop", SourceRevision: "a"}
	source := newFakeSource()
	source.listErr = errBoom
	source.heads["develop"] = BranchHead{Revision: "b", Title: "Bump"}
	h := newHarness(t, source, newMemStore(prRecord(1, "a", 0), branch), Config{})

	report, err := h.engine.Run(context.Background())
	if !errors.Is(err, errBoom) {
		t.Fatalf("Run() error = %v, want listing error", err)
	}
	if !h.store.has("pr1") || h.prov.count("unroute") != 0 {
		t.Error("Existing pull request deployments must survive a failed listing")
	}
	if rec := h.store.record(t, "staging"); rec.SourceRevision != "b" {
		t.Errorf("Branch revision = %s, want b", rec.SourceRevision)
	}
	if o, _ := report.Outcome("staging"); o.Action != ActionUpdate {
		t.Errorf("Branch outcome = %+v, want update", o)
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t, newFakeSource(prUnit(1, "a")), newMemStore(), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.engine.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if len(report.Outcomes) != 0 {
		t.Errorf("Outcomes = %d, want 0", len(report.Outcomes))
	}
	if diff := cmp.Diff([]string{"reload"}, h.prov.Calls()); diff != "" {
		t.Errorf("Provisioner calls mismatch (-want +got):\n%s", diff)
	}
}

func TestTeardown_RemovesDeployment(t *testing.T) {
	h := newHarness(t, newFakeSource(), newMemStore(prRecord(3, "a", 0)), Config{})

	if err := h.engine.Teardown(context.Background(), "pr3"); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}
	want := []string{"unroute pr3", "release pr3", "remove pr3", "reload"}
	if diff := cmp.Diff(want, h.prov.Calls()); diff != "" {
		t.Errorf("Provisioner calls mismatch (-want +got):\n%s", diff)
	}
	if h.store.has("pr3") {
		t.Error("Record should be deleted")
	}

	// A second teardown of the same label is harmless.
	if err := h.engine.Teardown(context.Background(), "pr3"); err != nil {
		t.Errorf("Repeated Teardown() error = %v", err)
	}
}

func TestTeardown_ReloadFailure(t *testing.T) {
	h := newHarness(t, newFakeSource(), newMemStore(), Config{})
	h.prov.reloadErr = errBoom

	if err := h.engine.Teardown(context.Background(), "pr3"); !errors.Is(err, errBoom) {
		t.Errorf("Teardown() error = %v, want reload error", err)
	}
}

func TestRun_PullRequestDoesNotReplaceBranchDeployment(t *testing.T) {
	source := newFakeSource(prUnit(42, "abc"))
	source.heads["release"] = BranchHead{Revision: "r1"}
	h := newHarness(t, source, newMemStore(branchRecord("pr42", "release", "r1")), Config{})

	report, err := h.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if diff := cmp.Diff([]string{"reload"}, h.prov.Calls()); diff != "" {
		t.Errorf("Provisioner calls mismatch (-want +got):\n%s", diff)
	}
	rec := h.store.record(t, "pr42")
	if rec.Kind != KindBranch || rec.SourceBranch != "release" || rec.SourceRevision != "r1" {
		t.Errorf("Record = %+v, want untouched branch deployment of release at r1", rec)
	}

	var got *UnitOutcome
	for i := range report.Outcomes {
		if report.Outcomes[i].Kind == KindPullRequest {
			got = &report.Outcomes[i]
		}
	}
	if got == nil {
		t.Fatal("No pull request outcome for pr42")
	}
	if got.Action != ActionSkip || got.Reason != ReasonLabelTaken {
		t.Errorf("Outcome = %s/%s, want skip/label-taken", got.Action, got.Reason)
	}
	if !errors.Is(got.Err, ErrResourceConflict) {
		t.Errorf("Outcome error = %v, want ErrResourceConflict", got.Err)
	}
	var ue *UnitError
	if !errors.As(got.Err, &ue) || ue.Class != ResourceConflict {
		t.Errorf("Outcome error = %v, want unit error of class %s", got.Err, ResourceConflict)
	}
	if s := report.Status(); s != RunPartial {
		t.Errorf("Status() = %s, want %s", s, RunPartial)
	}
}
