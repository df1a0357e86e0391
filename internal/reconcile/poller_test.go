package reconcile

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func branchRecord(label, branch, rev string) DeploymentRecord {
	return DeploymentRecord{
		Label:          label,
		Kind:           KindBranch,
		SourceBranch:   branch,
		SourceRevision: rev,
		Title:          "Initial",
	}
}

func TestPollBranches(t *testing.T) {
	tests := []struct {
		name       string
		head       BranchHead
		headErr    error
		ignore     IgnoreList
		failBuild  bool
		wantAction Action
		wantReason Reason
		wantErr    bool
		wantRev    string
		wantBuilds int
	}{
		{
			name:       "up to date",
			head:       BranchHead{Revision: "a"},
			wantAction: ActionSkip,
			wantReason: ReasonUpToDate,
			wantRev:    "a",
		},
		{
			name:       "new head is deployed in place",
			head:       BranchHead{Revision: "b", Title: "Fix checkout"},
			wantAction: ActionUpdate,
			wantReason: ReasonNewRevision,
			wantRev:    "b",
			wantBuilds: 1,
		},
		{
			name:       "ignored head is skipped",
			head:       BranchHead{Revision: "b"},
			ignore:     NewIgnoreList([]string{"b"}, nil),
			wantAction: ActionSkip,
			wantReason: ReasonIgnored,
			wantRev:    "a",
		},
		{
			name:       "head lookup failure leaves record",
			headErr:    errBoom,
			wantAction: ActionSkip,
			wantErr:    true,
			wantRev:    "a",
		},
		{
			name:       "failed update leaves record for retry",
			head:       BranchHead{Revision: "b"},
			failBuild:  true,
			wantAction: ActionUpdate,
			wantReason: ReasonNewRevision,
			wantErr:    true,
			wantRev:    "a",
			wantBuilds: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := newFakeSource()
			source.heads["develop"] = tt.head
			if tt.headErr != nil {
				source.headErrs["develop"] = tt.headErr
			}
			h := newHarness(t, source, newMemStore(branchRecord("staging", "develop", "a")), Config{Ignore: tt.ignore})
			if tt.failBuild {
				h.prov.fail["build"] = errBoom
			}

			report, err := h.engine.Run(context.Background())
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			o, ok := report.Outcome("staging")
			if !ok {
				t.Fatal("No outcome for staging")
			}
			if o.Action != tt.wantAction || o.Reason != tt.wantReason {
				t.Errorf("Outcome = %s/%s, want %s/%s", o.Action, o.Reason, tt.wantAction, tt.wantReason)
			}
			if (o.Err != nil) != tt.wantErr {
				t.Errorf("Outcome error = %v, wantErr %v", o.Err, tt.wantErr)
			}

			rec := h.store.record(t, "staging")
			if rec.SourceRevision != tt.wantRev || rec.FailCount != 0 {
				t.Errorf("Record = %+v, want revision %s with fail count 0", rec, tt.wantRev)
			}
			if n := h.prov.count("build staging"); n != tt.wantBuilds {
				t.Errorf("Builds = %d, want %d", n, tt.wantBuilds)
			}
			// Branch deployments are never torn down by polling.
			if n := h.prov.count("unroute"); n != 0 {
				t.Errorf("Teardown ran %d times, want 0", n)
			}
		})
	}
}

func TestPollBranches_OneFailureDoesNotStopOthers(t *testing.T) {
	source := newFakeSource()
	source.headErrs["develop"] = errBoom
	source.heads["release"] = BranchHead{Revision: "r2"}
	h := newHarness(t, source, newMemStore(
		branchRecord("a-staging", "develop", "d1"),
		branchRecord("b-release", "release", "r1"),
	), Config{})

	if _, err := h.engine.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec := h.store.record(t, "b-release"); rec.SourceRevision != "r2" {
		t.Errorf("b-release revision = %s, want r2", rec.SourceRevision)
	}
}

func TestTrackBranch(t *testing.T) {
	source := newFakeSource()
	source.heads["develop"] = BranchHead{Revision: "abc", Title: "Merge #12", Author: "Jo", URL: "https://github.com/acme/shop/commit/abc"}
	h := newHarness(t, source, newMemStore(), Config{})

	o, err := h.engine.TrackBranch(context.Background(), "develop", "staging")
	if err != nil {
		t.Fatalf("TrackBranch() error = %v", err)
	}
	if o.Err != nil {
		t.Fatalf("Outcome error = %v", o.Err)
	}

	want := []string{
		"clone staging develop",
		"credential staging",
		"runtimes",
		"constraint staging",
		"build staging 8.1",
		"route staging 8.1",
		"reload",
	}
	if diff := cmp.Diff(want, h.prov.Calls()); diff != "" {
		t.Errorf("Provisioner calls mismatch (-want +got):\n%s", diff)
	}

	rec := h.store.record(t, "staging")
	wantRec := DeploymentRecord{
		Label:          "staging",
		Kind:           KindBranch,
		SourceBranch:   "develop",
		SourceRevision: "abc",
		Title:          "Merge #12",
		URL:            "https://github.com/acme/shop/commit/abc",
		Author:         "Jo",
		DeployedAt:     testNow,
	}
	if diff := cmp.Diff(wantRec, rec); diff != "" {
		t.Errorf("Record mismatch (-want +got):\n%s", diff)
	}

	if _, err := h.engine.TrackBranch(context.Background(), "develop", "staging"); err == nil {
		t.Error("Tracking an existing label should fail")
	}
}

func TestTrackBranch_FailureTearsDown(t *testing.T) {
	source := newFakeSource()
	source.heads["develop"] = BranchHead{Revision: "abc"}
	h := newHarness(t, source, newMemStore(), Config{})
	h.prov.fail["route"] = errBoom

	o, err := h.engine.TrackBranch(context.Background(), "develop", "staging")
	if err != nil {
		t.Fatalf("TrackBranch() error = %v", err)
	}
	var ue *UnitError
	if !errors.As(o.Err, &ue) || ue.Step != "write routing" {
		t.Errorf("Outcome error = %v, want write routing UnitError", o.Err)
	}
	if h.store.has("staging") {
		t.Error("A failed branch deployment must leave no record")
	}
	if h.prov.count("remove staging") != 1 {
		t.Error("Working copy should be removed")
	}
}

func TestTrackBranch_Refusals(t *testing.T) {
	source := newFakeSource()
	source.heads["develop"] = BranchHead{Revision: "bad"}
	h := newHarness(t, source, newMemStore(), Config{Ignore: NewIgnoreList([]string{"bad"}, nil)})

	if _, err := h.engine.TrackBranch(context.Background(), "develop", "staging"); err == nil {
		t.Error("Tracking a branch whose head is ignored should fail")
	}
	if _, err := h.engine.TrackBranch(context.Background(), "missing", "x"); err == nil {
		t.Error("Tracking an unknown branch should fail")
	}
	if n := len(h.prov.Calls()); n != 0 {
		t.Errorf("Refused tracking made %d provisioner calls", n)
	}
}

func TestTrackBranch_RejectsPullRequestLabels(t *testing.T) {
	for _, label := range []string{"pr42", "PR7", "Pr0"} {
		t.Run(label, func(t *testing.T) {
			source := newFakeSource()
			source.heads["develop"] = BranchHead{Revision: "abc"}
			h := newHarness(t, source, newMemStore(), Config{})

			_, err := h.engine.TrackBranch(context.Background(), "develop", label)
			if err == nil || !strings.Contains(err.Error(), "reserved") {
				t.Fatalf("TrackBranch(%q) error = %v, want reserved label error", label, err)
			}
			if n := len(h.prov.Calls()); n != 0 {
				t.Errorf("Refused tracking made %d provisioner calls", n)
			}
			if h.store.has(label) {
				t.Errorf("Record %s should not be created", label)
			}
		})
	}
}

func TestPollBranches_FailingHeadRetriedUpToThreshold(t *testing.T) {
	source := newFakeSource()
	source.heads["develop"] = BranchHead{Revision: "b"}
	h := newHarness(t, source, newMemStore(branchRecord("staging", "develop", "a")), Config{})
	h.prov.fail["build"] = errBoom

	for i := 0; i < QuarantineThreshold; i++ {
		h.prov.reset()
		report, err := h.engine.Run(context.Background())
		if err != nil {
			t.Fatalf("Run %d error = %v", i+1, err)
		}
		if n := h.prov.count("build staging"); n != 1 {
			t.Errorf("Run %d builds = %d, want 1", i+1, n)
		}
		if o, _ := report.Outcome("staging"); o.Action != ActionUpdate || o.Err == nil {
			t.Errorf("Run %d outcome = %+v, want failed update", i+1, o)
		}
	}

	h.prov.reset()
	report, err := h.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n := h.prov.count("build staging"); n != 0 {
		t.Errorf("Builds after %d failures = %d, want 0", QuarantineThreshold, n)
	}
	o, _ := report.Outcome("staging")
	if o.Action != ActionSkip || o.Reason != ReasonQuarantined || o.Err != nil {
		t.Errorf("Outcome = %+v, want clean skip/quarantined", o)
	}
	if rec := h.store.record(t, "staging"); rec.SourceRevision != "a" {
		t.Errorf("Record revision = %s, want a", rec.SourceRevision)
	}

	// A new head is tried again.
	delete(h.prov.fail, "build")
	source.heads["develop"] = BranchHead{Revision: "c"}
	h.prov.reset()
	report, err = h.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if o, _ := report.Outcome("staging"); o.Action != ActionUpdate || o.Err != nil {
		t.Errorf("Outcome = %+v, want successful update", o)
	}
	if rec := h.store.record(t, "staging"); rec.SourceRevision != "c" {
		t.Errorf("Record revision = %s, want c", rec.SourceRevision)
	}
}
