package reconcile

import (
	"fmt"
	"regexp"
	"time"
)

// Kind is the type of source entity a deployment tracks.
type Kind string

const (
	// KindPullRequest is a deployment of an open pull request's head branch.
	KindPullRequest Kind = "pr"
	// KindBranch is a long-lived deployment of a tracked branch.
	KindBranch Kind = "branch"
)

// ParseKind parses the persisted form of a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindPullRequest, KindBranch:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown deployment kind %q", s)
}

var pullRequestLabel = regexp.MustCompile(`(?i)^pr[0-9]+$`)

// PullRequestLabel returns the deployment label of pull request number n.
func PullRequestLabel(n int) string {
	return fmt.Sprintf("pr%d", n)
}

// IsPullRequestLabel reports whether label lies in the namespace reserved for
// pull request deployments. Branch deployments may not use it.
func IsPullRequestLabel(label string) bool {
	return pullRequestLabel.MatchString(label)
}

// QuarantineThreshold is the number of failed attempts at one revision after
// which a deployment is no longer retried.
const QuarantineThreshold = 3

// DeploymentRecord is the persisted state of one preview deployment.
type DeploymentRecord struct {
	Label          string    `json:"label"`
	Kind           Kind      `json:"type"`
	SourceBranch   string    `json:"source_branch"`
	SourceRevision string    `json:"source_sha"`
	Title          string    `json:"title"`
	URL            string    `json:"url"`
	Author         string    `json:"author"`
	FailCount      int       `json:"fail_count"`
	DeployedAt     time.Time `json:"deployed_at"`
}

// Quarantined reports whether the record has failed too often at its
// current revision to be retried.
func (r *DeploymentRecord) Quarantined() bool {
	return r.FailCount >= QuarantineThreshold
}

// DesiredUnit is what the source of truth says should be deployed. It is
// built fresh on every pass and never persisted.
type DesiredUnit struct {
	Label          string
	Kind           Kind
	SourceBranch   string
	SourceRevision string
	CloneURL       string
	Title          string
	URL            string
	Author         string
	LabelIDs       []int64

	// Ignored is derived from the IgnoreList before any decision is made.
	Ignored      bool
	IgnoreReason string
}

// record builds the record that a successful (or failed, with failCount > 0)
// attempt at u leaves behind.
func (u DesiredUnit) record(failCount int, now time.Time) DeploymentRecord {
	return DeploymentRecord{
		Label:          u.Label,
		Kind:           u.Kind,
		SourceBranch:   u.SourceBranch,
		SourceRevision: u.SourceRevision,
		Title:          u.Title,
		URL:            u.URL,
		Author:         u.Author,
		FailCount:      failCount,
		DeployedAt:     now,
	}
}

// IgnoreList holds the static exact-match ignore sets.
type IgnoreList struct {
	Revisions map[string]struct{}
	LabelIDs  map[int64]struct{}
}

// NewIgnoreList builds an IgnoreList from configuration slices.
func NewIgnoreList(revisions []string, labelIDs []int64) IgnoreList {
	l := IgnoreList{
		Revisions: make(map[string]struct{}, len(revisions)),
		LabelIDs:  make(map[int64]struct{}, len(labelIDs)),
	}
	for _, r := range revisions {
		l.Revisions[r] = struct{}{}
	}
	for _, id := range labelIDs {
		l.LabelIDs[id] = struct{}{}
	}
	return l
}

// RevisionIgnored reports whether rev is on the revision ignore list.
func (l IgnoreList) RevisionIgnored(rev string) bool {
	_, ok := l.Revisions[rev]
	return ok
}

// Apply sets Ignored and IgnoreReason on u.
func (l IgnoreList) Apply(u *DesiredUnit) {
	if l.RevisionIgnored(u.SourceRevision) {
		u.Ignored = true
		u.IgnoreReason = fmt.Sprintf("commit %s is in the ignored revisions", u.SourceRevision)
		return
	}
	for _, id := range u.LabelIDs {
		if _, ok := l.LabelIDs[id]; ok {
			u.Ignored = true
			u.IgnoreReason = fmt.Sprintf("label id %d is in the ignored label ids", id)
			return
		}
	}
}
