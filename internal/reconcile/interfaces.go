package reconcile

import "context"

// BranchHead is the current tip of a tracked branch.
type BranchHead struct {
	Revision string
	Title    string
	Author   string
	URL      string
}

// SourceProvider is the source of truth for what should be deployed.
type SourceProvider interface {
	// ListOpenPullRequestUnits returns every open pull request, across all
	// pages, in the provider's stable order.
	ListOpenPullRequestUnits(ctx context.Context) ([]DesiredUnit, error)
	GetBranchHead(ctx context.Context, branch string) (BranchHead, error)
	// CloneURL is the clone URL of the tracked repository itself.
	CloneURL() string
}

// RecordWriter mutates deployment records.
type RecordWriter interface {
	Get(ctx context.Context, label string) (*DeploymentRecord, error)
	Upsert(ctx context.Context, rec DeploymentRecord) error
	Delete(ctx context.Context, label string) error
}

// StoreTx is a transaction over deployment records.
type StoreTx interface {
	RecordWriter
	Commit() error
	Rollback() error
}

// DeploymentStore persists deployment records. Get returns nil, nil when no
// record exists for the label.
type DeploymentStore interface {
	RecordWriter
	ListByKind(ctx context.Context, kind Kind) ([]DeploymentRecord, error)
	Begin(ctx context.Context) (StoreTx, error)
}

// Journal records finished runs. Optional.
type Journal interface {
	RecordRun(ctx context.Context, report *RunReport) error
}

// Provisioner performs the filesystem, process, database and routing work
// for a deployment. Teardown methods must succeed when the resource is
// already gone.
type Provisioner interface {
	Clone(ctx context.Context, cloneURL, branch, label string) error
	SyncToRevision(ctx context.Context, label, branch string) error
	ProvisionCredential(ctx context.Context, label string) (string, error)
	// RuntimeConstraint reads the runtime version constraint declared by the
	// working copy of label.
	RuntimeConstraint(ctx context.Context, label string) (string, error)
	// AvailableRuntimes lists installed runtime versions, newest first.
	AvailableRuntimes(ctx context.Context) ([]string, error)
	RunBuildSequence(ctx context.Context, label, version string) error
	WriteRouting(ctx context.Context, label, version string) error
	RemoveRouting(ctx context.Context, label string) error
	ReleaseCredential(ctx context.Context, label string) error
	RemoveWorkingCopy(ctx context.Context, label string) error
	ReloadEdgeRouter(ctx context.Context) error
}

// Recorder receives run and transition observations. *telemetry.Metrics
// implements it.
type Recorder interface {
	RunStarted()
	RunFinished(report *RunReport)
	Transition(action Action, err error)
	ReloadFailed()
}

type nopRecorder struct{}

func (nopRecorder) RunStarted()              {}
func (nopRecorder) RunFinished(*RunReport)   {}
func (nopRecorder) Transition(Action, error) {}
func (nopRecorder) ReloadFailed()            {}
