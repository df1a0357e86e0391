package reconcile

// Action is the lifecycle transition chosen for one unit.
type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionSkip    Action = "skip"
	ActionDelete  Action = "delete"
	ActionRequeue Action = "requeue"
)

// Reason explains why Decide chose an action. It is reported, never acted on.
type Reason string

const (
	ReasonNew         Reason = "new"
	ReasonIgnored     Reason = "ignored"
	ReasonUpToDate    Reason = "up-to-date"
	ReasonRetry       Reason = "retry"
	ReasonQuarantined Reason = "quarantined"
	ReasonNewRevision Reason = "new-revision"
	ReasonClosed      Reason = "closed"
	// ReasonLabelTaken is reported, not decided: the unit's label belongs to
	// a deployment of another kind.
	ReasonLabelTaken Reason = "label-taken"
)

// Decision is the result of Decide.
type Decision struct {
	Action Action
	Reason Reason
}

// Decide maps the persisted record for a label (nil if none) and the desired
// unit to a transition. It performs no I/O.
//
//	existing  ignored  revision  failCount  action
//	absent    false    -         -          create
//	absent    true     -         -          skip
//	present   true     -         -          delete
//	present   false    same      0          skip
//	present   false    same      1..2       create (retry)
//	present   false    same      >=3        skip (quarantined)
//	present   false    different any        update
func Decide(existing *DeploymentRecord, desired DesiredUnit) Decision {
	if existing == nil {
		if desired.Ignored {
			return Decision{ActionSkip, ReasonIgnored}
		}
		return Decision{ActionCreate, ReasonNew}
	}

	if desired.Ignored {
		return Decision{ActionDelete, ReasonIgnored}
	}

	if existing.SourceRevision != desired.SourceRevision {
		return Decision{ActionUpdate, ReasonNewRevision}
	}

	switch {
	case existing.FailCount == 0:
		return Decision{ActionSkip, ReasonUpToDate}
	case existing.Quarantined():
		return Decision{ActionSkip, ReasonQuarantined}
	default:
		return Decision{ActionCreate, ReasonRetry}
	}
}

// escalatedFailCount is the fail count an attempt at desired leaves behind
// when it fails. Failures only accumulate for the same revision.
func escalatedFailCount(existing *DeploymentRecord, desired DesiredUnit) int {
	if existing == nil || existing.SourceRevision != desired.SourceRevision {
		return 1
	}
	return existing.FailCount + 1
}
