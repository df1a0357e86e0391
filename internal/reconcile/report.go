package reconcile

import "time"

// UnitOutcome is what happened to one unit during a run.
type UnitOutcome struct {
	Label  string
	Kind   Kind
	Action Action
	Reason Reason
	// Err is the failure of the transition itself, if any.
	Err error
	// TeardownErr is set when the teardown that followed a failure was itself
	// incomplete.
	TeardownErr error
	Duration    time.Duration
}

// Failed reports whether the transition failed.
func (o UnitOutcome) Failed() bool {
	return o.Err != nil
}

// RunReport summarizes one reconciliation run.
type RunReport struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []UnitOutcome
	// ReloadErr is set when the edge router reload at the end failed. It does
	// not fail the run.
	ReloadErr error
	// Err is set when the run was aborted.
	Err error
}

// Run statuses.
const (
	RunSucceeded = "success"
	RunPartial   = "partial"
	RunAborted   = "aborted"
)

// Status classifies a finished run: aborted, partial when any unit failed,
// otherwise success.
func (r *RunReport) Status() string {
	switch {
	case r.Err != nil:
		return RunAborted
	case len(r.Failed()) > 0:
		return RunPartial
	default:
		return RunSucceeded
	}
}

func (r *RunReport) add(o UnitOutcome) {
	r.Outcomes = append(r.Outcomes, o)
}

// Failed returns the outcomes whose transition failed.
func (r *RunReport) Failed() []UnitOutcome {
	var failed []UnitOutcome
	for _, o := range r.Outcomes {
		if o.Failed() {
			failed = append(failed, o)
		}
	}
	return failed
}

// Count returns how many outcomes had the given action.
func (r *RunReport) Count(action Action) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Action == action {
			n++
		}
	}
	return n
}

// Outcome returns the first outcome for label, or false.
func (r *RunReport) Outcome(label string) (UnitOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.Label == label {
			return o, true
		}
	}
	return UnitOutcome{}, false
}
