package reconcile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"previewbox/internal/versions"
)

// ErrResourceConflict is wrapped by provisioners when a resource they were
// asked to create already exists (e.g. a database user).
var ErrResourceConflict = errors.New("resource already exists")

// ErrorClass groups unit failures by how the next pass should treat them.
type ErrorClass string

const (
	// TransientIOFailure covers network and process errors. The next pass
	// retries according to the fail count.
	TransientIOFailure ErrorClass = "transient_io"
	// UnresolvableVersion means the runtime constraint could not be parsed or
	// satisfied. Terminal for the attempt.
	UnresolvableVersion ErrorClass = "unresolvable_version"
	// ResourceConflict means an isolated resource already existed.
	ResourceConflict ErrorClass = "resource_conflict"
)

// Classify maps an error to its ErrorClass.
func Classify(err error) ErrorClass {
	switch {
	case errors.Is(err, versions.ErrUnparsableConstraint), errors.Is(err, versions.ErrUnavailableVersion):
		return UnresolvableVersion
	case errors.Is(err, ErrResourceConflict):
		return ResourceConflict
	default:
		return TransientIOFailure
	}
}

// UnitError is a failure confined to one unit's transition.
type UnitError struct {
	Label  string
	Action Action
	Step   string
	Class  ErrorClass
	Err    error
}

func newUnitError(label string, action Action, step string, err error) *UnitError {
	return &UnitError{
		Label:  label,
		Action: action,
		Step:   step,
		Class:  Classify(err),
		Err:    err,
	}
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("%s %s: %s failed (%s): %v", e.Action, e.Label, e.Step, e.Class, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

// TeardownError collects the independently failed steps of a Delete.
type TeardownError struct {
	Label string
	Steps []string
	Errs  *multierror.Error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown of %s incomplete (%s): %v",
		e.Label, strings.Join(e.Steps, ", "), e.Errs.ErrorOrNil())
}

func (e *TeardownError) Unwrap() error {
	return e.Errs.ErrorOrNil()
}

// Failed reports whether the named step failed.
func (e *TeardownError) Failed(step string) bool {
	for _, s := range e.Steps {
		if s == step {
			return true
		}
	}
	return false
}

func (e *TeardownError) add(step string, err error) {
	e.Steps = append(e.Steps, step)
	e.Errs = multierror.Append(e.Errs, fmt.Errorf("%s: %w", step, err))
}

func (e *TeardownError) errOrNil() error {
	if len(e.Steps) == 0 {
		return nil
	}
	return e
}
