package versions

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrUnparsableConstraint is returned when no rule matches the constraint.
	ErrUnparsableConstraint = errors.New("unparsable version constraint")

	// ErrUnavailableVersion is returned when a rule matched but no installed
	// version satisfies it.
	ErrUnavailableVersion = errors.New("no available version satisfies constraint")
)

// rule is one entry of the resolution table. The pattern must capture major
// and minor as its first two groups.
type rule struct {
	name    string
	pattern *regexp.Regexp
	accept  func(candidate, bound Version) bool
	// optional rules yield to the next rule instead of failing when no
	// candidate is accepted.
	optional bool
}

// rules is evaluated top to bottom; the first rule whose pattern matches
// decides the outcome. Adding an operator is a matter of adding an entry.
var rules = []rule{
	{
		// A literal anywhere in the string (^7.4, 7.4.*, ~7.4) as long as no
		// comparison operator precedes it.
		name:     "literal",
		pattern:  regexp.MustCompile(`^[^<>]*?(\d+)\.(\d+)`),
		accept:   func(c, b Version) bool { return c.Compare(b) == 0 },
		optional: true,
	},
	{
		name:    "exact",
		pattern: regexp.MustCompile(`^(\d+)\.(\d+)`),
		accept:  func(c, b Version) bool { return c.Compare(b) == 0 },
	},
	{
		name:    "at-least",
		pattern: regexp.MustCompile(`^>=?\s*(\d+)\.(\d+)`),
		accept:  func(c, b Version) bool { return c.Compare(b) >= 0 },
	},
	{
		name:    "below",
		pattern: regexp.MustCompile(`^<\s*(\d+)\.(\d+)`),
		accept:  func(c, b Version) bool { return c.Compare(b) < 0 },
	},
	{
		name:    "at-most",
		pattern: regexp.MustCompile(`^<=\s*(\d+)\.(\d+)`),
		accept:  func(c, b Version) bool { return c.Compare(b) <= 0 },
	},
	{
		name:    "tilde",
		pattern: regexp.MustCompile(`^~\s*(\d+)\.(\d+)`),
		accept:  func(c, b Version) bool { return c.Major == b.Major && c.Minor >= b.Minor },
	},
}

// Resolve picks one version from available for the given constraint.
//
// available must already be sorted newest first (see SortDescending); the
// first accepted entry wins, so range rules return the newest match. Entries
// that are not major.minor strings are ignored.
func Resolve(constraint string, available []string) (string, error) {
	constraint = strings.TrimSpace(constraint)

	for _, r := range rules {
		m := r.pattern.FindStringSubmatch(constraint)
		if m == nil {
			continue
		}

		bound, err := Parse(m[1] + "." + m[2])
		if err != nil {
			return "", fmt.Errorf("%w: %q: %v", ErrUnparsableConstraint, constraint, err)
		}

		for _, candidate := range available {
			v, err := Parse(candidate)
			if err != nil {
				continue
			}
			if r.accept(v, bound) {
				return candidate, nil
			}
		}

		if r.optional {
			continue
		}
		return "", fmt.Errorf("%w: %q (rule %s, installed: %s)",
			ErrUnavailableVersion, constraint, r.name, strings.Join(available, ", "))
	}

	return "", fmt.Errorf("%w: %q", ErrUnparsableConstraint, constraint)
}
