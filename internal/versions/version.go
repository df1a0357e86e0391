// Package versions resolves runtime version constraints (as found in a
// project's dependency manifest) against the runtimes installed on the host.
//
// Only major.minor granularity is modeled. Patch components in constraints
// are ignored.
package versions

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Version is a major.minor pair.
type Version struct {
	Major int
	Minor int
}

// Parse parses a "major.minor" string.
func Parse(s string) (Version, error) {
	major, minor, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok {
		return Version{}, fmt.Errorf("invalid version %q: expected major.minor", s)
	}
	maj, err := strconv.Atoi(major)
	if err != nil || maj < 0 {
		return Version{}, fmt.Errorf("invalid major version in %q", s)
	}
	min, err := strconv.Atoi(minor)
	if err != nil || min < 0 {
		return Version{}, fmt.Errorf("invalid minor version in %q", s)
	}
	return Version{Major: maj, Minor: min}, nil
}

// Compare returns -1, 0 or 1 comparing v to o on (major, minor).
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		if v.Major < o.Major {
			return -1
		}
		return 1
	case v.Minor < o.Minor:
		return -1
	case v.Minor > o.Minor:
		return 1
	}
	return 0
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// SortDescending sorts version strings newest first. Strings that do not
// parse are dropped.
func SortDescending(in []string) []string {
	parsed := make([]Version, 0, len(in))
	for _, s := range in {
		v, err := Parse(s)
		if err != nil {
			continue
		}
		parsed = append(parsed, v)
	}

	sort.Slice(parsed, func(i, j int) bool {
		return parsed[i].Compare(parsed[j]) > 0
	})

	out := make([]string, 0, len(parsed))
	for i, v := range parsed {
		if i > 0 && v == parsed[i-1] {
			continue
		}
		out = append(out, v.String())
	}
	return out
}

// ParseAlternatives extracts installed versions from the output of
// `update-alternatives --list <binary>`, e.g. "/usr/bin/php8.1".
// The result is sorted newest first.
func ParseAlternatives(output, binary string) []string {
	re := regexp.MustCompile(`/` + regexp.QuoteMeta(binary) + `(\d+\.\d+)$`)

	var found []string
	for _, line := range strings.Split(output, "\n") {
		m := re.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		found = append(found, m[1])
	}
	return SortDescending(found)
}
