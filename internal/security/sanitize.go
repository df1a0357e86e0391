package security

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// MaxLabelLength keeps labels usable as MySQL user names (32 characters).
const MaxLabelLength = 32

var (
	// Safe patterns for validation
	repoPathPattern = regexp.MustCompile(`^/[a-zA-Z0-9_.-]+/[a-zA-Z0-9_.-]+$`)
	branchPattern   = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)
	labelPattern    = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
)

// ValidateCloneURL ensures a clone URL is safe to hand to git clone: HTTPS,
// a host from allowedHosts (github.com when none are given) and an
// owner/repo path.
func ValidateCloneURL(rawURL string, allowedHosts ...string) error {
	if len(allowedHosts) == 0 {
		allowedHosts = []string{"github.com"}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("only HTTPS clone URLs allowed, got %q", u.Scheme)
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("clone URL must not contain credentials, query or fragment")
	}

	hostAllowed := false
	for _, h := range allowedHosts {
		if strings.EqualFold(u.Host, h) {
			hostAllowed = true
			break
		}
	}
	if !hostAllowed {
		return fmt.Errorf("clone URL host %q is not allowed", u.Host)
	}

	if strings.Contains(u.Path, "..") || !repoPathPattern.MatchString(u.Path) {
		return fmt.Errorf("clone URL path %q is not owner/repo", u.Path)
	}
	return nil
}

// ValidateBranchName ensures branch name is safe for git operations.
// Prevents command injection through branch names.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("branch name cannot start with '-'")
	}
	if strings.Contains(branch, "..") {
		return fmt.Errorf("branch name cannot contain '..'")
	}
	if !branchPattern.MatchString(branch) {
		return fmt.Errorf("branch name contains invalid characters")
	}
	return nil
}

// ValidateLabel ensures a deployment label is safe for use as a directory
// name, an nginx site name, a host name component and a MySQL database and
// user name.
func ValidateLabel(label string) error {
	if label == "" {
		return fmt.Errorf("label cannot be empty")
	}
	if len(label) > MaxLabelLength {
		return fmt.Errorf("label %q is longer than %d characters", label, MaxLabelLength)
	}
	if !labelPattern.MatchString(label) {
		return fmt.Errorf("label %q contains invalid characters (only a-z, A-Z, 0-9, _ allowed)", label)
	}
	return nil
}
