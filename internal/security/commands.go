package security

import (
	"fmt"
	"slices"
	"strings"
)

// DefaultAllowedCommands is the default set of binaries a build sequence may
// run. An entry ending in '*' allows every binary with that prefix, so "php*"
// covers versioned binaries such as php8.2.
var DefaultAllowedCommands = []string{
	"sudo",
	"chown",
	"chmod",
	"cp",
	"git",
	"composer",
	"npm",
	"npx",
	"yarn",
	"php*",
	"grunt",
	"make",
}

// CommandPolicy decides which commands may be executed. Commands are always
// run without a shell, the policy only narrows what can be run.
type CommandPolicy struct {
	// Allowed lists permitted binaries by base name. Entries ending in '*'
	// match by prefix.
	Allowed []string

	// AllowShellMetachars allows shell metacharacters in arguments (DANGEROUS!).
	// This should almost always be false.
	AllowShellMetachars bool
}

// NewCommandPolicy returns a policy allowing the given binaries, or
// DefaultAllowedCommands when none are given.
func NewCommandPolicy(allowed ...string) *CommandPolicy {
	if len(allowed) == 0 {
		allowed = slices.Clone(DefaultAllowedCommands)
	}
	return &CommandPolicy{Allowed: allowed}
}

// IsAllowed checks if a binary is permitted by the policy.
func (p *CommandPolicy) IsAllowed(binary string) bool {
	if binary == "" || strings.ContainsRune(binary, '/') {
		return false
	}
	for _, a := range p.Allowed {
		if prefix, ok := strings.CutSuffix(a, "*"); ok {
			if strings.HasPrefix(binary, prefix) {
				return true
			}
			continue
		}
		if a == binary {
			return true
		}
	}
	return false
}

// Validate checks a command before execution. Under sudo the command being
// elevated is checked too.
func (p *CommandPolicy) Validate(parts []string) error {
	if len(parts) == 0 {
		return fmt.Errorf("empty command")
	}
	if !p.IsAllowed(parts[0]) {
		return fmt.Errorf("command not allowed: %s (must be one of: %s)", parts[0], strings.Join(p.Allowed, ", "))
	}

	if !p.AllowShellMetachars {
		for i, arg := range parts[1:] {
			if containsShellMetachars(arg) {
				return fmt.Errorf("argument %d contains shell metacharacters: %s", i+1, arg)
			}
		}
	}

	if parts[0] == "sudo" {
		inner := sudoTarget(parts[1:])
		if inner == nil {
			return fmt.Errorf("sudo without a command")
		}
		if inner[0] == "sudo" {
			return fmt.Errorf("nested sudo not allowed")
		}
		return p.Validate(inner)
	}
	return nil
}

// sudoTarget skips sudo options and returns the command being elevated.
func sudoTarget(args []string) []string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--":
			if i+1 < len(args) {
				return args[i+1:]
			}
			return nil
		case a == "-u" || a == "-g":
			i++
		case strings.HasPrefix(a, "-"):
		default:
			return args[i:]
		}
	}
	return nil
}

// containsShellMetachars checks if a string contains shell metacharacters.
// These characters can be used for command injection attacks.
func containsShellMetachars(s string) bool {
	return strings.ContainsAny(s, ";|&$`\n><(){}*?[]\\'\"")
}
