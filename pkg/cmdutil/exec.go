package cmdutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

// Redacted replaces secrets in sanitized output.
const Redacted = "***REDACTED***"

// ExecOptions configures command execution.
type ExecOptions struct {
	// Dir is the working directory for the command.
	Dir string

	// Timeout is the maximum execution time.
	// If zero, only ctx bounds the command.
	Timeout time.Duration

	// Env contains extra environment variables ("KEY=value") appended to the
	// current process environment.
	Env []string

	// Secrets are replaced with Redacted in Result.Output and in the error.
	Secrets []string
}

// Result contains the result of a command execution.
type Result struct {
	// Output is the combined stdout and stderr, with secrets redacted.
	Output []byte

	// ExitCode is the exit code of the command, or -1 if it did not exit.
	ExitCode int

	// Duration is how long the command took to execute.
	Duration time.Duration
}

// ExitError is returned when a command ran but did not succeed.
type ExitError struct {
	Command  string
	ExitCode int
	// Tail holds the last lines of the (redacted) output.
	Tail string
	Err  error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exit code %d", e.Command, e.ExitCode)
	if e.Err != nil && e.ExitCode < 0 {
		msg = fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	if e.Tail != "" {
		msg += ": " + e.Tail
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Run executes cmdParts (command and arguments, no shell) and returns its
// combined output. The returned Result is never nil.
func Run(ctx context.Context, opts ExecOptions, cmdParts []string) (*Result, error) {
	result := &Result{ExitCode: -1}
	if len(cmdParts) == 0 {
		return result, fmt.Errorf("empty command")
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, cmdParts[0], cmdParts[1:]...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	start := time.Now()
	output, err := cmd.CombinedOutput()
	result.Duration = time.Since(start)
	result.Output = SanitizeOutput(output, opts.Secrets)
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		return result, &ExitError{
			Command:  string(SanitizeOutput([]byte(FormatCommand(cmdParts)), opts.Secrets)),
			ExitCode: result.ExitCode,
			Tail:     Tail(result.Output, 5),
			Err:      err,
		}
	}
	return result, nil
}

// IsExitError reports whether err is a command that ran and failed, as
// opposed to one that could not be started.
func IsExitError(err error) bool {
	var ee *ExitError
	return errors.As(err, &ee) && ee.ExitCode > 0
}

// ParseCommandString parses a shell-quoted command string into parts.
//
// Example:
//
//	"git commit -m \"my message\"" -> ["git", "commit", "-m", "my message"]
func ParseCommandString(cmdStr string) ([]string, error) {
	parts, err := shellquote.Split(cmdStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command string: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command string")
	}
	return parts, nil
}

// FormatCommand formats command parts into a readable string for logging.
// Example: ["git", "commit", "-m", "my message"] -> "git commit -m 'my message'"
func FormatCommand(cmdParts []string) string {
	if len(cmdParts) == 0 {
		return "<empty command>"
	}

	quoted := make([]string, len(cmdParts))
	for i, part := range cmdParts {
		if part == "" || strings.ContainsAny(part, " \t\n\"'") {
			quoted[i] = shellquote.Join(part)
		} else {
			quoted[i] = part
		}
	}
	return strings.Join(quoted, " ")
}

// SanitizeOutput removes sensitive information from command output.
func SanitizeOutput(output []byte, secrets []string) []byte {
	sanitized := string(output)
	for _, secret := range secrets {
		if secret != "" {
			sanitized = strings.ReplaceAll(sanitized, secret, Redacted)
		}
	}
	return []byte(sanitized)
}

// Tail returns the last n non-empty lines of output joined by " | ".
func Tail(output []byte, n int) string {
	lines := strings.Split(strings.TrimRight(string(output), "\n"), "\n")
	var kept []string
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			kept = append([]string{l}, kept...)
		}
	}
	return strings.Join(kept, " | ")
}
