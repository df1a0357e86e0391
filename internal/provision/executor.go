package provision

import (
	"context"
	"fmt"

	"previewbox/pkg/cmdutil"
)

// gitEnv keeps git from waiting on a credential prompt.
var gitEnv = []string{"GIT_TERMINAL_PROMPT=0"}

// runCommand executes parts in dir and logs its output at debug level with
// secrets redacted.
func (p *Provisioner) runCommand(ctx context.Context, dir string, env []string, parts []string, secrets ...string) (*cmdutil.Result, error) {
	command := string(cmdutil.SanitizeOutput([]byte(cmdutil.FormatCommand(parts)), secrets))
	logger := p.logger.With("command", command)
	logger.Debug("Running command", "dir", dir)

	result, err := p.run(ctx, cmdutil.ExecOptions{
		Dir:     dir,
		Env:     env,
		Secrets: secrets,
	}, parts)
	if result != nil && len(result.Output) > 0 {
		logger.Debug("Command output", "output", string(result.Output))
	}
	if err != nil {
		return result, err
	}
	logger.Debug("Command finished", "duration", result.Duration)
	return result, nil
}

// runCommandString parses a configured command line and runs it.
func (p *Provisioner) runCommandString(ctx context.Context, dir, command string) (*cmdutil.Result, error) {
	parts, err := cmdutil.ParseCommandString(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command %q: %w", command, err)
	}
	return p.runCommand(ctx, dir, nil, parts)
}
