package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"previewbox/internal/versions"
)

// RuntimeConstraint reads the runtime requirement, e.g. require.php in
// composer.json, from the working copy of label.
func (p *Provisioner) RuntimeConstraint(_ context.Context, label string) (string, error) {
	path := filepath.Join(p.WorkDir(label), p.cfg.ConstraintFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", p.cfg.ConstraintFile, err)
	}

	var manifest struct {
		Require map[string]string `json:"require"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return "", fmt.Errorf("parsing %s: %w", p.cfg.ConstraintFile, err)
	}

	constraint, ok := manifest.Require[p.cfg.RuntimeBinary]
	if !ok || constraint == "" {
		return "", fmt.Errorf("%s has no %s requirement: %w", p.cfg.ConstraintFile, p.cfg.RuntimeBinary, versions.ErrUnparsableConstraint)
	}
	return constraint, nil
}

// AvailableRuntimes lists the installed runtime versions, newest first.
func (p *Provisioner) AvailableRuntimes(ctx context.Context) ([]string, error) {
	result, err := p.runCommandString(ctx, "", p.cfg.AlternativesCommand)
	if err != nil {
		return nil, fmt.Errorf("listing %s runtimes: %w", p.cfg.RuntimeBinary, err)
	}
	available := versions.ParseAlternatives(string(result.Output), p.cfg.RuntimeBinary)
	p.logger.Debug("Available runtimes", "binary", p.cfg.RuntimeBinary, "versions", available)
	return available, nil
}
