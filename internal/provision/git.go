package provision

import (
	"context"
	"fmt"
	"os"

	"previewbox/internal/security"
	"previewbox/pkg/fileutil"
)

// Clone creates a fresh single-branch working copy of branch for label.
// Anything left in the directory by an earlier attempt is removed first.
func (p *Provisioner) Clone(ctx context.Context, cloneURL, branch, label string) error {
	if err := security.ValidateLabel(label); err != nil {
		return err
	}
	if err := security.ValidateBranchName(branch); err != nil {
		return err
	}
	if err := security.ValidateCloneURL(cloneURL, p.cfg.CloneHosts...); err != nil {
		return err
	}

	if err := security.CreateSecureDir(p.cfg.WebRoot, security.PermDirectory); err != nil {
		return err
	}
	dir := p.WorkDir(label)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing leftover working copy %s: %w", dir, err)
	}

	p.logger.Info("Cloning repository", "label", label, "branch", branch)
	_, err := p.runCommand(ctx, p.cfg.WebRoot, gitEnv,
		[]string{"git", "clone", cloneURL, "--branch", branch, "--single-branch", label})
	if err != nil {
		return fmt.Errorf("cloning %s branch %s: %w", cloneURL, branch, err)
	}
	return nil
}

// SyncToRevision fetches origin and hard-resets the working copy of label to
// the head of branch.
func (p *Provisioner) SyncToRevision(ctx context.Context, label, branch string) error {
	if err := security.ValidateLabel(label); err != nil {
		return err
	}
	if err := security.ValidateBranchName(branch); err != nil {
		return err
	}
	dir := p.WorkDir(label)
	if !fileutil.DirExists(dir) {
		return fmt.Errorf("working copy %s does not exist", dir)
	}

	p.logger.Info("Syncing working copy", "label", label, "branch", branch)
	if _, err := p.runCommand(ctx, dir, gitEnv, []string{"git", "fetch", "origin"}); err != nil {
		return fmt.Errorf("git fetch: %w", err)
	}
	if _, err := p.runCommand(ctx, dir, gitEnv, []string{"git", "reset", "--hard", "origin/" + branch}); err != nil {
		return fmt.Errorf("git reset: %w", err)
	}
	return nil
}

// RemoveWorkingCopy deletes the working copy of label. A missing directory is
// not an error.
func (p *Provisioner) RemoveWorkingCopy(_ context.Context, label string) error {
	if err := security.ValidateLabel(label); err != nil {
		return err
	}
	dir := p.WorkDir(label)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing working copy %s: %w", dir, err)
	}
	return nil
}
