package provision

import (
	"context"
	"fmt"
	"path/filepath"

	"previewbox/internal/security"
	"previewbox/pkg/cmdutil"
	"previewbox/pkg/fileutil"
	"previewbox/pkg/templates"
)

// RunBuildSequence prepares the working copy of label for runtime version:
// configured files are copied, env files written, then the build commands
// run in order. The first failing command stops the sequence.
func (p *Provisioner) RunBuildSequence(ctx context.Context, label, version string) error {
	if err := security.ValidateLabel(label); err != nil {
		return err
	}
	dir := p.WorkDir(label)
	if !fileutil.DirExists(dir) {
		return fmt.Errorf("working copy %s does not exist", dir)
	}
	data := p.placeholders(label, version)
	logger := p.logger.With("label", label, "version", version)

	for _, cf := range p.cfg.CopyFiles {
		src, err := localPath(dir, cf.From)
		if err != nil {
			return err
		}
		if !fileutil.FileExists(src) {
			continue
		}
		dst, err := localPath(dir, cf.To)
		if err != nil {
			return err
		}
		logger.Info("Copying file", "from", cf.From, "to", cf.To)
		if err := fileutil.CopyFile(src, dst); err != nil {
			return err
		}
	}

	for _, ef := range p.cfg.EnvFiles {
		path, err := localPath(dir, ef.Path)
		if err != nil {
			return err
		}
		logger.Info("Writing env file", "path", ef.Path)
		if err := security.WriteSecureFile(path, []byte(templates.Expand(ef.Content, data)), security.PermSecretFile); err != nil {
			return fmt.Errorf("writing %s: %w", ef.Path, err)
		}
	}

	password := p.storedPassword(label)
	for i, command := range p.cfg.Commands {
		parts, err := cmdutil.ParseCommandString(command)
		if err != nil {
			return fmt.Errorf("build command %d: %w", i+1, err)
		}
		for j := range parts {
			parts[j] = templates.Expand(parts[j], data)
		}
		if err := p.policy.Validate(parts); err != nil {
			return fmt.Errorf("build command %d: %w", i+1, err)
		}

		logger.Info("Running build command", "step", i+1, "command", cmdutil.FormatCommand(parts))
		if _, err := p.runCommand(ctx, dir, nil, parts, password); err != nil {
			return fmt.Errorf("build command %d: %w", i+1, err)
		}
	}
	return nil
}

// localPath joins a configured relative path to dir, refusing paths that
// would leave it.
func localPath(dir, rel string) (string, error) {
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("path %q must be relative to the working copy", rel)
	}
	return filepath.Join(dir, rel), nil
}
