package provision

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/hashicorp/go-multierror"

	"previewbox/internal/security"
	"previewbox/pkg/fileutil"
	"previewbox/pkg/templates"
)

// WriteRouting writes the nginx site for label, served by runtime version,
// and enables it.
func (p *Provisioner) WriteRouting(_ context.Context, label, version string) error {
	if err := security.ValidateLabel(label); err != nil {
		return err
	}

	site, err := templates.Render(p.template, templates.TemplateData{
		"label":   label,
		"domain":  p.cfg.Domain,
		"root":    p.WorkDir(label),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("rendering site for %s: %w", label, err)
	}

	available := filepath.Join(p.cfg.SitesAvailable, label)
	p.logger.Info("Writing site", "label", label, "version", version, "path", available)
	if err := security.WriteSecureFile(available, []byte(site), security.PermPublicFile); err != nil {
		return err
	}
	if err := fileutil.EnsureSymlink(filepath.Join(p.cfg.SitesEnabled, label), available); err != nil {
		return fmt.Errorf("enabling site %s: %w", label, err)
	}
	return nil
}

// RemoveRouting disables and deletes the nginx site of label.
func (p *Provisioner) RemoveRouting(_ context.Context, label string) error {
	if err := security.ValidateLabel(label); err != nil {
		return err
	}

	var result *multierror.Error
	for _, path := range []string{
		filepath.Join(p.cfg.SitesEnabled, label),
		filepath.Join(p.cfg.SitesAvailable, label),
	} {
		if err := fileutil.RemoveIfExists(path); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// ReloadEdgeRouter checks the configuration, if a test command is set, and
// reloads nginx.
func (p *Provisioner) ReloadEdgeRouter(ctx context.Context) error {
	if p.cfg.TestCommand != "" {
		if _, err := p.runCommandString(ctx, "", p.cfg.TestCommand); err != nil {
			return fmt.Errorf("edge router configuration test failed: %w", err)
		}
	}
	if p.cfg.ReloadCommand == "" {
		p.logger.Debug("No reload command configured")
		return nil
	}
	p.logger.Info("Reloading edge router")
	if _, err := p.runCommandString(ctx, "", p.cfg.ReloadCommand); err != nil {
		return fmt.Errorf("reloading edge router: %w", err)
	}
	return nil
}
