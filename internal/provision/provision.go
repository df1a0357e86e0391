// Package provision performs the host side of a preview deployment: the git
// working copy, the per-deployment MySQL database and user, the build
// commands and the nginx site.
package provision

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"

	"previewbox/internal/reconcile"
	"previewbox/internal/security"
	"previewbox/pkg/cmdutil"
	"previewbox/pkg/templates"
)

// CopyFile copies a file inside the working copy when its source exists,
// e.g. config/packages/parameters.yml.dist to config/packages/parameters.yml.
type CopyFile struct {
	From string `yaml:"from" validate:"required"`
	To   string `yaml:"to" validate:"required"`
}

// EnvFile is an extra file written into the working copy. Content may use the
// {{label}}, {{version}}, {{run_as}} and {{dir}} placeholders.
type EnvFile struct {
	Path    string `yaml:"path" validate:"required"`
	Content string `yaml:"content"`
}

// Config holds the host layout and commands used for deployments.
type Config struct {
	// WebRoot contains one working copy per deployment, named by label.
	WebRoot        string
	SitesAvailable string
	SitesEnabled   string
	// NginxTemplate is a site template file. Empty uses the built-in one.
	NginxTemplate string
	// Domain is the parent domain, deployments are served at <label>.<Domain>.
	Domain string

	// DatabaseHost is the host deployment users connect from and the host
	// written into DATABASE_URL.
	DatabaseHost      string
	DatabaseURLScheme string
	PasswordLength    int

	// CloneHosts lists the hosts clone URLs may point at.
	CloneHosts []string

	RunAs          string
	RuntimeBinary  string
	ConstraintFile string
	// AlternativesCommand lists installed runtime binaries, one path per line.
	AlternativesCommand string

	CopyFiles       []CopyFile
	EnvFiles        []EnvFile
	Commands        []string
	AllowedCommands []string

	// TestCommand checks the edge router configuration before reloading.
	// Optional.
	TestCommand   string
	ReloadCommand string
}

func (c *Config) applyDefaults() {
	if c.DatabaseHost == "" {
		c.DatabaseHost = "localhost"
	}
	if c.DatabaseURLScheme == "" {
		c.DatabaseURLScheme = "mysql"
	}
	if c.PasswordLength == 0 {
		c.PasswordLength = security.DefaultPasswordLength
	}
	if len(c.CloneHosts) == 0 {
		c.CloneHosts = []string{"github.com"}
	}
	if c.RunAs == "" {
		c.RunAs = "www-data"
	}
	if c.RuntimeBinary == "" {
		c.RuntimeBinary = "php"
	}
	if c.ConstraintFile == "" {
		c.ConstraintFile = "composer.json"
	}
	if c.AlternativesCommand == "" {
		c.AlternativesCommand = "update-alternatives --list " + c.RuntimeBinary
	}
}

// Execer runs statements against the database server. *sql.DB implements it.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type runFunc func(ctx context.Context, opts cmdutil.ExecOptions, parts []string) (*cmdutil.Result, error)

var _ reconcile.Provisioner = (*Provisioner)(nil)

// Provisioner implements reconcile.Provisioner on a single host.
type Provisioner struct {
	cfg      Config
	db       Execer
	policy   *security.CommandPolicy
	template string
	logger   *slog.Logger

	run runFunc
}

// New creates a Provisioner. db is the administrative connection used to
// create and drop deployment databases and users.
func New(cfg Config, db Execer, logger *slog.Logger) (*Provisioner, error) {
	cfg.applyDefaults()
	if cfg.WebRoot == "" || cfg.SitesAvailable == "" || cfg.SitesEnabled == "" {
		return nil, fmt.Errorf("web root, sites-available and sites-enabled directories are required")
	}
	if cfg.Domain == "" {
		return nil, fmt.Errorf("domain is required")
	}
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	tmpl, err := templates.Load(templates.NginxSite, cfg.NginxTemplate)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Provisioner{
		cfg:      cfg,
		db:       db,
		policy:   security.NewCommandPolicy(cfg.AllowedCommands...),
		template: tmpl,
		logger:   logger.With("component", "provision"),
		run:      cmdutil.Run,
	}, nil
}

// WorkDir returns the working copy directory of label.
func (p *Provisioner) WorkDir(label string) string {
	return filepath.Join(p.cfg.WebRoot, label)
}

// placeholders returns the values available to build commands and env files.
func (p *Provisioner) placeholders(label, version string) templates.TemplateData {
	return templates.TemplateData{
		"label":   label,
		"version": version,
		"run_as":  p.cfg.RunAs,
		"dir":     p.WorkDir(label),
		"domain":  p.cfg.Domain,
	}
}
