// Package config loads the previewbox YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-sql-driver/mysql"
	"gopkg.in/yaml.v3"

	"previewbox/internal/provision"
	"previewbox/internal/reconcile"
	"previewbox/internal/security"
	"previewbox/internal/source"
	"previewbox/pkg/cmdutil"
	"previewbox/pkg/fileutil"
	"previewbox/pkg/templates"
)

// FileName is the config file looked up in the default search paths.
const FileName = "previewbox.yaml"

// Environment overrides.
const (
	EnvConfigFile    = "PREVIEWBOX_CONFIG_FILE"
	EnvGitHubToken   = "PREVIEWBOX_GITHUB_TOKEN"
	EnvDatabaseDSN   = "PREVIEWBOX_DATABASE_DSN"
	EnvWebhookSecret = "PREVIEWBOX_WEBHOOK_SECRET"
)

const (
	DefaultStorePath         = "/var/lib/previewbox/previewbox.db"
	DefaultKeepRuns          = 500
	DefaultListen            = "127.0.0.1:8080"
	DefaultInterval          = 5 * time.Minute
	DefaultWebhookRate       = 12 // requests per minute
	DefaultReloadCommand     = "systemctl reload nginx"
	DefaultTestCommand       = "nginx -t"
	DefaultSitesAvailable    = "/etc/nginx/sites-available"
	DefaultSitesEnabled      = "/etc/nginx/sites-enabled"
	DefaultDatabaseHost      = "localhost"
	DefaultDatabaseURLScheme = "mysql"
	DefaultRuntimeBinary     = "php"
	DefaultConstraintFile    = "composer.json"
	DefaultRunAs             = "www-data"
)

// DefaultBuildCommands prepare a PHP application checkout.
var DefaultBuildCommands = []string{
	"chown -hR {{run_as}}:{{run_as}} .",
	"sudo -u {{run_as}} php{{version}} /usr/bin/composer install --no-interaction",
}

// Config is the complete previewbox configuration.
type Config struct {
	GitHub   GitHubConfig   `yaml:"github"`
	Ignore   IgnoreConfig   `yaml:"ignore"`
	Domain   string         `yaml:"domain" validate:"required,hostname"`
	Paths    PathsConfig    `yaml:"paths"`
	Database DatabaseConfig `yaml:"database"`
	Store    StoreConfig    `yaml:"store"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Build    BuildConfig    `yaml:"build"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Server   ServerConfig   `yaml:"server"`

	ReloadCommand string `yaml:"reload_command"`
	// TestCommand runs before ReloadCommand. Set to "-" to disable.
	TestCommand string `yaml:"test_command"`

	// Path is the file the configuration was loaded from.
	Path string `yaml:"-"`
}

// GitHubConfig selects the repository whose pull requests are deployed.
type GitHubConfig struct {
	Owner   string `yaml:"owner" validate:"required"`
	Repo    string `yaml:"repo" validate:"required"`
	Token   string `yaml:"token"`
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
	// CloneURL overrides the clone URL of tracked branches.
	CloneURL string `yaml:"clone_url" validate:"omitempty,url"`
	// CloneHosts lists the hosts pull request heads may be cloned from.
	CloneHosts []string `yaml:"clone_hosts" validate:"dive,hostname"`
}

// IgnoreConfig holds the exact-match ignore lists.
type IgnoreConfig struct {
	Revisions []string `yaml:"revisions" validate:"dive,hexadecimal,min=7,max=40"`
	LabelIDs  []int64  `yaml:"label_ids"`
}

// PathsConfig is the host layout.
type PathsConfig struct {
	WebRoot        string `yaml:"web_root" validate:"required"`
	SitesAvailable string `yaml:"sites_available"`
	SitesEnabled   string `yaml:"sites_enabled"`
	NginxTemplate  string `yaml:"nginx_template"`
}

// DatabaseConfig is the MySQL/MariaDB server deployment databases live on.
type DatabaseConfig struct {
	// DSN is an administrative go-sql-driver/mysql DSN,
	// e.g. "root:pw@unix(/run/mysqld/mysqld.sock)/".
	DSN            string `yaml:"dsn" validate:"required"`
	Host           string `yaml:"host"`
	URLScheme      string `yaml:"url_scheme"`
	PasswordLength int    `yaml:"password_length" validate:"omitempty,gte=24,lte=64"`
}

// StoreConfig is the local deployment record store.
type StoreConfig struct {
	Path     string `yaml:"path"`
	KeepRuns int    `yaml:"keep_runs" validate:"gte=0"`
}

// RuntimeConfig describes how runtime versions are discovered.
type RuntimeConfig struct {
	Binary              string `yaml:"binary" validate:"omitempty,alphanum"`
	ConstraintFile      string `yaml:"constraint_file"`
	AlternativesCommand string `yaml:"alternatives_command"`
}

// BuildConfig prepares a working copy after clone or sync.
type BuildConfig struct {
	RunAs           string               `yaml:"run_as"`
	CopyFiles       []provision.CopyFile `yaml:"copy_files" validate:"dive"`
	EnvFiles        []provision.EnvFile  `yaml:"env_files" validate:"dive"`
	Commands        []string             `yaml:"commands"`
	AllowedCommands []string             `yaml:"allowed_commands"`
}

// TimeoutsConfig bounds external calls.
type TimeoutsConfig struct {
	Source time.Duration `yaml:"source" validate:"gte=0"`
	Step   time.Duration `yaml:"step" validate:"gte=0"`
	Build  time.Duration `yaml:"build" validate:"gte=0"`
}

// ServerConfig configures `previewbox serve`.
type ServerConfig struct {
	Listen string `yaml:"listen" validate:"omitempty,hostname_port"`
	// Interval between scheduled runs.
	Interval      time.Duration `yaml:"interval" validate:"gte=0"`
	WebhookSecret string        `yaml:"webhook_secret"`
	// WebhookRate is the number of webhook requests allowed per minute.
	WebhookRate int `yaml:"webhook_rate" validate:"gte=0"`
}

// Load reads the configuration from path, or from $PREVIEWBOX_CONFIG_FILE or
// the default search paths when path is empty. Environment overrides and
// defaults are applied before validation.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path == "" {
		found, err := fileutil.FindConfig(FileName)
		if err != nil {
			return nil, fmt.Errorf("no config file given and %w", err)
		}
		path = found
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	// The file names commands run as root.
	if security.IsWorldWritable(info.Mode().Perm()) {
		return nil, fmt.Errorf("config file %s is world-writable (mode %04o)", path, info.Mode().Perm())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// Parse decodes, completes and validates YAML configuration data.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration:\n%s", strings.Join(errs, "\n"))
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvGitHubToken); v != "" {
		c.GitHub.Token = v
	}
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(EnvWebhookSecret); v != "" {
		c.Server.WebhookSecret = v
	}
}

func (c *Config) applyDefaults() {
	setDefault(&c.Paths.SitesAvailable, DefaultSitesAvailable)
	setDefault(&c.Paths.SitesEnabled, DefaultSitesEnabled)
	setDefault(&c.Database.Host, DefaultDatabaseHost)
	setDefault(&c.Database.URLScheme, DefaultDatabaseURLScheme)
	if c.Database.PasswordLength == 0 {
		c.Database.PasswordLength = security.DefaultPasswordLength
	}
	setDefault(&c.Store.Path, DefaultStorePath)
	if c.Store.KeepRuns == 0 {
		c.Store.KeepRuns = DefaultKeepRuns
	}
	setDefault(&c.Runtime.Binary, DefaultRuntimeBinary)
	setDefault(&c.Runtime.ConstraintFile, DefaultConstraintFile)
	setDefault(&c.Runtime.AlternativesCommand, "update-alternatives --list "+c.Runtime.Binary)
	setDefault(&c.Build.RunAs, DefaultRunAs)
	if c.Build.Commands == nil {
		c.Build.Commands = DefaultBuildCommands
	}
	if len(c.GitHub.CloneHosts) == 0 {
		c.GitHub.CloneHosts = []string{"github.com"}
	}
	if c.Timeouts.Source == 0 {
		c.Timeouts.Source = reconcile.DefaultSourceTimeout
	}
	if c.Timeouts.Step == 0 {
		c.Timeouts.Step = reconcile.DefaultStepTimeout
	}
	if c.Timeouts.Build == 0 {
		c.Timeouts.Build = reconcile.DefaultBuildTimeout
	}
	setDefault(&c.ReloadCommand, DefaultReloadCommand)
	setDefault(&c.TestCommand, DefaultTestCommand)
	setDefault(&c.Server.Listen, DefaultListen)
	if c.Server.Interval == 0 {
		c.Server.Interval = DefaultInterval
	}
	if c.Server.WebhookRate == 0 {
		c.Server.WebhookRate = DefaultWebhookRate
	}
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their YAML names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the configuration and returns one message per problem.
func (c *Config) Validate() []string {
	var errs []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []string{fmt.Sprintf("  - %v", err)}
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Sprintf("  - %s: %s", fieldPath(fe.Namespace()), describe(fe)))
		}
	}

	for name, p := range map[string]string{
		"paths.web_root":        c.Paths.WebRoot,
		"paths.sites_available": c.Paths.SitesAvailable,
		"paths.sites_enabled":   c.Paths.SitesEnabled,
		"store.path":            c.Store.Path,
	} {
		if p != "" && !filepath.IsAbs(p) {
			errs = append(errs, fmt.Sprintf("  - %s: path must be absolute, got '%s'", name, p))
		}
	}

	if c.Database.DSN != "" {
		if _, err := mysql.ParseDSN(c.Database.DSN); err != nil {
			errs = append(errs, fmt.Sprintf("  - database.dsn: %v", err))
		}
	}

	if c.Server.WebhookSecret != "" {
		if err := security.ValidateSecret(c.Server.WebhookSecret); err != nil {
			errs = append(errs, fmt.Sprintf("  - server.webhook_secret: %v", err))
		}
	}

	for i, cf := range c.Build.CopyFiles {
		if !filepath.IsLocal(cf.From) || !filepath.IsLocal(cf.To) {
			errs = append(errs, fmt.Sprintf("  - build.copy_files[%d]: paths must be relative to the working copy", i))
		}
	}
	for i, ef := range c.Build.EnvFiles {
		if !filepath.IsLocal(ef.Path) {
			errs = append(errs, fmt.Sprintf("  - build.env_files[%d]: path must be relative to the working copy", i))
		}
	}

	policy := security.NewCommandPolicy(c.Build.AllowedCommands...)
	sample := templates.TemplateData{
		"label":   "pr1",
		"version": "8.1",
		"run_as":  c.Build.RunAs,
		"dir":     filepath.Join(c.Paths.WebRoot, "pr1"),
		"domain":  c.Domain,
	}
	for i, command := range c.Build.Commands {
		parts, err := cmdutil.ParseCommandString(command)
		if err != nil {
			errs = append(errs, fmt.Sprintf("  - build.commands[%d]: %v", i, err))
			continue
		}
		for j := range parts {
			parts[j] = templates.Expand(parts[j], sample)
		}
		if err := policy.Validate(parts); err != nil {
			errs = append(errs, fmt.Sprintf("  - build.commands[%d]: %v", i, err))
		}
	}

	return errs
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "missing required field"
	case "hostname", "hostname_port", "url", "hexadecimal", "alphanum":
		return fmt.Sprintf("'%v' is not a valid %s", fe.Value(), fe.Tag())
	case "gte", "lte", "min", "max":
		return fmt.Sprintf("must be %s %s, got %v", fe.Tag(), fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("failed '%s' check", fe.Tag())
	}
}

// EngineConfig returns the reconciliation engine settings.
func (c *Config) EngineConfig() reconcile.Config {
	return reconcile.Config{
		Ignore:        reconcile.NewIgnoreList(c.Ignore.Revisions, c.Ignore.LabelIDs),
		SourceTimeout: c.Timeouts.Source,
		StepTimeout:   c.Timeouts.Step,
		BuildTimeout:  c.Timeouts.Build,
	}
}

// SourceOptions returns the GitHub source settings.
func (c *Config) SourceOptions() source.Options {
	return source.Options{
		Owner:    c.GitHub.Owner,
		Repo:     c.GitHub.Repo,
		Token:    c.GitHub.Token,
		BaseURL:  c.GitHub.BaseURL,
		CloneURL: c.GitHub.CloneURL,
	}
}

// ProvisionConfig returns the host provisioning settings.
func (c *Config) ProvisionConfig() provision.Config {
	testCommand := c.TestCommand
	if testCommand == "-" {
		testCommand = ""
	}
	return provision.Config{
		WebRoot:             c.Paths.WebRoot,
		SitesAvailable:      c.Paths.SitesAvailable,
		SitesEnabled:        c.Paths.SitesEnabled,
		NginxTemplate:       c.Paths.NginxTemplate,
		Domain:              c.Domain,
		DatabaseHost:        c.Database.Host,
		DatabaseURLScheme:   c.Database.URLScheme,
		PasswordLength:      c.Database.PasswordLength,
		CloneHosts:          c.GitHub.CloneHosts,
		RunAs:               c.Build.RunAs,
		RuntimeBinary:       c.Runtime.Binary,
		ConstraintFile:      c.Runtime.ConstraintFile,
		AlternativesCommand: c.Runtime.AlternativesCommand,
		CopyFiles:           c.Build.CopyFiles,
		EnvFiles:            c.Build.EnvFiles,
		Commands:            c.Build.Commands,
		AllowedCommands:     c.Build.AllowedCommands,
		TestCommand:         testCommand,
		ReloadCommand:       c.ReloadCommand,
	}
}
