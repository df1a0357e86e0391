package main

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"previewbox/internal/config"
	"previewbox/internal/provision"
	"previewbox/internal/reconcile"
	"previewbox/internal/source"
	"previewbox/internal/store"
	"previewbox/internal/telemetry"
)

// app is the fully wired set of components one command works with.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	db      *sql.DB
	metrics *telemetry.Metrics
	prov    *provision.Provisioner
	engine  *reconcile.Engine
}

// newApp loads the configuration and wires store, database, provisioner,
// source and engine. Close must be called on the result.
func newApp(logger *slog.Logger) (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	logger.Info("Configuration loaded", "config", cfg.Path, "repository", cfg.GitHub.Owner+"/"+cfg.GitHub.Repo)

	a := &app{cfg: cfg, logger: logger}

	a.store, err = store.Open(cfg.Store.Path, store.WithRunRetention(cfg.Store.KeepRuns))
	if err != nil {
		return nil, fmt.Errorf("failed to open deployment store: %w", err)
	}

	a.db, err = provision.OpenDatabase(cfg.Database.DSN)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open database server connection: %w", err)
	}

	a.prov, err = provision.New(cfg.ProvisionConfig(), a.db, logger.With("component", "provision"))
	if err != nil {
		a.Close()
		return nil, err
	}

	src, err := source.NewGitHub(cfg.SourceOptions(), logger.With("component", "github"))
	if err != nil {
		a.Close()
		return nil, err
	}

	a.metrics = telemetry.NewMetrics()
	a.engine = reconcile.NewEngine(src, a.store, a.prov, cfg.EngineConfig(), logger.With("component", "reconcile"),
		reconcile.WithJournal(a.store),
		reconcile.WithRecorder(a.metrics),
	)
	return a, nil
}

// openStore loads the configuration and opens only the deployment store,
// for commands that do not touch the host.
func openStore() (*config.Config, *store.Store, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.Store.Path, store.WithRunRetention(cfg.Store.KeepRuns))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open deployment store: %w", err)
	}
	return cfg, st, nil
}

func (a *app) Close() error {
	var result *multierror.Error
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing database connection: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing deployment store: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// withApp runs fn with a logger and wired app, closing both afterwards.
func withApp(fn func(a *app) error) error {
	logger, closeLog, err := setupLogging(logFile, logLevel)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer closeLog()

	a, err := newApp(logger)
	if err != nil {
		logger.Error("Failed to initialize", "error", err)
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("Failed to close resources", "error", err)
		}
	}()

	return fn(a)
}
