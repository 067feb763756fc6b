package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/mmcdole/pixmirror/internal/adapter"
	"github.com/mmcdole/pixmirror/internal/adapter/source"
	"github.com/mmcdole/pixmirror/internal/domain"
	"github.com/mmcdole/pixmirror/internal/download"
	"github.com/mmcdole/pixmirror/internal/report"
	"github.com/mmcdole/pixmirror/internal/service"
	"github.com/mmcdole/pixmirror/internal/store"
)

const statusFileName = "status.json"

// app is the wired object graph shared by the commands
type app struct {
	cfg    *adapter.Config
	logger *slog.Logger

	ledger     domain.Ledger
	source     domain.Source
	tokenFile  *adapter.FileCredential
	controller *service.Controller
	jobs       *service.Jobs
}

// loadConfig reads and validates configuration and sets up logging
func loadConfig() (*adapter.Config, *slog.Logger, error) {
	cfg, err := adapter.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger, err := adapter.SetupLogger(&cfg.Logging)
	if err != nil {
		// Fall back to null logger if file logging fails
		logger = adapter.NullLogger()
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// newApp wires the ledger, the source and the services
func newApp(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger.Info("starting pixmirror", "version", Version, "scope", cfg.Source.Scope, "root", cfg.Download.Root)

	ledger, err := store.Open(string(cfg.Ledger.Driver), cfg.Ledger.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, ledger: ledger}
	if err := a.wire(ctx); err != nil {
		ledger.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	src, err := source.NewClient(&cfg.Source, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create source client: %w", err)
	}
	a.source = src

	provider, file := adapter.NewCredentialProvider(&cfg.Credential, a.logger)
	var saver domain.CredentialSaver
	if file != nil {
		a.tokenFile = file
		saver = file
		if cfg.Credential.Watch {
			if err := file.Watch(ctx); err != nil {
				a.logger.Warn("credential watch disabled", "error", err)
			}
		}
	}

	manager, err := download.NewManager(src, a.ledger, download.Options{
		Root:        cfg.Download.Root,
		Concurrency: cfg.Download.Concurrency,
		Attempts:    cfg.Download.Attempts,
		Backoff:     cfg.Download.Backoff,
		MaxBackoff:  cfg.Download.MaxBackoff,
		Timeout:     cfg.Download.Timeout,
	}, a.logger)
	if err != nil {
		return err
	}

	pipeline := &service.Pipeline{
		Source:  src,
		Auth:    source.NewAuthenticator(src, provider, saver, a.logger),
		Ledger:  a.ledger,
		Manager: manager,
		Scope:   cfg.Source.Scope,
		Walk: service.WalkerOptions{
			MaxPages:         cfg.Source.MaxPages,
			Cooldown:         cfg.Source.RateLimitCooldown,
			RateLimitRetries: cfg.Source.RateLimitRetries,
		},
		Token:  service.NewWriteToken(),
		Logger: a.logger,
	}

	a.controller, err = service.NewController(pipeline, service.ControllerOptions{
		History:       cfg.Sync.History,
		BackfillBatch: cfg.Sync.BackfillBatch,
	})
	if err != nil {
		return err
	}
	a.jobs, err = service.NewJobs(pipeline)
	return err
}

func (a *app) Close() error {
	return a.ledger.Close()
}

// statusPath is where the last known status is kept, next to the ledger
func statusPath(cfg *adapter.Config) string {
	return filepath.Join(filepath.Dir(cfg.Ledger.Path), statusFileName)
}

// snapshot collects the live status of this process
func (a *app) snapshot(ctx context.Context) report.Report {
	sync := a.controller.Status(ctx)
	r := report.Report{UpdatedAt: time.Now(), Sync: &sync, Live: true}
	if stats, err := a.ledger.Stats(ctx); err == nil {
		r.Ledger = &stats
	}
	for _, k := range service.JobKinds {
		r.Jobs = append(r.Jobs, a.jobs.Status(k))
	}
	return r
}

// saveStatus merges this process's status into the status file
func (a *app) saveStatus(ctx context.Context) {
	path := statusPath(a.cfg)
	prev, err := report.Load(path)
	if err != nil {
		a.logger.Warn("discarding unreadable status file", "path", path, "error", err)
		prev = report.Report{}
	}
	next := a.snapshot(ctx)
	next.Live = false
	merged := prev.Merge(next)
	if merged.Sync != nil && len(merged.Sync.History) > a.cfg.Sync.History && a.cfg.Sync.History > 0 {
		merged.Sync.History = merged.Sync.History[:a.cfg.Sync.History]
	}
	if err := report.Save(path, merged); err != nil {
		a.logger.Warn("failed to save status", "path", path, "error", err)
	}
}
