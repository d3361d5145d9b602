// Package app assembles the services of the report generator from
// configuration. The HTTP server and the operator CLI share it.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/username/cryptotaxreports/src/artifacts"
	"github.com/username/cryptotaxreports/src/compiler"
	"github.com/username/cryptotaxreports/src/config"
	"github.com/username/cryptotaxreports/src/database"
	"github.com/username/cryptotaxreports/src/gateway"
	"github.com/username/cryptotaxreports/src/logger"
	"github.com/username/cryptotaxreports/src/security"
	"github.com/username/cryptotaxreports/src/services"
	"github.com/username/cryptotaxreports/src/store"
	"github.com/username/cryptotaxreports/src/utils"
)

type App struct {
	DB        *sql.DB
	Store     store.Store
	Artifacts artifacts.Store
	Tokens    *security.DownloadTokenService
	Reports   *services.ReportService
	Generator *services.ReportGenerator
	Watchdog  *services.Watchdog
	Watcher   *gateway.Watcher
}

// New opens the database and artifact directory named by cfg and wires the
// services on top of them.
func New(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	clock := utils.RealClock{}

	logger.L.Info("Initializing database...", "path", cfg.DatabasePath)
	db, err := database.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	st := database.NewSQLStore(db, clock)

	logger.L.Info("Initializing artifact storage...", "dir", cfg.ArtifactDir)
	arts, err := artifacts.NewLocalStore(cfg.ArtifactDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("artifact storage: %w", err)
	}

	tokens := security.NewDownloadTokenService(cfg.DownloadTokenSecret, cfg.DownloadTokenExpiry)
	notifier := &services.EmailNotifier{
		Email:   services.NewEmailService(),
		Tokens:  tokens,
		BaseURL: cfg.PublicBaseURL,
	}

	logger.L.Info("Initializing services...")
	gen := services.NewReportGenerator(services.GeneratorOptions{
		Store:      st,
		Connectors: services.NewConnectorRegistry(cfg),
		Prices:     services.NewPriceServiceFromConfig(cfg),
		Compiler:   compiler.New(cfg.ReportCurrency, cfg.Location()),
		Artifacts:  arts,
		Notifier:   notifier,
		Shortfall:  cfg.ShortfallPolicy,
		Timeout:    cfg.GenerationTimeout,
		Clock:      clock,
	})

	reports := services.NewReportService(st, tokens, cfg.PublicBaseURL, clock)
	reports.DefaultMethod = cfg.CostBasisMethod

	return &App{
		DB:        db,
		Store:     st,
		Artifacts: arts,
		Tokens:    tokens,
		Reports:   reports,
		Generator: gen,
		Watchdog:  services.NewWatchdog(st, gen.Machine(), cfg.GenerationTimeout, cfg.WatchdogInterval, clock),
		Watcher:   gateway.NewWatcher(st, cfg.StreamPollInterval),
	}, nil
}

// Close waits for background runs and closes the database.
func (a *App) Close() error {
	a.Generator.Wait()
	return a.DB.Close()
}
