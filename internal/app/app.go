// Package app wires configuration, storage, the oracle client, and the
// simulation services into one process. It is the shared core used by
// cmd/shopsim-server.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jcalloway/shopsim/internal/clients/openai"
	"github.com/jcalloway/shopsim/internal/common"
	"github.com/jcalloway/shopsim/internal/interfaces"
	"github.com/jcalloway/shopsim/internal/services/batch"
	"github.com/jcalloway/shopsim/internal/services/ledger"
	"github.com/jcalloway/shopsim/internal/services/notify"
	"github.com/jcalloway/shopsim/internal/services/prompt"
	"github.com/jcalloway/shopsim/internal/services/simulation"
	"github.com/jcalloway/shopsim/internal/services/worker"
	"github.com/jcalloway/shopsim/internal/storage"
)

// App holds the initialized services, clients, and storage.
type App struct {
	Config      *common.Config
	Logger      *common.Logger
	Storage     interfaces.StorageManager
	Oracle      interfaces.OracleClient
	Builder     interfaces.RequestBuilder
	Ledger      interfaces.LedgerEngine
	Notify      interfaces.NotificationSink
	Simulation  interfaces.SimulationService
	StartupTime time.Time

	directWorker *worker.DirectWorker
	orchestrator *batch.Orchestrator
	started      bool
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp initializes storage, the oracle client, and all services.
// configPath may be empty, in which case the default resolution logic is used.
func NewApp(configPath string) (*App, error) {
	startupStart := time.Now()
	binDir := getBinaryDir()

	// Config resolution: explicit path, SHOPSIM_CONFIG, binary dir, then the
	// development fallback.
	if configPath == "" {
		configPath = os.Getenv("SHOPSIM_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "shopsim.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/shopsim.toml"
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Relative storage paths resolve against the binary directory so the
	// process is self-contained.
	if config.Storage.Path != "" && !filepath.IsAbs(config.Storage.Path) {
		config.Storage.Path = filepath.Join(binDir, config.Storage.Path)
	}

	logger := common.NewLogger(config.Logging.Level, config.Logging.Format)

	storageManager, err := storage.NewManager(config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if config.Oracle.APIKey == "" {
		logger.Warn().Msg("Oracle API key not configured, simulation runs will fail")
	}
	oracleClient := openai.NewClient(config.Oracle.APIKey,
		openai.WithBaseURL(config.Oracle.BaseURL),
		openai.WithModel(config.Oracle.Model),
		openai.WithLogger(logger),
		openai.WithRateLimit(config.Oracle.RateLimit),
		openai.WithTimeout(config.Oracle.GetTimeout()),
	)

	ledgerEngine := ledger.NewEngine(storageManager.Ledger(), logger)
	builder := prompt.NewBuilder(config.Oracle.Model, config.Simulation, logger)
	gateway := notify.NewGateway(storageManager.Queue(), logger)
	simulationService := simulation.NewService(storageManager, ledgerEngine, config.Simulation, logger)

	a := &App{
		Config:       config,
		Logger:       logger,
		Storage:      storageManager,
		Oracle:       oracleClient,
		Builder:      builder,
		Ledger:       ledgerEngine,
		Notify:       gateway,
		Simulation:   simulationService,
		StartupTime:  startupStart,
		directWorker: worker.NewDirectWorker(storageManager, oracleClient, builder, ledgerEngine, gateway, config.Simulation, logger),
		orchestrator: batch.NewOrchestrator(storageManager, oracleClient, builder, ledgerEngine, gateway, config.Simulation, logger),
	}

	logger.Info().
		Str("version", common.GetVersion()).
		Str("mode", config.Simulation.Mode).
		Str("model", config.Oracle.Model).
		Dur("startup", time.Since(startupStart)).
		Msg("App initialized")
	return a, nil
}

// Start recovers state orphaned by a previous crash and launches the worker
// pools for the configured mode. The direct worker always runs because
// requeued jobs are delivered on the direct topic in either mode.
func (a *App) Start(ctx context.Context) error {
	jobs, err := a.Storage.Jobs().ResetRunning(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset running jobs: %w", err)
	}
	messages, err := a.Storage.Queue().ResetClaimed(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset claimed messages: %w", err)
	}
	if jobs > 0 || messages > 0 {
		a.Logger.Warn().
			Int("jobs", jobs).
			Int("messages", messages).
			Msg("Recovered orphaned work from previous run")
	}

	a.directWorker.Start()
	if a.Config.Simulation.Mode == common.ModeBatch {
		a.orchestrator.Start()
	}
	a.started = true
	return nil
}

// Close stops the worker pools and releases storage. Safe to call once.
func (a *App) Close() {
	if a.started {
		a.directWorker.Stop()
		if a.Config.Simulation.Mode == common.ModeBatch {
			a.orchestrator.Stop()
		}
		a.started = false
	}
	if a.Storage != nil {
		if err := a.Storage.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("Failed to close storage")
		}
		a.Storage = nil
	}
	a.Logger.Info().Msg("App closed")
}
