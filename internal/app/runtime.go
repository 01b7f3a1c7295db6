package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"varianceiq/internal/analysis"
	"varianceiq/internal/config"
	"varianceiq/internal/gateway"
	"varianceiq/internal/infrastructure"
	"varianceiq/internal/store"
	"varianceiq/pkg/contracts/domain"
)

// Runtime is the process-wide setup shared by every command: configuration,
// resolved paths, the logger and the telemetry providers.
type Runtime struct {
	Config *config.Config
	Paths  *config.Paths
	Logger *slog.Logger
	OTel   *infrastructure.OTelProviders
}

// Bootstrap loads the configuration from configPath (or the default
// locations), creates the working directories and installs logging and
// telemetry.
func Bootstrap(configPath string) (*Runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	paths, err := cfg.ResolvePaths()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to ensure directories: %w", err)
	}

	if cfg.Logging.FilePath != "" && !filepath.IsAbs(cfg.Logging.FilePath) {
		cfg.Logging.FilePath = filepath.Join(paths.BaseDir, cfg.Logging.FilePath)
	}
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	paths.LogPathResolution(logger)

	providers, err := infrastructure.InitializeOTel(infrastructure.NewOTelConfig(cfg.Telemetry), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	return &Runtime{Config: cfg, Paths: paths, Logger: logger, OTel: providers}, nil
}

// Close flushes telemetry and closes the log file.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.OTel != nil {
		if err := rt.OTel.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := infrastructure.CloseLogFile(); err != nil {
		errs = append(errs, fmt.Errorf("close log file: %w", err))
	}
	return errors.Join(errs...)
}

// LoadReturns reads the configured return catalogue.
func (rt *Runtime) LoadReturns() ([]domain.ReturnConfig, error) {
	if rt.Paths.ReturnsFile == "" {
		return nil, fmt.Errorf("no returns file configured (set analysis.returns_file or %s_ANALYSIS_RETURNS_FILE)", config.EnvPrefix)
	}
	returns, err := config.LoadReturns(rt.Paths.ReturnsFile)
	if err != nil {
		return nil, err
	}
	rt.Logger.Debug("returns_loaded",
		slog.String("path", rt.Paths.ReturnsFile),
		slog.Int("count", len(returns)))
	return returns, nil
}

// OpenStore opens the run history. With persistence disabled, either by the
// caller or by configuration, history lives in an in-memory database for the
// lifetime of the process.
func (rt *Runtime) OpenStore(ctx context.Context, persist bool) (*store.Store, error) {
	path := store.MemoryPath
	if persist && rt.Config.Storage.Enabled {
		path = rt.Paths.DatabaseFile
	}
	s, err := store.Open(ctx, path, rt.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open run history: %w", err)
	}
	return s, nil
}

// NewGateway builds the reporting API client from the gateway section.
func (rt *Runtime) NewGateway() (*gateway.Client, error) {
	if err := rt.Config.RequireGateway(); err != nil {
		return nil, err
	}
	gc := rt.Config.Gateway
	return gateway.New(gateway.Config{
		BaseURL:           gc.BaseURL,
		TokenURL:          gc.TokenURL,
		ClientID:          gc.ClientID,
		ClientSecret:      gc.ClientSecret,
		Scopes:            gc.Scopes,
		Timeout:           gc.Timeout,
		RequestsPerSecond: gc.RequestsPerSecond,
		Burst:             gc.Burst,
		UserAgent:         gc.UserAgent,
		Retry: gateway.RetryConfig{
			MaxAttempts:  gc.Retry.MaxAttempts,
			InitialDelay: gc.Retry.InitialDelay,
			MaxDelay:     gc.Retry.MaxDelay,
			Multiplier:   gc.Retry.Multiplier,
		},
	}, gateway.WithLogger(rt.Logger))
}

// NewAnalyzer builds an analyzer over gw. A concurrency of zero keeps the
// configured value.
func (rt *Runtime) NewAnalyzer(gw analysis.Gateway, concurrency int) (*analysis.Analyzer, error) {
	if concurrency <= 0 {
		concurrency = rt.Config.Analysis.Concurrency
	}
	return analysis.New(gw,
		analysis.WithConcurrency(concurrency),
		analysis.WithKeepOnValidationError(rt.Config.Analysis.KeepOnValidationError),
		analysis.WithLogger(rt.Logger),
	)
}
