package commands

import (
	"context"
	"fmt"

	"github.com/groundplan/groundplan/pkg/config"
	"github.com/groundplan/groundplan/pkg/engine"
	"github.com/groundplan/groundplan/pkg/provider/aws"
	"github.com/groundplan/groundplan/pkg/state"
	"github.com/groundplan/groundplan/pkg/telemetry"
)

// runtime holds everything a command needs to drive the engine.
type runtime struct {
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	store   *state.SQLiteStore
	runner  *engine.Runner
}

// newRuntime wires telemetry, the state store, the AWS provider and the
// engine runner from the global flags. Callers must defer cleanup.
func newRuntime(ctx context.Context) (*runtime, func(), error) {
	cfg := telemetry.DefaultConfig()
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if jsonOutput {
		cfg.Logging.Format = "json"
	}
	cfg.Tracing.Enabled = traceEnabled
	if metricsListen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = metricsListen
	}

	logger, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	metrics, err := telemetry.NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	if err := metrics.StartMetricsServer(); err != nil {
		return nil, nil, fmt.Errorf("failed to start metrics server: %w", err)
	}

	tracer, err := telemetry.NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	store, err := state.NewSQLiteStore(state.Config{Path: statePath})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create state store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize state store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("failed to migrate state store: %w", err)
	}

	provider, err := aws.New(ctx, logger, aws.Options{Region: region})
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("failed to create AWS provider: %w", err)
	}

	runner := engine.NewRunner(provider, store, logger,
		engine.WithMetrics(metrics),
		engine.WithTracer(tracer),
	)

	cleanup := func() {
		_ = tracer.Shutdown(context.Background())
		_ = store.Close()
	}

	return &runtime{
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		store:   store,
		runner:  runner,
	}, cleanup, nil
}

// loadSnapshot reads and validates the input file.
func loadSnapshot() (*config.Snapshot, error) {
	in, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return config.Validate(in)
}
