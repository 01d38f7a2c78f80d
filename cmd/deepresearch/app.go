package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/deepresearch/internal/config"
	"github.com/fyrsmithlabs/deepresearch/internal/logging"
	"github.com/fyrsmithlabs/deepresearch/internal/telemetry"
	"github.com/fyrsmithlabs/deepresearch/internal/workflow"
	"go.uber.org/zap"
)

// app holds the components shared by every command.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	pipeline  *workflow.Pipeline
}

// newApp loads configuration and builds telemetry, logging and the research
// pipeline, in that order.
func newApp(ctx context.Context, path string) (*app, error) {
	cfg, err := config.LoadWithFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logCfg, err := logging.FromAppConfig(cfg)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	pipeline, err := workflow.NewPipeline(cfg,
		workflow.WithPipelineLogger(logger),
		workflow.WithTelemetry(tel),
	)
	if err != nil {
		_ = logger.Sync()
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to build research pipeline: %w", err)
	}

	logger.Debug(ctx, "deepresearch initialized",
		zap.String("version", version),
		zap.Int("max_loops", cfg.MaxLoops),
		zap.Int("mcp_servers", len(cfg.MCPServers)),
		zap.String("search", cfg.Search.Provider),
		zap.Bool("telemetry", tel.IsEnabled()),
	)

	return &app{cfg: cfg, logger: logger, telemetry: tel, pipeline: pipeline}, nil
}

// Close releases provider sessions and flushes logs and telemetry.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return errors.Join(
		a.pipeline.Shutdown(),
		a.logger.Sync(),
		a.telemetry.Shutdown(ctx),
	)
}
