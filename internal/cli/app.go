package cli

import (
	"context"
	"fmt"
	"time"

	appconfig "tickerflow/config"
	"tickerflow/internal/accumulator"
	"tickerflow/internal/checkpoint"
	"tickerflow/internal/pipeline"
	"tickerflow/internal/throttle"
	"tickerflow/logger"
	"tickerflow/reader/polygon"
	"tickerflow/writer"
)

const defaultReportInterval = 30 * time.Second

// loadConfig reads the selected configuration and applies its logging section.
func loadConfig() (*appconfig.Config, error) {
	path := appconfig.ResolvePath(configPath)
	cfg, err := appconfig.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	log := logger.GetLogger()
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		return nil, fmt.Errorf("configure logger: %w", err)
	}
	log.WithFields(logger.Fields{
		"service":     cfg.Tickerflow.Name,
		"version":     cfg.Tickerflow.Version,
		"environment": appconfig.AppEnvironment(),
		"config":      path,
	}).Debug("configuration loaded")
	return cfg, nil
}

// startObservability starts the optional CloudWatch publisher and the
// periodic run report.
func startObservability(ctx context.Context, cfg *appconfig.Config) {
	if cfg.Metrics.CloudWatch.Enabled {
		cw := cfg.Metrics.CloudWatch
		logger.InitCloudWatch(ctx, cw.Region, cw.Namespace, cw.Dashboard)
	}
	if logger.ReportEnabled(cfg.Logging.Level) {
		interval := cfg.Logging.ReportInterval
		if interval <= 0 {
			interval = defaultReportInterval
		}
		logger.StartReport(ctx, logger.GetLogger(), interval)
	}
}

// app is a fully wired driver and the resources it owns.
type app struct {
	store  checkpoint.Store
	driver *pipeline.Driver
}

func newApp(ctx context.Context, cfg *appconfig.Config) (*app, error) {
	reader, err := polygon.NewReader(cfg.Polygon)
	if err != nil {
		return nil, err
	}

	store, err := checkpoint.Open(ctx, cfg.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	sink, err := writer.NewSink(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create sink: %w", err)
	}

	driver, err := pipeline.NewDriver(pipeline.ConfigFrom(cfg), pipeline.Deps{
		Fetcher:  reader,
		Governor: throttle.New(cfg.Throttle),
		Store:    store,
		Partial:  accumulator.NewPartialFile(cfg.Partial.Path),
		Sink:     sink,
	}, pipeline.WithLogger(logger.GetLogger()))
	if err != nil {
		store.Close()
		return nil, err
	}

	logger.GetLogger().WithComponent("cli").WithFields(logger.Fields{
		"checkpoint": store.Describe(),
		"partial":    cfg.Partial.Path,
		"sink":       sink.Name(),
		"output":     sink.Destination(),
	}).Info("pipeline ready")

	return &app{store: store, driver: driver}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
