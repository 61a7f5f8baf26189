package main

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iszyzyzzy/traffic-middleware/internal/config"
	"github.com/iszyzyzzy/traffic-middleware/internal/domain/quota"
	logpkg "github.com/iszyzyzzy/traffic-middleware/internal/logger"
	"github.com/iszyzyzzy/traffic-middleware/internal/metrics"
	promclient "github.com/iszyzyzzy/traffic-middleware/internal/transport/prometheus"
	healthuc "github.com/iszyzyzzy/traffic-middleware/internal/usecase/health"
	usageuc "github.com/iszyzyzzy/traffic-middleware/internal/usecase/usage"
)

// app is the composition root shared by serve and report.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	limits *quota.Table
	usage  *usageuc.Service
	health *healthuc.Service
}

func newApp(opts *options) (*app, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logpkg.NewLogger(opts.env, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	// Register backend and exporter metrics explicitly (no init())
	metrics.Register()

	client, err := promclient.NewClient(&promclient.Config{
		URL:              cfg.PrometheusURL,
		InstanceLabel:    cfg.Prometheus.InstanceLabel,
		ExcludeInstances: cfg.Prometheus.ExcludeInstances,
		ReceiveMetric:    cfg.Prometheus.ReceiveMetric,
		TransmitMetric:   cfg.Prometheus.TransmitMetric,
		Timeout:          time.Duration(cfg.Prometheus.TimeoutSec) * time.Second,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}

	// Validate already checked both; these cannot fail on a loaded config.
	table, err := cfg.QuotaTable()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	usageSvc := usageuc.New(client, table).
		WithLocation(loc).
		WithConcurrency(cfg.Prometheus.Concurrency)

	return &app{
		cfg:    cfg,
		logger: logger,
		limits: table,
		usage:  usageSvc,
		health: healthuc.New(client),
	}, nil
}
