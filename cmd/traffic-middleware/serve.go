package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iszyzyzzy/traffic-middleware/internal/metrics"
	chiTransport "github.com/iszyzyzzy/traffic-middleware/internal/transport/chi"
	"github.com/iszyzyzzy/traffic-middleware/internal/usecase/exporter"
	"github.com/iszyzyzzy/traffic-middleware/internal/version"
)

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve usage reports over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *options) error {
	a, err := newApp(opts)
	if err != nil {
		return err
	}
	logger := a.logger
	defer func() { _ = logger.Sync() }()
	cfg := a.cfg

	logger.Info("Starting traffic-middleware",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", opts.env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("prometheus_url", cfg.PrometheusURL),
		zap.String("unit_type", cfg.UnitType),
		zap.Int("configured_limits", a.limits.Len()),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Scheduled gauge export, independent of the request path.
	exp := exporter.New(a.usage, cfg.Exporter.Schedule,
		time.Duration(cfg.Exporter.TimeoutSec)*time.Second, logger)
	if err := exp.Start(ctx); err != nil {
		return fmt.Errorf("start exporter: %w", err)
	}
	defer exp.Stop()

	server := chiTransport.NewServer(a.usage, a.health, logger)
	handler := chiTransport.NewRouter(server, logger, metrics.Middleware())

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
	return nil
}
