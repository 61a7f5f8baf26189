package exporter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	domusage "github.com/iszyzyzzy/traffic-middleware/internal/domain/usage"
	"github.com/iszyzyzzy/traffic-middleware/internal/metrics"
)

// Scheduler periodically collects usage and publishes it as Prometheus gauges.
type Scheduler struct {
	collector UsageCollector
	schedule  string
	timeout   time.Duration
	cron      *cron.Cron
	logger    *zap.Logger

	mu      sync.Mutex
	running bool
}

// New creates a Scheduler for a standard 5-field cron schedule.
// timeout bounds a single collection run; 0 means no bound.
func New(collector UsageCollector, schedule string, timeout time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		collector: collector,
		schedule:  schedule,
		timeout:   timeout,
		cron:      cron.New(),
		logger:    logger.With(zap.String("component", "exporter")),
	}
}

// Start schedules the export job. An empty schedule leaves the exporter disabled.
// The scheduler stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("export schedule not configured, exporter disabled")
		return nil
	}

	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid export schedule %q: %w", s.schedule, err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("usage exporter started", zap.String("schedule", s.schedule))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// RunOnce collects usage and republishes the gauges. On failure the previous
// values are left in place.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	report, err := s.collector.Collect(ctx)
	if err != nil {
		s.logger.Error("usage export failed", zap.Error(err))
		return
	}

	publish(report)
	metrics.ExporterLastSuccess.SetToCurrentTime()

	s.logger.Debug("usage exported",
		zap.Int("instances", len(report)),
		zap.Duration("took", time.Since(start)),
	)
}

// Stop stops the scheduler and waits for a running export to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("usage exporter stopped")
	}
}

// IsRunning reports whether the export job is scheduled.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// publish replaces the gauge vectors so instances absent from the report disappear.
func publish(report domusage.Report) {
	metrics.InstanceUsageBytes.Reset()
	metrics.InstanceQuotaBytes.Reset()
	metrics.InstanceUsageRatio.Reset()

	for instance, u := range report {
		metrics.InstanceUsageBytes.WithLabelValues(instance).Set(u.Value)
		metrics.InstanceQuotaBytes.WithLabelValues(instance).Set(float64(u.Limit))
		metrics.InstanceUsageRatio.WithLabelValues(instance).Set(u.Percent() / 100)
	}
}
