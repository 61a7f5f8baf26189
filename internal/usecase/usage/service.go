package usage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iszyzyzzy/traffic-middleware/internal/domain"
	"github.com/iszyzyzzy/traffic-middleware/internal/domain/cycle"
	domusage "github.com/iszyzyzzy/traffic-middleware/internal/domain/usage"
	logpkg "github.com/iszyzyzzy/traffic-middleware/internal/logger"
)

const defaultConcurrency = 8

// Service aggregates per-instance billing cycle usage.
type Service struct {
	source      MetricsSource
	limits      LimitResolver
	now         func() time.Time
	location    *time.Location
	concurrency int
}

// New creates a Service that evaluates cycles in the local time zone.
func New(source MetricsSource, limits LimitResolver) *Service {
	return &Service{
		source:      source,
		limits:      limits,
		now:         time.Now,
		location:    time.Local,
		concurrency: defaultConcurrency,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// WithLocation sets the time zone that reset days are interpreted in.
func (s *Service) WithLocation(loc *time.Location) *Service {
	if loc != nil {
		s.location = loc
	}
	return s
}

// WithConcurrency bounds the number of in-flight backend queries per collection.
func (s *Service) WithConcurrency(n int) *Service {
	if n > 0 {
		s.concurrency = n
	}
	return s
}

// Collect queries every known instance for its usage in the current billing cycle.
// Instances without data are omitted. Any backend failure fails the whole
// collection with a *domain.AggregationError; no partial report is returned.
func (s *Service) Collect(ctx context.Context) (domusage.Report, error) {
	log := logpkg.FromContext(ctx)

	instances, err := s.source.ListInstances(ctx)
	if err != nil {
		return nil, domain.NewAggregationError("", err)
	}

	now := s.now().In(s.location)
	report := make(domusage.Report, len(instances))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, instance := range instances {
		g.Go(func() error {
			limit := s.limits.Resolve(instance)
			window := cycle.SecondsSince(now, limit.ResetDay())

			value, ok, err := s.source.CounterIncrease(gctx, instance, window)
			if err != nil {
				return domain.NewAggregationError(instance, err)
			}
			if !ok {
				log.Debug("no traffic data in cycle window",
					zap.String("instance", instance),
					zap.Int64("window_sec", window),
				)
				return nil
			}

			log.Debug("instance usage",
				zap.String("instance", instance),
				zap.Float64("bytes", value),
				zap.Uint64("limit", limit.Bytes()),
				zap.Bool("fallback", !s.limits.Configured(instance)),
			)

			mu.Lock()
			report[instance] = domusage.InstanceUsage{Value: value, Limit: limit.Bytes()}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Info("usage collected",
		zap.Int("instances", len(instances)),
		zap.Int("reported", len(report)),
	)
	return report, nil
}

// Percentages returns each reported instance's usage as a percentage of its quota.
func (s *Service) Percentages(ctx context.Context) (map[string]float64, error) {
	report, err := s.Collect(ctx)
	if err != nil {
		return nil, err
	}
	return report.Percentages(), nil
}
