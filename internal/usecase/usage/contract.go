package usage

import (
	"context"

	"github.com/iszyzyzzy/traffic-middleware/internal/domain/quota"
)

// MetricsSource reads traffic counters from the metrics backend.
type MetricsSource interface {
	ListInstances(ctx context.Context) ([]string, error)
	// CounterIncrease reports ok=false when the backend has no data for the window.
	CounterIncrease(ctx context.Context, instance string, windowSeconds int64) (value float64, ok bool, err error)
}

// LimitResolver maps an instance to its billing limit. Never fails.
type LimitResolver interface {
	Resolve(instance string) quota.Limit
	// Configured is false when Resolve returns the fallback limit.
	Configured(instance string) bool
}
