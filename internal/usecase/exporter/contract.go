package exporter

import (
	"context"

	domusage "github.com/iszyzyzzy/traffic-middleware/internal/domain/usage"
)

// UsageCollector produces a billing cycle usage report.
type UsageCollector interface {
	Collect(ctx context.Context) (domusage.Report, error)
}
