package health

import (
	"context"

	"go.uber.org/zap"

	logpkg "github.com/iszyzyzzy/traffic-middleware/internal/logger"
)

// Status represents the aggregated health status.
type Status string

const (
	// Healthy indicates all components are operational.
	Healthy Status = "ok"
	// Degraded indicates partial failure.
	Degraded Status = "degraded"
)

// CheckResult represents an individual component health check outcome.
type CheckResult string

const (
	// CheckOK indicates a passing health check.
	CheckOK CheckResult = "ok"
	// CheckError indicates a failing health check.
	CheckError CheckResult = "error"
)

// Report aggregates health check results.
type Report struct {
	Status Status
	Checks map[string]CheckResult
}

// Service coordinates health checks.
type Service struct {
	backend BackendPinger
}

// New creates a Service.
func New(backend BackendPinger) *Service {
	return &Service{backend: backend}
}

// Check pings the metrics backend. The service itself stays up while the
// backend is down, so a failed check reports Degraded rather than an error.
func (s *Service) Check(ctx context.Context) Report {
	checks := make(map[string]CheckResult)

	if err := s.backend.Ping(ctx); err != nil {
		logpkg.FromContext(ctx).Warn("prometheus health check failed", zap.Error(err))
		checks["prometheus"] = CheckError
	} else {
		checks["prometheus"] = CheckOK
	}

	status := Healthy
	for _, v := range checks {
		if v == CheckError {
			status = Degraded
			break
		}
	}

	return Report{Status: status, Checks: checks}
}
