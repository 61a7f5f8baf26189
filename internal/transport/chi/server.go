package chi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/iszyzyzzy/traffic-middleware/internal/domain"
	logpkg "github.com/iszyzyzzy/traffic-middleware/internal/logger"
	healthuc "github.com/iszyzyzzy/traffic-middleware/internal/usecase/health"
	usageuc "github.com/iszyzyzzy/traffic-middleware/internal/usecase/usage"
	"github.com/iszyzyzzy/traffic-middleware/internal/version"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeBackendUnavailable = "backend_unavailable"
	CodeRequestCancelled   = "request_cancelled"
	CodeInternalError      = "internal_error"
	CodeNotFound           = "not_found"
	CodeMethodNotAllowed   = "method_not_allowed"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HealthResponse is the JSON body of GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server serves usage reports over HTTP.
type Server struct {
	usage         *usageuc.Service
	health        *healthuc.Service
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(usage *usageuc.Service, health *healthuc.Service, logger *zap.Logger) *Server {
	s := &Server{
		usage:  usage,
		health: health,
		logger: logger,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrBackendUnavailable, http.StatusBadGateway, CodeBackendUnavailable),
	}
	return s
}

// Register mounts the API routes on r.
func (s *Server) Register(r chi.Router) {
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed")
	})

	r.Get("/", s.Index)
	r.Get("/get/raw", s.GetRaw)
	r.Get("/get/percentage", s.GetPercentage)
	r.Get("/get/precentage", s.GetPercentage) // misspelt route kept for existing dashboards
	r.Get("/health", s.HealthCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
}

// Index handles GET /.
func (s *Server) Index(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, version.Current())
}

// GetRaw handles GET /get/raw.
func (s *Server) GetRaw(w http.ResponseWriter, r *http.Request) {
	report, err := s.usage.Collect(r.Context())
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetPercentage handles GET /get/percentage.
func (s *Server) GetPercentage(w http.ResponseWriter, r *http.Request) {
	pct, err := s.usage.Percentages(r.Context())
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pct)
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}

	httpStatus := http.StatusOK
	if report.Status != healthuc.Healthy {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, HealthResponse{
		Status: string(report.Status),
		Checks: checks,
	})
}

// writeJSON encodes v before writing the status, so an unencodable value
// becomes a 500 instead of a 200 with an empty body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body, _ = json.Marshal(ErrorResponse{Code: CodeInternalError, Message: "internal error"})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// safeDomainMessage returns a client-facing message without exposing backend URLs or internals.
func safeDomainMessage(err error) string {
	if !errors.Is(err, domain.ErrBackendUnavailable) {
		return "internal error"
	}
	var ae *domain.AggregationError
	if errors.As(err, &ae) && ae.Instance != "" {
		return fmt.Sprintf("%s: query for instance %q failed", domain.ErrBackendUnavailable.Error(), ae.Instance)
	}
	return domain.ErrBackendUnavailable.Error()
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	log := logpkg.FromContext(r.Context())

	// The client went away; the backend is not at fault.
	if r.Context().Err() != nil {
		log.Info("request cancelled", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, CodeRequestCancelled, "request cancelled")
		return
	}

	log.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
}
