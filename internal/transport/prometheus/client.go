package prometheus

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/iszyzyzzy/traffic-middleware/internal/domain"
	"github.com/iszyzyzzy/traffic-middleware/internal/metrics"
)

// Defaults for the node_exporter traffic counters.
const (
	DefaultInstanceLabel  = "instance"
	DefaultReceiveMetric  = "node_network_receive_bytes_total"
	DefaultTransmitMetric = "node_network_transmit_bytes_total"
	// DefaultSelfInstance is the backend's own exporter, never billable.
	DefaultSelfInstance = "Node Exporter"
)

// Client queries a Prometheus-compatible HTTP API for traffic counters.
type Client struct {
	api            v1.API
	instanceLabel  string
	exclude        []string
	receiveMetric  string
	transmitMetric string
	timeout        time.Duration
	logger         *zap.Logger
}

// Config holds the backend connection settings.
type Config struct {
	URL              string
	InstanceLabel    string
	ExcludeInstances []string
	ReceiveMetric    string
	TransmitMetric   string
	Timeout          time.Duration     // per query; 0 = bounded by the caller's context only
	RoundTripper     http.RoundTripper // optional
	Logger           *zap.Logger
}

// NewClient creates a backend client. Empty fields fall back to node_exporter defaults.
func NewClient(cfg *Config) (*Client, error) {
	apiCfg := api.Config{Address: cfg.URL}
	if cfg.RoundTripper != nil {
		apiCfg.RoundTripper = cfg.RoundTripper
	}
	c, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("create prometheus client for %q: %w", cfg.URL, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		api:            v1.NewAPI(c),
		instanceLabel:  lo.CoalesceOrEmpty(cfg.InstanceLabel, DefaultInstanceLabel),
		exclude:        cfg.ExcludeInstances,
		receiveMetric:  lo.CoalesceOrEmpty(cfg.ReceiveMetric, DefaultReceiveMetric),
		transmitMetric: lo.CoalesceOrEmpty(cfg.TransmitMetric, DefaultTransmitMetric),
		timeout:        cfg.Timeout,
		logger:         logger,
	}, nil
}

// ListInstances returns the known instance label values, sorted, without excluded ones.
func (c *Client) ListInstances(ctx context.Context) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	values, warnings, err := c.api.LabelValues(ctx, c.instanceLabel, nil, time.Time{}, time.Time{})
	observe("label_values", start, err)
	if err != nil {
		return nil, wrapError("list instances", err)
	}
	c.logWarnings("label_values", warnings)

	names := lo.Map(values, func(v model.LabelValue, _ int) string { return string(v) })
	names = lo.Uniq(lo.Without(names, c.exclude...))
	slices.Sort(names)
	return names, nil
}

// CounterIncrease returns the summed receive and transmit increase for the
// instance over the last windowSeconds. ok is false when the backend has no
// data for the instance in that window.
func (c *Client) CounterIncrease(ctx context.Context, instance string, windowSeconds int64) (float64, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	query := c.increaseQuery(instance, windowSeconds)

	start := time.Now()
	val, warnings, err := c.api.Query(ctx, query, time.Time{})
	observe("query", start, err)
	if err != nil {
		return 0, false, wrapError(fmt.Sprintf("query increase for %q", instance), err)
	}
	c.logWarnings("query", warnings)

	var value float64
	switch v := val.(type) {
	case model.Vector:
		if len(v) == 0 {
			return 0, false, nil
		}
		value = float64(v[0].Value)
	case *model.Scalar:
		value = float64(v.Value)
	default:
		return 0, false, fmt.Errorf("query increase for %q: unexpected result type %s: %w",
			instance, val.Type(), domain.ErrBackendUnavailable)
	}

	// NaN and Inf cannot be reported as byte counts, nor encoded as JSON.
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false, fmt.Errorf("query increase for %q: non-finite result %v: %w",
			instance, value, domain.ErrBackendUnavailable)
	}
	return value, true, nil
}

// Ping checks that the backend answers API requests.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	_, err := c.api.Buildinfo(ctx)
	observe("buildinfo", start, err)
	if err != nil {
		return wrapError("buildinfo", err)
	}
	return nil
}

// increaseQuery builds the PromQL expression. PromQL rejects zero-length
// ranges, so windows shorter than a second are widened to one second.
func (c *Client) increaseQuery(instance string, windowSeconds int64) string {
	window := max(windowSeconds, 1)
	selector := fmt.Sprintf("{%s=%s}[%ds]", c.instanceLabel, strconv.Quote(instance), window)
	return fmt.Sprintf("sum(increase(%s%s) + increase(%s%s))",
		c.receiveMetric, selector, c.transmitMetric, selector)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) logWarnings(op string, warnings v1.Warnings) {
	if len(warnings) > 0 {
		c.logger.Warn("prometheus returned warnings",
			zap.String("op", op),
			zap.Strings("warnings", warnings),
		)
	}
}

func observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.BackendRequestsTotal.WithLabelValues(op, status).Inc()
	metrics.BackendRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// wrapError marks every backend failure with domain.ErrBackendUnavailable for 502 mapping.
func wrapError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, err, domain.ErrBackendUnavailable)
}
