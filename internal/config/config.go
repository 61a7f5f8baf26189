package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/iszyzyzzy/traffic-middleware/internal/domain"
	"github.com/iszyzyzzy/traffic-middleware/internal/domain/quota"
	"github.com/iszyzyzzy/traffic-middleware/internal/domain/unit"
)

// LegacyConfigFile is the file read from the working directory when no
// environment config exists.
const LegacyConfigFile = "config.yml"

// Config holds the traffic-middleware configuration.
type Config struct {
	PrometheusURL string                 `yaml:"prometheus_url"`
	UnitType      string                 `yaml:"unit_type"` // decimal | binary
	Timezone      string                 `yaml:"timezone"`  // IANA name, "Local" (default) or "UTC"
	Limits        map[string]LimitConfig `yaml:"limits"`
	Prometheus    PrometheusConfig       `yaml:"prometheus"`
	HTTP          HTTPConfig             `yaml:"http"`
	Logging       LoggingConfig          `yaml:"logging"`
	Exporter      ExporterConfig         `yaml:"exporter"`
}

// LimitConfig is a per-instance quota as written in the config file.
type LimitConfig struct {
	ResetDay int    `yaml:"reset_day"`
	Limit    string `yaml:"limit"` // e.g. "1tb"
}

// PrometheusConfig holds metrics backend query settings.
type PrometheusConfig struct {
	InstanceLabel    string   `yaml:"instance_label"`
	ExcludeInstances []string `yaml:"exclude_instances"`
	ReceiveMetric    string   `yaml:"receive_metric"`
	TransmitMetric   string   `yaml:"transmit_metric"`
	TimeoutSec       int      `yaml:"timeout_sec"`
	Concurrency      int      `yaml:"concurrency"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// ExporterConfig holds the scheduled usage gauge exporter settings.
type ExporterConfig struct {
	Schedule   string `yaml:"schedule"`    // standard cron expression, empty disables
	TimeoutSec int    `yaml:"timeout_sec"` // bounds a whole collection run, across all instances
}

// Load reads configuration by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	return LoadFile(findConfigPath(env))
}

// LoadFile reads, defaults and validates the configuration at path.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML config data, applies defaults and validates it.
func Parse(data []byte) (Config, error) {
	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %w", domain.ErrInvalidConfig, err)
	}

	return cfg, nil
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.UnitType == "" {
		c.UnitType = string(unit.Decimal)
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	if c.Prometheus.InstanceLabel == "" {
		c.Prometheus.InstanceLabel = "instance"
	}
	// "Node Exporter" is the job name of Prometheus scraping its own node
	// exporter. It only matches when instance_label is "job"; under the
	// default "instance" label it never matches and filters nothing.
	if c.Prometheus.ExcludeInstances == nil {
		c.Prometheus.ExcludeInstances = []string{"Node Exporter"}
	}
	if c.Prometheus.ReceiveMetric == "" {
		c.Prometheus.ReceiveMetric = "node_network_receive_bytes_total"
	}
	if c.Prometheus.TransmitMetric == "" {
		c.Prometheus.TransmitMetric = "node_network_transmit_bytes_total"
	}
	if c.Prometheus.TimeoutSec <= 0 {
		c.Prometheus.TimeoutSec = 10
	}
	if c.Prometheus.Concurrency <= 0 {
		c.Prometheus.Concurrency = 8
	}
	if c.Exporter.TimeoutSec <= 0 {
		c.Exporter.TimeoutSec = 120
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8000
	}
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 30
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
}

var (
	labelNameRegex  = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	metricNameRegex = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)
)

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	u, err := url.Parse(c.PrometheusURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("prometheus_url must be an http(s) URL, got %q", c.PrometheusURL)
	}
	if _, err := unit.ParseConvention(c.UnitType); err != nil {
		return fmt.Errorf("unit_type: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.QuotaTable(); err != nil {
		return err
	}
	if !labelNameRegex.MatchString(c.Prometheus.InstanceLabel) {
		return fmt.Errorf("prometheus.instance_label %q is not a valid label name", c.Prometheus.InstanceLabel)
	}
	for _, m := range []string{c.Prometheus.ReceiveMetric, c.Prometheus.TransmitMetric} {
		if !metricNameRegex.MatchString(m) {
			return fmt.Errorf("prometheus metric %q is not a valid metric name", m)
		}
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.Exporter.Schedule != "" {
		if _, err := cron.ParseStandard(c.Exporter.Schedule); err != nil {
			return fmt.Errorf("exporter.schedule %q: %w", c.Exporter.Schedule, err)
		}
	}
	return nil
}

// Convention returns the unit convention quotas are written in.
// Call only on a validated Config.
func (c *Config) Convention() unit.Convention {
	conv, _ := unit.ParseConvention(c.UnitType)
	return conv
}

// Location returns the time zone reset days are interpreted in.
func (c *Config) Location() (*time.Location, error) {
	switch strings.TrimSpace(c.Timezone) {
	case "", "Local", "local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// QuotaTable parses every configured limit into bytes.
// Errors name the first offending instance in sorted order.
func (c *Config) QuotaTable() (*quota.Table, error) {
	conv, err := unit.ParseConvention(c.UnitType)
	if err != nil {
		return nil, fmt.Errorf("unit_type: %w", err)
	}

	names := make([]string, 0, len(c.Limits))
	for name := range c.Limits {
		names = append(names, name)
	}
	sort.Strings(names)

	limits := make(map[string]quota.Limit, len(c.Limits))
	for _, name := range names {
		lc := c.Limits[name]
		l, err := quota.Parse(lc.ResetDay, lc.Limit, conv)
		if err != nil {
			return nil, fmt.Errorf("limits.%s: %w", name, err)
		}
		limits[name] = l
	}
	return quota.NewTable(limits, conv), nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Single-file deployments keep config.yml next to the binary's working dir.
	if fileExists(LegacyConfigFile) {
		return LegacyConfigFile
	}

	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
