package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the process-wide configuration for the orchestration core.
// A subset of fields can be set from the environment via LoadFromEnv (see
// there for the variables read); any field can be overridden with
// functional options passed to NewConfig. There is no file-based or
// Kubernetes-aware configuration layer here: the core is a library, and the
// HTTP/RPC surface that would own that concern is out of scope.
type Config struct {
	ServiceName string
	Namespace   string

	Redis       RedisConfig
	AI          AIConfig
	Telemetry   TelemetryConfig
	Resilience  ResilienceConfig
	Logging     LoggingConfig
	Workflow    WorkflowConfig
}

// RedisConfig configures the Redis-backed checkpoint/instance/cache stores.
type RedisConfig struct {
	URL      string
	DB       int
	Prefix   string
}

// AIConfig configures the pluggable LLM client used by the Judgment Core.
type AIConfig struct {
	Provider string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled        bool
	OTLPEndpoint   string
	ServiceVersion string
}

// ResilienceConfig configures default circuit-breaker and retry behavior
// shared by the Tool Hub and node-level retry policies.
type ResilienceConfig struct {
	ErrorThreshold   float64
	VolumeThreshold  int
	SleepWindow      time.Duration
	HalfOpenRequests int
	MaxRetries       int
}

// CircuitBreakerConfig holds the basic settings a circuit breaker
// implementation is built from (see CircuitBreakerParams).
type CircuitBreakerConfig struct {
	Enabled          bool
	Threshold        int
	Timeout          time.Duration
	HalfOpenRequests int
}

// LoggingConfig configures the ProductionLogger.
type LoggingConfig struct {
	Level  string
	Format string // "json" or "text"
	Output string // "stdout" or "stderr"
}

// WorkflowConfig configures the engine's admission and timeout defaults.
type WorkflowConfig struct {
	MaxConcurrentInstances int
	DefaultInstanceTimeout time.Duration
	CheckpointTTL          time.Duration
}

// Option mutates a Config during construction.
type Option func(*Config) error

// DefaultConfig returns production-reasonable defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "forgefloor",
		Namespace:   "default",
		Redis: RedisConfig{
			URL:    "redis://localhost:6379",
			DB:     0,
			Prefix: "forgefloor",
		},
		AI: AIConfig{
			Provider: "anthropic",
			Timeout:  30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
		},
		Resilience: ResilienceConfig{
			ErrorThreshold:   0.5,
			VolumeThreshold:  10,
			SleepWindow:      60 * time.Second,
			HalfOpenRequests: 1,
			MaxRetries:       2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Workflow: WorkflowConfig{
			MaxConcurrentInstances: 100,
			DefaultInstanceTimeout: 15 * time.Minute,
			CheckpointTTL:          24 * time.Hour,
		},
	}
}

// NewConfig builds a Config from defaults, the environment, then options,
// in that order, so explicit options always win.
func NewConfig(opts ...Option) (*Config, error) {
	c := DefaultConfig()
	if err := c.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("loading config from environment: %w", err)
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("applying config option: %w", err)
		}
	}
	return c, nil
}

// LoadFromEnv overlays environment variables onto the Config.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("FORGEFLOOR_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("FORGEFLOOR_NAMESPACE"); v != "" {
		c.Namespace = v
	}
	if v := os.Getenv("FORGEFLOOR_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("FORGEFLOOR_REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FORGEFLOOR_REDIS_DB: %w", err)
		}
		c.Redis.DB = n
	}
	if v := os.Getenv("FORGEFLOOR_AI_PROVIDER"); v != "" {
		c.AI.Provider = v
	}
	if v := os.Getenv("FORGEFLOOR_AI_API_KEY"); v != "" {
		c.AI.APIKey = v
	}
	if v := os.Getenv("FORGEFLOOR_AI_MODEL"); v != "" {
		c.AI.Model = v
	}
	if v := os.Getenv("FORGEFLOOR_OTEL_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("FORGEFLOOR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FORGEFLOOR_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("FORGEFLOOR_MAX_CONCURRENT_INSTANCES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FORGEFLOOR_MAX_CONCURRENT_INSTANCES: %w", err)
		}
		c.Workflow.MaxConcurrentInstances = n
	}
	return nil
}

// Validate checks invariants that would otherwise surface as confusing
// failures deep inside the engine.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return &FrameworkError{Op: "Config.Validate", Kind: "config", Message: "service name is required"}
	}
	if c.Workflow.MaxConcurrentInstances <= 0 {
		return &FrameworkError{Op: "Config.Validate", Kind: "config", Message: "max concurrent instances must be positive"}
	}
	if c.Resilience.ErrorThreshold <= 0 || c.Resilience.ErrorThreshold > 1 {
		return &FrameworkError{Op: "Config.Validate", Kind: "config", Message: "error threshold must be in (0,1]"}
	}
	return nil
}

// WithServiceName sets the service name used in logs and traces.
func WithServiceName(name string) Option {
	return func(c *Config) error {
		c.ServiceName = name
		return nil
	}
}

// WithRedisURL sets the Redis connection URL for checkpoint/cache stores.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Redis.URL = url
		return nil
	}
}

// WithAI configures the LLM provider and credentials used by Judgment Core.
func WithAI(provider, apiKey, model string) Option {
	return func(c *Config) error {
		c.AI.Provider = provider
		c.AI.APIKey = apiKey
		c.AI.Model = model
		return nil
	}
}

// WithTelemetry enables OTLP export to the given collector endpoint.
func WithTelemetry(endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = true
		c.Telemetry.OTLPEndpoint = endpoint
		return nil
	}
}

// WithMaxConcurrentInstances caps §5's admission window.
func WithMaxConcurrentInstances(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("max concurrent instances must be positive, got %d", n)
		}
		c.Workflow.MaxConcurrentInstances = n
		return nil
	}
}

// WithLogLevel sets the minimum log level ("debug", "info", "warn", "error").
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// ============================================================================
// ProductionLogger - layered observability (structured log + optional metric)
// ============================================================================

// ProductionLogger provides layered observability for core operations: a
// structured log line, plus (once EnableMetrics is called by the telemetry
// package) a low-cardinality counter per log event.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	format      string
	output      io.Writer
	component   string

	metricsEnabled bool
}

// NewProductionLogger creates a logger from LoggingConfig.
func NewProductionLogger(logging LoggingConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}

	logger := &ProductionLogger{
		level:       strings.ToLower(logging.Level),
		debug:       strings.ToLower(logging.Level) == "debug",
		serviceName: serviceName,
		format:      logging.Format,
		output:      output,
	}
	trackLogger(logger)
	return logger
}

// EnableMetrics is called by the telemetry package to turn on the metrics
// layer once a MetricsRegistry has been registered.
func (p *ProductionLogger) EnableMetrics() {
	p.metricsEnabled = true
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, nil)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, ctx)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, nil)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, ctx)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, nil)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, ctx)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, nil)
	}
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, ctx)
	}
}

// WithComponent returns a Logger that tags every entry with a component
// name, satisfying ComponentAwareLogger.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.serviceName = p.serviceName + "/" + component
	clone.component = component
	return &clone
}

// GetComponent returns the component set by WithComponent ("" if none).
func (p *ProductionLogger) GetComponent() string {
	return p.component
}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context) {
	timestamp := time.Now().Format(time.RFC3339)

	if p.format == "json" {
		logEntry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"message":   msg,
		}
		if ctx != nil {
			if baggage := getContextBaggage(ctx); len(baggage) > 0 {
				for k, v := range baggage {
					logEntry["trace."+k] = v
				}
			}
		}
		for k, v := range fields {
			logEntry[k] = v
		}
		if data, err := json.Marshal(logEntry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
	} else {
		traceInfo := ""
		if ctx != nil {
			if baggage := getContextBaggage(ctx); baggage["trace_id"] != "" {
				traceInfo = fmt.Sprintf("[trace=%s] ", baggage["trace_id"])
			}
		}
		var fieldStr strings.Builder
		for k, v := range fields {
			fieldStr.WriteString(fmt.Sprintf(" %s=%v", k, v))
		}
		fmt.Fprintf(p.output, "%s [%s] [%s] %s%s%s\n",
			timestamp, level, p.serviceName, traceInfo, msg, fieldStr.String())
	}

	if p.metricsEnabled {
		p.emitFrameworkMetric(level, fields, ctx)
	}
}

func (p *ProductionLogger) emitFrameworkMetric(level string, fields map[string]interface{}, ctx context.Context) {
	labels := []string{"level", level, "service", p.serviceName}
	for k, v := range fields {
		switch k {
		case "operation", "state", "node_type", "error_kind", "method":
			labels = append(labels, k, fmt.Sprintf("%v", v))
		}
	}
	if ctx != nil {
		emitMetricWithContext(ctx, "forgefloor.core.log_events", 1.0, labels...)
	} else {
		emitMetric("forgefloor.core.log_events", 1.0, labels...)
	}
}

func emitMetric(name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.Counter(name, labels...)
	}
}

func emitMetricWithContext(ctx context.Context, name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.EmitWithContext(ctx, name, value, labels...)
	}
}

func getContextBaggage(ctx context.Context) map[string]string {
	if globalMetricsRegistry != nil {
		return globalMetricsRegistry.GetBaggage(ctx)
	}
	return make(map[string]string)
}
