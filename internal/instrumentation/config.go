package instrumentation

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration for OpenTelemetry instrumentation.
type Config struct {
	// ServiceName is the name of the service (default: obsidian-mcp)
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// ServiceInstanceID is the unique instance identifier (default: hostname)
	// In Kubernetes, this is typically the pod name
	ServiceInstanceID string

	// K8sNamespace is the Kubernetes namespace where the service is running
	K8sNamespace string

	// K8sPodName is the Kubernetes pod name
	K8sPodName string

	// Enabled determines if instrumentation is active (default: true)
	// Set to false via INSTRUMENTATION_ENABLED=false to disable metrics and tracing
	Enabled bool

	// MetricsExporter specifies the metrics exporter type
	// Options: "prometheus", "otlp", "stdout" (default: "prometheus")
	MetricsExporter string

	// TracingExporter specifies the tracing exporter type
	// Options: "otlp", "stdout", "none" (default: "none")
	TracingExporter string

	// OTLPEndpoint is the OTLP collector endpoint
	// Example: "localhost:4318" (without protocol prefix)
	OTLPEndpoint string

	// OTLPInsecure controls whether to use insecure HTTP for OTLP export
	// When false (default), uses TLS for secure transport
	// Set to true only for local development or testing with unencrypted endpoints
	// WARNING: Never use insecure transport in production - traces may contain
	// sensitive metadata and should be encrypted in transit
	OTLPInsecure bool

	// TraceSamplingRate is the sampling rate for traces (0.0 to 1.0, default: 0.1)
	TraceSamplingRate float64

	// PrometheusEndpoint is the path for the Prometheus metrics endpoint (default: "/metrics")
	PrometheusEndpoint string

	// DetailedLabels controls whether high-cardinality labels are included.
	// When false (default), only essential labels are included.
	// When true, hashed session ids are added to tool metrics.
	// For production, keep detailedLabels disabled to avoid cardinality explosion.
	DetailedLabels bool

	// MetricInterval is how often push exporters (otlp, stdout) flush
	// (default: DefaultMetricInterval)
	MetricInterval time.Duration

	// Transport is the MCP transport the server was started with
	// ("stdio" or "streamable-http"). Recorded as a resource attribute.
	Transport string

	// AuditLogging configures audit logging behavior.
	AuditLogging AuditLoggingConfig
}

// AuditLoggingConfig holds configuration for audit logging.
type AuditLoggingConfig struct {
	// Enabled determines if audit logging is active (default: true)
	// Audit logs identify the caller's session and should be routed to secure storage.
	Enabled bool

	// IncludePII controls whether to include vault paths and raw session ids in audit logs.
	// When false (default), session ids are hashed and paths are omitted.
	// SECURITY: Ensure audit logs are stored securely with appropriate access controls.
	IncludePII bool

	// LogLevel sets the slog level for audit log messages (default: INFO).
	// Options: "debug", "info", "warn", "error"
	// Note: Audit events are always logged regardless of this level.
	LogLevel string
}

// DefaultConfig returns a Config read from the process environment.
func DefaultConfig() Config {
	return ConfigFromEnv(os.Getenv)
}

// ConfigFromEnv returns a Config with defaults for every variable getenv
// does not provide. Unparseable booleans and floats fall back to the default.
func ConfigFromEnv(getenv func(string) string) Config {
	env := envReader(getenv)
	return Config{
		ServiceName:        env.string("OTEL_SERVICE_NAME", "obsidian-mcp"),
		ServiceVersion:     "unknown",
		ServiceInstanceID:  env.string("OTEL_SERVICE_INSTANCE_ID", ""),
		K8sNamespace:       env.string("K8S_NAMESPACE", env.string("POD_NAMESPACE", "")),
		K8sPodName:         env.string("K8S_POD_NAME", env.string("HOSTNAME", "")),
		Enabled:            env.bool("INSTRUMENTATION_ENABLED", true),
		MetricsExporter:    env.string("METRICS_EXPORTER", ExporterPrometheus),
		TracingExporter:    env.string("TRACING_EXPORTER", ExporterNone),
		OTLPEndpoint:       env.string("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTLPInsecure:       env.bool("OTEL_EXPORTER_OTLP_INSECURE", false),
		TraceSamplingRate:  env.float("OTEL_TRACES_SAMPLER_ARG", 0.1),
		PrometheusEndpoint: env.string("PROMETHEUS_ENDPOINT", "/metrics"),
		DetailedLabels:     env.bool("METRICS_DETAILED_LABELS", false),
		MetricInterval:     env.duration("METRICS_EXPORT_INTERVAL", DefaultMetricInterval),
		AuditLogging: AuditLoggingConfig{
			Enabled:    env.bool("AUDIT_LOGGING_ENABLED", true),
			IncludePII: env.bool("AUDIT_LOGGING_INCLUDE_PII", false),
			LogLevel:   env.string("AUDIT_LOGGING_LEVEL", "info"),
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.TraceSamplingRate < 0 || c.TraceSamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0.0 and 1.0, got %f", c.TraceSamplingRate)
	}

	switch c.MetricsExporter {
	case "", ExporterPrometheus, ExporterOTLP, ExporterStdout:
	default:
		return fmt.Errorf("invalid metrics exporter %q, must be one of: prometheus, otlp, stdout", c.MetricsExporter)
	}

	switch c.TracingExporter {
	case "", ExporterOTLP, ExporterStdout, ExporterNone:
	default:
		return fmt.Errorf("invalid tracing exporter %q, must be one of: otlp, stdout, none", c.TracingExporter)
	}

	if c.OTLPEndpoint == "" && (c.TracingExporter == ExporterOTLP || c.MetricsExporter == ExporterOTLP) {
		return fmt.Errorf("OTLP endpoint is required when using OTLP exporters")
	}

	return nil
}

// envReader reads typed values with defaults.
type envReader func(string) string

func (e envReader) string(key, def string) string {
	if value := strings.TrimSpace(e(key)); value != "" {
		return value
	}
	return def
}

func (e envReader) bool(key string, def bool) bool {
	parsed, err := strconv.ParseBool(e.string(key, strconv.FormatBool(def)))
	if err != nil {
		return def
	}
	return parsed
}

func (e envReader) float(key string, def float64) float64 {
	value := e.string(key, "")
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func (e envReader) duration(key string, def time.Duration) time.Duration {
	value := e.string(key, "")
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

// Constants for metric label values.
const (
	// Status values
	StatusSuccess = "success"
	StatusError   = "error"

	// Upstream identity provider operations
	UpstreamExchange = "exchange"
	UpstreamUserInfo = "userinfo"

	// Exporter types
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterNone       = "none"

	// Metric recording intervals
	DefaultMetricInterval = 10 * time.Second
)
