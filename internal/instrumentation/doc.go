// Package instrumentation provides OpenTelemetry instrumentation for the
// obsidian-mcp server.
//
// # Metrics
//
// Server/HTTP Metrics:
//   - http_requests_total: Counter of HTTP requests by method, route, and status
//   - http_request_duration_seconds: Histogram of HTTP request durations
//
// Session Metrics:
//   - active_sessions: Gauge of live protocol sessions
//   - session_resolutions_total: Counter of session resolutions by result
//     (created, resumed, not_found, rate_limited, closed)
//
// OAuth Metrics:
//   - oauth_transitions_total: Counter of flow transitions by provider and state
//   - oauth_upstream_calls_total: Counter of identity provider calls by operation and status
//   - oauth_upstream_call_duration_seconds: Histogram of identity provider call durations
//
// Record Store Metrics:
//   - store_sweeps_total: Counter of retention sweeps by status
//   - store_swept_records_total: Counter of records evicted by sweeps
//   - store_sweep_duration_seconds: Histogram of sweep durations
//
// MCP Tool Metrics:
//   - mcp_tool_invocations_total: Counter of MCP tool invocations by tool name and status
//   - mcp_tool_duration_seconds: Histogram of MCP tool execution durations
//
// # Tracing
//
// Spans are created for MCP tool invocations (tool.<name>) and for calls to
// the identity provider (oauth.<provider>.<operation>).
//
// # Configuration
//
//   - INSTRUMENTATION_ENABLED: Enable/disable instrumentation (default: true)
//   - METRICS_EXPORTER: prometheus, otlp or stdout (default: prometheus)
//   - METRICS_EXPORT_INTERVAL: push interval for otlp and stdout (default: 10s)
//   - TRACING_EXPORTER: otlp, stdout or none (default: none)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint for traces/metrics
//   - OTEL_TRACES_SAMPLER_ARG: Sampling rate (0.0 to 1.0, default: 0.1)
//   - OTEL_SERVICE_NAME: Service name (default: obsidian-mcp)
//   - AUDIT_LOGGING_ENABLED: Tool audit log, independent of metrics (default: true)
//
// # Example Usage
//
//	provider, err := instrumentation.NewProvider(ctx, instrumentation.DefaultConfig(),
//		instrumentation.WithProviderLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer provider.Shutdown(ctx)
//
//	recorder := provider.Metrics()
//	recorder.RecordHTTPRequest(ctx, "POST", "/mcp", 200, time.Since(start))
//	recorder.RecordOAuthTransition(ctx, "google", instrumentation.OAuthStateExchanged)
package instrumentation
