package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrOperation = "operation"
	attrProvider  = "provider"
	attrResult    = "result"
	attrTool      = "tool"
	attrSession   = "session"
	attrState     = "state"
)

// OAuth flow states recorded by RecordOAuthTransition.
const (
	OAuthStatePending   = "pending"
	OAuthStateExchanged = "exchanged"
	OAuthStateRetrieved = "retrieved"
	OAuthStateFailed    = "failed"
	OAuthStateExpired   = "expired"
)

// Session resolution results recorded by RecordSessionResolution.
const (
	SessionResultCreated     = "created"
	SessionResultResumed     = "resumed"
	SessionResultNotFound    = "not_found"
	SessionResultRateLimited = "rate_limited"
	SessionResultClosed      = "closed"
)

// Metrics provides methods for recording observability metrics.
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	// Session registry metrics
	activeSessions     metric.Int64UpDownCounter
	sessionResolutions metric.Int64Counter

	// OAuth metrics
	oauthTransitionsTotal metric.Int64Counter
	upstreamCallsTotal    metric.Int64Counter
	upstreamCallDuration  metric.Float64Histogram

	// Record store metrics
	storeSweepsTotal   metric.Int64Counter
	storeSweptRecords  metric.Int64Counter
	storeSweepDuration metric.Float64Histogram

	// MCP Tool metrics
	toolInvocationsTotal metric.Int64Counter
	toolDuration         metric.Float64Histogram

	// detailedLabels controls whether high-cardinality labels are included
	detailedLabels bool
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The detailedLabels parameter controls whether high-cardinality labels are included.
func NewMetrics(meter metric.Meter, detailedLabels bool) (*Metrics, error) {
	m := &Metrics{
		detailedLabels: detailedLabels,
	}

	var err error

	// HTTP Metrics
	m.httpRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	m.httpRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_request_duration_seconds histogram: %w", err)
	}

	// Session Metrics
	m.activeSessions, err = meter.Int64UpDownCounter(
		"active_sessions",
		metric.WithDescription("Number of live protocol sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active_sessions gauge: %w", err)
	}

	m.sessionResolutions, err = meter.Int64Counter(
		"session_resolutions_total",
		metric.WithDescription("Total number of session resolutions by result"),
		metric.WithUnit("{resolution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session_resolutions_total counter: %w", err)
	}

	// OAuth Metrics
	m.oauthTransitionsTotal, err = meter.Int64Counter(
		"oauth_transitions_total",
		metric.WithDescription("Total number of OAuth flow state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth_transitions_total counter: %w", err)
	}

	m.upstreamCallsTotal, err = meter.Int64Counter(
		"oauth_upstream_calls_total",
		metric.WithDescription("Total number of calls to the upstream identity provider"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth_upstream_calls_total counter: %w", err)
	}

	m.upstreamCallDuration, err = meter.Float64Histogram(
		"oauth_upstream_call_duration_seconds",
		metric.WithDescription("Upstream identity provider call duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth_upstream_call_duration_seconds histogram: %w", err)
	}

	// Store Metrics
	m.storeSweepsTotal, err = meter.Int64Counter(
		"store_sweeps_total",
		metric.WithDescription("Total number of record store sweeps"),
		metric.WithUnit("{sweep}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store_sweeps_total counter: %w", err)
	}

	m.storeSweptRecords, err = meter.Int64Counter(
		"store_swept_records_total",
		metric.WithDescription("Total number of records evicted by sweeps"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store_swept_records_total counter: %w", err)
	}

	m.storeSweepDuration, err = meter.Float64Histogram(
		"store_sweep_duration_seconds",
		metric.WithDescription("Record store sweep duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1.0, 5.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store_sweep_duration_seconds histogram: %w", err)
	}

	// MCP Tool Metrics
	m.toolInvocationsTotal, err = meter.Int64Counter(
		"mcp_tool_invocations_total",
		metric.WithDescription("Total number of MCP tool invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mcp_tool_invocations_total counter: %w", err)
	}

	m.toolDuration, err = meter.Float64Histogram(
		"mcp_tool_duration_seconds",
		metric.WithDescription("MCP tool execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mcp_tool_duration_seconds histogram: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with method, path, status code, and duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.httpRequestsTotal == nil || m.httpRequestDuration == nil {
		return // Instrumentation not initialized
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrMethod, method),
		attribute.String(attrPath, path),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	}

	m.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.httpRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordSessionResolution records the outcome of resolving a session id.
// Created and closed results also move the active sessions gauge.
func (m *Metrics) RecordSessionResolution(ctx context.Context, result string) {
	if m == nil || m.sessionResolutions == nil {
		return
	}

	m.sessionResolutions.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, result)))

	switch result {
	case SessionResultCreated:
		m.IncrementActiveSessions(ctx)
	case SessionResultClosed:
		m.DecrementActiveSessions(ctx)
	}
}

// IncrementActiveSessions increments the active sessions counter.
func (m *Metrics) IncrementActiveSessions(ctx context.Context) {
	if m == nil || m.activeSessions == nil {
		return
	}
	m.activeSessions.Add(ctx, 1)
}

// DecrementActiveSessions decrements the active sessions counter.
func (m *Metrics) DecrementActiveSessions(ctx context.Context) {
	if m == nil || m.activeSessions == nil {
		return
	}
	m.activeSessions.Add(ctx, -1)
}

// AddActiveSessions adjusts the active sessions counter by delta, e.g. after
// loading persisted sessions at startup or after a sweep.
func (m *Metrics) AddActiveSessions(ctx context.Context, delta int64) {
	if m == nil || m.activeSessions == nil || delta == 0 {
		return
	}
	m.activeSessions.Add(ctx, delta)
}

// RecordOAuthTransition records an OAuth flow entering a state
// (one of the OAuthState* constants).
func (m *Metrics) RecordOAuthTransition(ctx context.Context, provider, state string) {
	if m == nil || m.oauthTransitionsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrProvider, provider),
		attribute.String(attrState, state),
	}
	m.oauthTransitionsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordUpstreamCall records a call to the identity provider.
//
// Parameters:
//   - provider: configured provider name (google, github, microsoft, generic-oauth)
//   - operation: exchange, userinfo or discovery
//   - status: "success" or "error"
//   - duration: time taken for the call
func (m *Metrics) RecordUpstreamCall(ctx context.Context, provider, operation, status string, duration time.Duration) {
	if m == nil || m.upstreamCallsTotal == nil || m.upstreamCallDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrProvider, provider),
		attribute.String(attrOperation, operation),
		attribute.String(attrStatus, status),
	}

	m.upstreamCallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.upstreamCallDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordStoreSweep records one sweep of the record store.
func (m *Metrics) RecordStoreSweep(ctx context.Context, removed int, status string, duration time.Duration) {
	if m == nil || m.storeSweepsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String(attrStatus, status))
	m.storeSweepsTotal.Add(ctx, 1, attrs)
	m.storeSweepDuration.Record(ctx, duration.Seconds(), attrs)
	if removed > 0 {
		m.storeSweptRecords.Add(ctx, int64(removed))
	}
}

// RecordToolInvocation records an MCP tool invocation with tool name, status, and duration.
func (m *Metrics) RecordToolInvocation(ctx context.Context, toolName, status string, duration time.Duration) {
	m.RecordToolInvocationWithSession(ctx, toolName, status, "", duration)
}

// RecordToolInvocationWithSession records an MCP tool invocation. The hashed
// session id is only attached when detailed labels are enabled.
func (m *Metrics) RecordToolInvocationWithSession(ctx context.Context, toolName, status, sessionHash string, duration time.Duration) {
	if m == nil || m.toolInvocationsTotal == nil || m.toolDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrTool, toolName),
		attribute.String(attrStatus, status),
	}

	// Only add high-cardinality labels if explicitly enabled
	if m.detailedLabels && sessionHash != "" {
		attrs = append(attrs, attribute.String(attrSession, sessionHash))
	}

	m.toolInvocationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}
