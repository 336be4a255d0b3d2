package oauth

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/teemow/obsidian-mcp/internal/logging"
)

// AuditEventType represents the type of audit event
type AuditEventType string

const (
	// Flow events
	AuditEventAuthorizationStarted AuditEventType = "authorization_started"
	AuditEventTokenIssued          AuditEventType = "token_issued"
	AuditEventTokenRetrieved       AuditEventType = "token_retrieved"
	AuditEventAuthFailure          AuditEventType = "auth_failure"
	AuditEventExpiredToken         AuditEventType = "expired_token"

	// Client events
	AuditEventClientRegistered AuditEventType = "client_registered"
	AuditEventInvalidClient    AuditEventType = "invalid_client"

	// Security events
	AuditEventInvalidToken  AuditEventType = "invalid_token"
	AuditEventStateConflict AuditEventType = "state_conflict"
)

// AuditEvent represents a security audit event
type AuditEvent struct {
	// Timestamp when the event occurred
	Timestamp time.Time

	// EventType is the type of audit event
	EventType AuditEventType

	// StateHash identifies the flow without exposing the state value
	StateHash string

	// UserHash is the anonymized user email, when known
	UserHash string

	// ClientID is the client identifier
	ClientID string

	// IPAddress is the source IP address (for security monitoring)
	IPAddress string

	// Success indicates if the operation succeeded
	Success bool

	// ErrorMessage contains error details if Success is false
	ErrorMessage string

	// Metadata contains additional context-specific data
	Metadata map[string]string
}

// AuditLogger writes OAuth security events. State values and emails are
// hashed before logging.
type AuditLogger struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		logger: logger,
		now:    time.Now,
	}
}

// LogEvent logs an audit event with structured logging
func (a *AuditLogger) LogEvent(event AuditEvent) {
	if a == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now()
	}

	level := slog.LevelInfo
	if !event.Success {
		level = slog.LevelWarn
	}

	// Security events are always warnings
	switch event.EventType {
	case AuditEventAuthFailure, AuditEventInvalidToken, AuditEventInvalidClient, AuditEventStateConflict:
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("event_type", string(event.EventType)),
		slog.Time("timestamp", event.Timestamp),
		slog.Bool("success", event.Success),
	}
	if event.StateHash != "" {
		attrs = append(attrs, slog.String(logging.KeyState, event.StateHash))
	}
	if event.UserHash != "" {
		attrs = append(attrs, slog.String(logging.KeyUserHash, event.UserHash))
	}
	if event.ClientID != "" {
		attrs = append(attrs, slog.String("client_id", event.ClientID))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.ErrorMessage != "" {
		attrs = append(attrs, slog.String("error", event.ErrorMessage))
	}
	for key, value := range event.Metadata {
		attrs = append(attrs, slog.String("meta_"+key, value))
	}

	a.logger.LogAttrs(context.Background(), level, "audit_event", attrs...)
}

// LogAuthorizationStarted logs a new pending authorization request.
func (a *AuditLogger) LogAuthorizationStarted(state, clientID, ipAddress string) {
	a.LogEvent(AuditEvent{
		EventType: AuditEventAuthorizationStarted,
		StateHash: logging.HashValue(state),
		ClientID:  clientID,
		IPAddress: ipAddress,
		Success:   true,
	})
}

// LogTokenIssued logs a successful code exchange.
func (a *AuditLogger) LogTokenIssued(state, userEmail, clientID, scope string) {
	a.LogEvent(AuditEvent{
		EventType: AuditEventTokenIssued,
		StateHash: logging.HashValue(state),
		UserHash:  logging.AnonymizeEmail(userEmail),
		ClientID:  clientID,
		Success:   true,
		Metadata: map[string]string{
			"scope": scope,
		},
	})
}

// LogTokenRetrieved logs the one-time delivery of a token.
func (a *AuditLogger) LogTokenRetrieved(state, ipAddress string) {
	a.LogEvent(AuditEvent{
		EventType: AuditEventTokenRetrieved,
		StateHash: logging.HashValue(state),
		IPAddress: ipAddress,
		Success:   true,
	})
}

// LogExpiredToken logs a token discarded on retrieval because its lifetime ended.
func (a *AuditLogger) LogExpiredToken(state string) {
	a.LogEvent(AuditEvent{
		EventType:    AuditEventExpiredToken,
		StateHash:    logging.HashValue(state),
		Success:      false,
		ErrorMessage: "token expired before retrieval",
	})
}

// LogAuthFailure logs a failed flow.
func (a *AuditLogger) LogAuthFailure(state, clientID, reason string, silent bool) {
	a.LogEvent(AuditEvent{
		EventType:    AuditEventAuthFailure,
		StateHash:    logging.HashValue(state),
		ClientID:     clientID,
		Success:      false,
		ErrorMessage: reason,
		Metadata: map[string]string{
			"silent_auth": boolToString(silent),
		},
	})
}

// LogInvalidClient logs an authorization request for an unknown client.
func (a *AuditLogger) LogInvalidClient(clientID, ipAddress string) {
	a.LogEvent(AuditEvent{
		EventType:    AuditEventInvalidClient,
		ClientID:     clientID,
		IPAddress:    ipAddress,
		Success:      false,
		ErrorMessage: "client_id does not match the configured client",
	})
}

// LogStateConflict logs a client-supplied state that collides with a live record.
func (a *AuditLogger) LogStateConflict(state, clientID, ipAddress string) {
	a.LogEvent(AuditEvent{
		EventType:    AuditEventStateConflict,
		StateHash:    logging.HashValue(state),
		ClientID:     clientID,
		IPAddress:    ipAddress,
		Success:      false,
		ErrorMessage: "state already in use",
	})
}

// LogInvalidToken logs a bearer token the provider rejected.
func (a *AuditLogger) LogInvalidToken(ipAddress, reason string) {
	a.LogEvent(AuditEvent{
		EventType:    AuditEventInvalidToken,
		IPAddress:    ipAddress,
		Success:      false,
		ErrorMessage: reason,
	})
}

// LogClientRegistered logs a client registration response.
func (a *AuditLogger) LogClientRegistered(clientID, ipAddress string, redirectURIs int) {
	a.LogEvent(AuditEvent{
		EventType: AuditEventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Success:   true,
		Metadata: map[string]string{
			"redirect_uris": strconv.Itoa(redirectURIs),
		},
	})
}

func boolToString(b bool) string {
	return strconv.FormatBool(b)
}
