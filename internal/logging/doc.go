// Package logging provides structured logging utilities for obsidian-mcp.
//
// This package centralizes logging patterns to ensure consistent, structured logging
// throughout the codebase using the standard library's slog package.
//
// # Key Features
//
//   - Consistent attribute naming across the codebase
//   - Hashing of session ids and OAuth state values before they reach a log line
//   - PII sanitization (email anonymization, token masking)
//
// # Usage Patterns
//
// Create a logger with standard attributes:
//
//	logger := logging.WithComponent(slog.Default(), "store")
//	logger.Info("record swept", logging.Session(id))
//
// Sanitize sensitive data before logging:
//
//	logger.Info("token exchange completed",
//	    logging.State(state),
//	    logging.UserHash(email))
//
// # Security Considerations
//
//   - Session ids and OAuth states act as bearer credentials and are only logged as hashes
//   - User emails are hashed to prevent PII leakage while allowing correlation
//   - Tokens are never logged directly
package logging
