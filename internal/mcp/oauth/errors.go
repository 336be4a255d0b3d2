package oauth

import (
	"net/http"

	"github.com/teemow/obsidian-mcp/internal/router"
)

// OAuth reason codes rendered in the "error" field.
const (
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidClient           = "invalid_client"
	CodeInvalidToken            = "invalid_token"
	CodeUnsupportedResponseType = "unsupported_response_type"
	CodeServerError             = "server_error"
	CodeNotFound                = "not_found"
)

// Reason-code constructors for client-facing OAuth errors.
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *router.Error {
		return router.Validation(CodeInvalidRequest, desc)
	}

	// ErrInvalidClient indicates the client_id does not match the configured client
	ErrInvalidClient = func(desc string) *router.Error {
		return router.NewError(router.KindValidation, CodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrUnsupportedResponseType indicates a response_type other than "code"
	ErrUnsupportedResponseType = func(desc string) *router.Error {
		return router.Validation(CodeUnsupportedResponseType, desc)
	}

	// ErrInvalidToken indicates the bearer token is missing or rejected upstream
	ErrInvalidToken = func(desc string) *router.Error {
		return router.NewError(router.KindValidation, CodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrStateConflict indicates a client-supplied state is already in use
	ErrStateConflict = func(desc string) *router.Error {
		return router.Conflict(CodeInvalidRequest, desc)
	}

	// ErrTokenNotFound indicates no retrievable token exists for a state
	ErrTokenNotFound = func() *router.Error {
		return router.NotFound(CodeNotFound, "Token not found or expired")
	}

	// ErrProvider carries an error the identity provider reported on the callback
	ErrProvider = func(code, desc string) *router.Error {
		return router.Validation(code, desc)
	}

	// ErrServerError indicates a server-side configuration problem whose
	// description is safe to show
	ErrServerError = func(desc string) *router.Error {
		return router.NewError(router.KindInternal, CodeServerError, desc, http.StatusInternalServerError)
	}
)

// ErrCredentialsNotConfigured is returned by client registration when no
// client credentials are configured.
func ErrCredentialsNotConfigured() *router.Error {
	return ErrServerError("OAuth client credentials not configured")
}
