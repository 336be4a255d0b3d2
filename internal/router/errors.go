package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error for the client-facing response.
type Kind int

const (
	// KindInternal is an unexpected failure. The client sees a generic message.
	KindInternal Kind = iota
	// KindValidation is a malformed or incomplete request.
	KindValidation
	// KindNotFound is an unknown session, OAuth state or file.
	KindNotFound
	// KindUpstream is a failed call to the identity provider.
	KindUpstream
	// KindConflict is a request that clashes with existing state.
	KindConflict
)

// String returns the kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUpstream:
		return "upstream"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// GenericErrorDescription is what clients see for internal failures.
const GenericErrorDescription = "Internal server error"

// Error is a client-facing error with a machine-readable reason code.
type Error struct {
	Kind        Kind
	Code        string // reason code, e.g. "invalid_request"
	Description string // human-readable text safe to return to the client
	Status      int    // HTTP status
	Err         error  // cause, logged but never rendered
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an error. A zero status is derived from the kind.
func NewError(kind Kind, code, description string, status int) *Error {
	if status == 0 {
		status = statusForKind(kind)
	}
	return &Error{Kind: kind, Code: code, Description: description, Status: status}
}

// Wrap attaches a cause to the error and returns it.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// Validation reports a malformed request (400).
func Validation(code, description string) *Error {
	return NewError(KindValidation, code, description, http.StatusBadRequest)
}

// NotFound reports an unknown resource (404).
func NotFound(code, description string) *Error {
	return NewError(KindNotFound, code, description, http.StatusNotFound)
}

// Conflict reports a clash with existing state (409).
func Conflict(code, description string) *Error {
	return NewError(KindConflict, code, description, http.StatusConflict)
}

// Upstream reports a failed provider call (502). The cause is logged only.
func Upstream(description string, err error) *Error {
	return NewError(KindUpstream, "upstream_error", description, http.StatusBadGateway).Wrap(err)
}

// Internal reports an unexpected failure (500). The cause is logged only.
func Internal(err error) *Error {
	return NewError(KindInternal, "server_error", GenericErrorDescription, http.StatusInternalServerError).Wrap(err)
}

func statusForKind(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstream:
		return http.StatusBadGateway
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// AsError converts any error into an *Error. Errors that are not already
// classified become internal errors.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// ErrorResponse is the uniform JSON error envelope.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// MethodNotAllowedResponse is the body of a 405 response.
type MethodNotAllowedResponse struct {
	Error          string `json:"error"`
	AllowedMethods string `json:"allowed_methods"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError renders err as the JSON error envelope.
func WriteError(w http.ResponseWriter, err error) {
	e := AsError(err)
	WriteJSON(w, e.Status, ErrorResponse{
		Error:            e.Code,
		ErrorDescription: e.Description,
	})
}

// WriteMethodNotAllowed writes a 405 naming the allowed methods.
func WriteMethodNotAllowed(w http.ResponseWriter, allowed []string) {
	list := strings.Join(allowed, ", ")
	w.Header().Set("Allow", list)
	WriteJSON(w, http.StatusMethodNotAllowed, MethodNotAllowedResponse{
		Error:          "Method not allowed",
		AllowedMethods: list,
	})
}
