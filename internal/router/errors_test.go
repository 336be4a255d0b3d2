package router

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindStatus(t *testing.T) {
	tests := []struct {
		err  *Error
		want int
		kind string
	}{
		{Validation("invalid_request", "x"), http.StatusBadRequest, "validation"},
		{NotFound("not_found", "x"), http.StatusNotFound, "not_found"},
		{Conflict("conflict", "x"), http.StatusConflict, "conflict"},
		{Upstream("x", nil), http.StatusBadGateway, "upstream"},
		{Internal(nil), http.StatusInternalServerError, "internal"},
		{NewError(KindValidation, "c", "d", 0), http.StatusBadRequest, "validation"},
		{NewError(KindInternal, "server_error", "OAuth client credentials not configured", 0), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.err.Code, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Status)
			assert.Equal(t, tt.kind, tt.err.Kind.String())
		})
	}
}

func TestAsError(t *testing.T) {
	cause := errors.New("boom")

	wrapped := fmt.Errorf("context: %w", Validation("invalid_request", "bad"))
	assert.Equal(t, KindValidation, AsError(wrapped).Kind)

	plain := AsError(cause)
	assert.Equal(t, KindInternal, plain.Kind)
	assert.ErrorIs(t, plain, cause)
	assert.Equal(t, GenericErrorDescription, plain.Description)
}

func TestError_Message(t *testing.T) {
	assert.Equal(t, "invalid_request: bad", Validation("invalid_request", "bad").Error())
	assert.Equal(t, "upstream_error: failed: eof",
		Upstream("failed", errors.New("eof")).Error())
}
