package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/obsidian-mcp/internal/instrumentation"
	"github.com/teemow/obsidian-mcp/internal/logging"
	"github.com/teemow/obsidian-mcp/internal/router"
)

// HeaderSessionID carries the session identifier on protocol requests.
const HeaderSessionID = mcpserver.HeaderKeySessionID

// JSON-RPC error codes written by the middleware.
const (
	codeSessionNotFound = -32001
	codeRateLimited     = -32029
)

// maxPeekBytes bounds how much of a POST body is buffered to detect an
// initialize request.
const maxPeekBytes = 1 << 20

type rpcError struct {
	JSONRPC string       `json:"jsonrpc"`
	ID      interface{}  `json:"id"`
	Error   rpcErrorBody `json:"error"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Middleware resolves the session for every protocol request before handing
// it to next.
//
//   - A known id is refreshed and the request passes through.
//   - An unknown id gets 404 with a JSON-RPC "Session not found" error.
//   - A request without an id creates a session, subject to limiter. The new
//     id is set on the request and echoed in the response header. Initialize
//     requests are left to the transport, which creates the session through
//     Generate.
func (r *Registry) Middleware(limiter *CreationLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := req.Context()
			id := req.Header.Get(HeaderSessionID)

			if id != "" {
				_, err := r.Resolve(ctx, id)
				if errors.Is(err, ErrSessionNotFound) {
					r.logger.Debug("Rejected unknown session", logging.Session(id))
					writeRPCError(w, http.StatusNotFound, codeSessionNotFound, "Session not found")
					return
				}
				if err != nil {
					r.logger.Error("Session resolution failed", logging.Session(id), logging.Err(err))
					router.WriteError(w, router.Internal(err))
					return
				}
				next.ServeHTTP(w, req)
				return
			}

			if req.Method == http.MethodDelete {
				next.ServeHTTP(w, req)
				return
			}

			if ok, delay := limiter.Allow(ClientIP(req)); !ok {
				r.metrics.RecordSessionResolution(ctx, instrumentation.SessionResultRateLimited)
				r.logger.Warn("Session creation rate limited",
					slog.String("client", ClientIP(req)),
					slog.Duration("retry_after", delay))
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(delay)))
				writeRPCError(w, http.StatusTooManyRequests, codeRateLimited, "Too many sessions created. Please slow down.")
				return
			}

			if req.Method == http.MethodPost && isInitializeRequest(req) {
				next.ServeHTTP(w, req)
				return
			}

			sess, err := r.Resolve(ctx, "")
			if err != nil {
				r.logger.Error("Session creation failed", logging.Err(err))
				router.WriteError(w, router.Internal(err))
				return
			}
			req.Header.Set(HeaderSessionID, sess.ID)
			w.Header().Set(HeaderSessionID, sess.ID)
			next.ServeHTTP(w, req)
		})
	}
}

// isInitializeRequest peeks at the JSON-RPC method of a POST body and
// restores the body for the next handler.
func isInitializeRequest(req *http.Request) bool {
	if req.Body == nil {
		return false
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxPeekBytes))
	req.Body = readCloser{
		Reader: io.MultiReader(bytes.NewReader(body), req.Body),
		Closer: req.Body,
	}
	if err != nil {
		return false
	}

	var msg struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return false
	}
	return msg.Method == string(mcp.MethodInitialize)
}

type readCloser struct {
	io.Reader
	io.Closer
}

func writeRPCError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rpcError{
		JSONRPC: mcp.JSONRPC_VERSION,
		Error:   rpcErrorBody{Code: code, Message: message},
	})
}
