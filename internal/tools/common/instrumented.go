package common

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/obsidian-mcp/internal/instrumentation"
	"github.com/teemow/obsidian-mcp/internal/logging"
	"github.com/teemow/obsidian-mcp/internal/server"
)

// ToolHandler is the signature of an MCP tool handler.
type ToolHandler = mcpserver.ToolHandlerFunc

// targetArgs are the argument names that carry the vault path a tool acts on,
// in lookup order.
var targetArgs = []string{"path", "sourcePath", "oldPath", "dir", "target"}

// InstrumentedToolHandler wraps a tool handler with a span, metrics and audit
// logging. A Go error returned by handler is turned into a tool error result
// so failures never surface as transport errors.
//
// Usage:
//
//	s.AddTool(myTool, common.InstrumentedToolHandler("my_tool", true, sc, handler))
func InstrumentedToolHandler(toolName string, readOnly bool, sc *server.ServerContext, handler ToolHandler) ToolHandler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		target := TargetPath(args)
		sessionID := SessionID(ctx)

		invocation := instrumentation.NewToolInvocation(toolName).
			WithSession(sessionID).
			WithTarget(target, readOnly)

		ctx, span := instrumentation.StartToolSpan(ctx, toolName,
			instrumentation.NewSpanAttributeBuilder().
				WithSession(invocation.SessionHash()).
				WithPath(target).
				WithReadOnly(readOnly).
				Build()...)
		defer span.End()
		invocation.WithSpanContext(ctx)

		start := time.Now()
		result, err := handler(ctx, request)
		duration := time.Since(start)

		if err != nil {
			result = mcp.NewToolResultError(err.Error())
		}

		status := instrumentation.StatusSuccess
		switch {
		case err != nil:
			status = instrumentation.StatusError
			invocation.CompleteWithError(err)
			instrumentation.SetSpanError(span, err)
		case result != nil && result.IsError:
			status = instrumentation.StatusError
			invocation.CompleteWithError(fmt.Errorf("%s", ResultText(result)))
			instrumentation.SetSpanError(span, fmt.Errorf("tool returned an error result"))
		default:
			invocation.CompleteSuccess()
			instrumentation.SetSpanSuccess(span)
		}

		sc.Metrics().RecordToolInvocationWithSession(ctx, toolName, status, invocation.SessionHash(), duration)
		sc.AuditLogger().LogToolInvocation(invocation)

		if status == instrumentation.StatusError {
			logging.WithTool(sc.Logger(), toolName).Debug("Tool call failed",
				logging.Session(sessionID),
				logging.Status(status),
				slog.String(logging.KeyError, invocation.Error))
		}

		return result, nil
	}
}

// SessionID returns the id of the MCP session the call arrived on.
func SessionID(ctx context.Context) string {
	if session := mcpserver.ClientSessionFromContext(ctx); session != nil {
		return session.SessionID()
	}
	return ""
}

// TargetPath returns the vault path a call acts on, if any.
func TargetPath(args map[string]any) string {
	for _, key := range targetArgs {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// ResultText concatenates the text content of a tool result.
func ResultText(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	var text string
	for _, content := range result.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			text += tc.Text
		}
	}
	return text
}
