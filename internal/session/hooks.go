package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/obsidian-mcp/internal/logging"
)

// HandlerState is what the protocol handler persists for a session: the
// negotiated protocol version and the client that initialized it.
type HandlerState struct {
	ProtocolVersion string    `json:"protocolVersion,omitempty"`
	ClientName      string    `json:"clientName,omitempty"`
	ClientVersion   string    `json:"clientVersion,omitempty"`
	InitializedAt   time.Time `json:"initializedAt,omitempty"`
}

// DecodeState parses a session's state blob. An empty blob yields the zero
// state.
func DecodeState(raw []byte) (HandlerState, error) {
	var state HandlerState
	if len(raw) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return HandlerState{}, fmt.Errorf("decode session state: %w", err)
	}
	return state, nil
}

// StoreState encodes and saves the handler state of a live session.
func (r *Registry) StoreState(ctx context.Context, id string, state HandlerState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	return r.SaveState(ctx, id, raw)
}

// RegisterHooks persists handler state after a successful initialize.
func (r *Registry) RegisterHooks(hooks *mcpserver.Hooks) {
	hooks.AddAfterInitialize(func(ctx context.Context, _ any, message *mcp.InitializeRequest, result *mcp.InitializeResult) {
		clientSession := mcpserver.ClientSessionFromContext(ctx)
		if clientSession == nil || message == nil {
			return
		}
		id := clientSession.SessionID()
		if id == "" {
			return
		}

		state := HandlerState{
			ProtocolVersion: message.Params.ProtocolVersion,
			ClientName:      message.Params.ClientInfo.Name,
			ClientVersion:   message.Params.ClientInfo.Version,
			InitializedAt:   r.store.Now(),
		}
		if result != nil && result.ProtocolVersion != "" {
			state.ProtocolVersion = result.ProtocolVersion
		}
		if err := r.StoreState(ctx, id, state); err != nil {
			r.logger.Warn("Failed to persist session state", logging.Session(id), logging.Err(err))
			return
		}
		r.logger.Info("Session initialized",
			logging.Session(id),
			"client", state.ClientName,
			"protocol_version", state.ProtocolVersion)
	})
}
