package vault_tools

import (
	"context"
	"errors"
	"maps"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/teemow/obsidian-mcp/internal/vault"
)

// Frontmatter actions.
const (
	actionGet    = "get"
	actionSet    = "set"
	actionUpdate = "update"
	actionRemove = "remove"
)

func (h *handlers) listNotes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dir, _ := request.GetArguments()["dir"].(string)
	if dir == "" {
		dir = "."
	}
	notes, err := h.vault.ListMarkdown(ctx, dir)
	if err != nil {
		return nil, err
	}
	return jsonResult(notes)
}

func (h *handlers) searchNotes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := stringArg(request.GetArguments(), "query")
	if err != nil {
		return nil, err
	}
	results, err := h.vault.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	return jsonResult(results)
}

func (h *handlers) findBacklinks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target, err := stringArg(request.GetArguments(), "target")
	if err != nil {
		return nil, err
	}
	links, err := h.vault.Backlinks(ctx, target)
	if err != nil {
		return nil, err
	}
	return jsonResult(links)
}

func (h *handlers) manageFrontmatter(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	action, _ := args["action"].(string)
	property, _ := args["property"].(string)

	content, err := h.vault.Read(path)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil, errors.New("File not found")
		}
		return nil, err
	}
	fm, body := vault.ParseFrontmatter(content)

	switch action {
	case actionGet:
		if property == "" {
			if fm == nil {
				fm = map[string]any{}
			}
			return jsonResult(fm)
		}
		out := map[string]any{}
		if v, ok := fm[property]; ok {
			out[property] = v
		}
		return jsonResult(out)

	case actionRemove:
		if property == "" {
			return nil, errors.New("Property name is required for remove action")
		}
		if _, ok := fm[property]; !ok {
			return mcp.NewToolResultText("Property not found"), nil
		}
		updated := maps.Clone(fm)
		delete(updated, property)
		return h.rewrite(path, updated, body)

	case actionSet, actionUpdate:
		properties, ok := objectArg(args, "properties")
		if !ok {
			return nil, errors.New("Properties are required for set/update actions")
		}
		updated := map[string]any{}
		if action == actionUpdate {
			maps.Copy(updated, fm)
		}
		maps.Copy(updated, properties)
		return h.rewrite(path, updated, body)

	default:
		return nil, errors.New("Invalid action")
	}
}

func (h *handlers) rewrite(path string, fm map[string]any, body string) (*mcp.CallToolResult, error) {
	content, err := vault.ComposeFrontmatter(fm, body)
	if err != nil {
		return nil, err
	}
	if err := h.vault.Write(path, content, false); err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(okText), nil
}
