package vault_tools

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/obsidian-mcp/internal/server"
	"github.com/teemow/obsidian-mcp/internal/tools/common"
	"github.com/teemow/obsidian-mcp/internal/vault"
)

// okText is the result of every successful mutating tool.
const okText = "OK"

// handlers binds tool handlers to a vault.
type handlers struct {
	vault *vault.Vault
}

// RegisterVaultTools registers all vault tools with the MCP server
func RegisterVaultTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	tools, err := Tools(sc)
	if err != nil {
		return err
	}
	s.AddTools(tools...)
	return nil
}

// Tools returns the instrumented vault tools.
func Tools(sc *server.ServerContext) ([]mcpserver.ServerTool, error) {
	if sc == nil || sc.Vault() == nil {
		return nil, errors.New("vault tools need a server context with a vault")
	}
	h := &handlers{vault: sc.Vault()}

	tool := func(t mcp.Tool, readOnly bool, fn common.ToolHandler) mcpserver.ServerTool {
		return mcpserver.ServerTool{
			Tool:    t,
			Handler: common.InstrumentedToolHandler(t.Name, readOnly, sc, fn),
		}
	}

	return []mcpserver.ServerTool{
		tool(mcp.NewTool("list_files",
			mcp.WithDescription("List all files in a vault directory, recursively"),
			mcp.WithString("dir",
				mcp.Description("Relative directory within the vault (default: '.')"),
			),
		), true, h.listFiles),

		tool(mcp.NewTool("list_notes",
			mcp.WithDescription("List all markdown notes in a vault directory, recursively"),
			mcp.WithString("dir",
				mcp.Description("Relative directory within the vault (default: '.')"),
			),
		), true, h.listNotes),

		tool(mcp.NewTool("read_note",
			mcp.WithDescription("Read the content of a note"),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Relative path to the note (e.g., Notes/foo.md)"),
			),
		), true, h.readNote),

		tool(mcp.NewTool("write_note",
			mcp.WithDescription("Create or replace a note. Date variables such as {{date}} are expanded."),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Relative path to the note"),
			),
			mcp.WithString("content",
				mcp.Required(),
				mcp.Description("Full file content"),
			),
			mcp.WithBoolean("createDirs",
				mcp.Description("Create parent directories if missing (default: true)"),
			),
			mcp.WithObject("frontmatter",
				mcp.Description("Optional frontmatter properties written above the content"),
			),
		), false, h.writeNote),

		tool(mcp.NewTool("append_file",
			mcp.WithDescription("Append content to a file, creating it if missing"),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Relative path to the file"),
			),
			mcp.WithString("content",
				mcp.Required(),
				mcp.Description("Content to append"),
			),
		), false, h.appendFile),

		tool(mcp.NewTool("delete_file",
			mcp.WithDescription("Delete one or more files"),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Relative path (string) or array of relative paths to delete"),
			),
		), false, h.deleteFile),

		tool(mcp.NewTool("delete_directory",
			mcp.WithDescription("Delete a directory"),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Relative path to the directory"),
			),
			mcp.WithBoolean("recursive",
				mcp.Description("Delete the directory and its contents (default: false)"),
			),
		), false, h.deleteDirectory),

		tool(mcp.NewTool("search_notes",
			mcp.WithDescription("Search notes for text, case-insensitively. Returns matching files with line numbers."),
			mcp.WithString("query",
				mcp.Required(),
				mcp.Description("Query to search for"),
			),
		), true, h.searchNotes),

		tool(mcp.NewTool("move_file",
			mcp.WithDescription("Move a file or directory within the vault"),
			mcp.WithString("sourcePath",
				mcp.Required(),
				mcp.Description("Relative path of the file or directory to move"),
			),
			mcp.WithString("destinationPath",
				mcp.Required(),
				mcp.Description("Relative destination path"),
			),
			mcp.WithBoolean("overwrite",
				mcp.Description("Replace an existing destination (default: false)"),
			),
		), false, h.moveFile),

		tool(mcp.NewTool("rename_file",
			mcp.WithDescription("Rename a file or directory"),
			mcp.WithString("oldPath",
				mcp.Required(),
				mcp.Description("Current relative path"),
			),
			mcp.WithString("newPath",
				mcp.Required(),
				mcp.Description("New relative path"),
			),
		), false, h.renameFile),

		tool(mcp.NewTool("manage_frontmatter",
			mcp.WithDescription("Get, set, update or remove the YAML frontmatter of a note"),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Path to the note file"),
			),
			mcp.WithString("action",
				mcp.Required(),
				mcp.Enum(actionGet, actionSet, actionUpdate, actionRemove),
				mcp.Description("Action to perform on frontmatter"),
			),
			mcp.WithObject("properties",
				mcp.Description("Properties to set/update (not needed for get/remove)"),
			),
			mcp.WithString("property",
				mcp.Description("Specific property to get/remove (for get/remove actions)"),
			),
		), false, h.manageFrontmatter),

		tool(mcp.NewTool("find_backlinks",
			mcp.WithDescription("Find notes linking to a note with [[wikilinks]]"),
			mcp.WithString("target",
				mcp.Required(),
				mcp.Description("Note name or path to find backlinks for"),
			),
		), true, h.findBacklinks),
	}, nil
}

func stringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return v, nil
}

func boolArg(args map[string]any, name string, def bool) bool {
	if v, ok := args[name].(bool); ok {
		return v
	}
	return def
}

func objectArg(args map[string]any, name string) (map[string]any, bool) {
	v, ok := args[name].(map[string]any)
	return v, ok
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(out)), nil
}
