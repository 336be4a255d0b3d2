package vault_tools

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/teemow/obsidian-mcp/internal/tools/batch"
	"github.com/teemow/obsidian-mcp/internal/vault"
)

func (h *handlers) listFiles(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dir, _ := request.GetArguments()["dir"].(string)
	if dir == "" {
		dir = "."
	}
	files, err := h.vault.ListFiles(ctx, dir)
	if err != nil {
		return nil, err
	}
	return jsonResult(files)
}

func (h *handlers) readNote(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := stringArg(request.GetArguments(), "path")
	if err != nil {
		return nil, err
	}
	content, err := h.vault.Read(path)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(content), nil
}

func (h *handlers) writeNote(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	content, ok := args["content"].(string)
	if !ok {
		return nil, errors.New("content is required")
	}

	if fm, ok := objectArg(args, "frontmatter"); ok {
		content, err = vault.ComposeFrontmatter(fm, content)
		if err != nil {
			return nil, err
		}
	}

	if err := h.vault.Write(path, content, boolArg(args, "createDirs", true)); err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(okText), nil
}

func (h *handlers) appendFile(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	content, ok := args["content"].(string)
	if !ok {
		return nil, errors.New("content is required")
	}
	if err := h.vault.Append(path, content); err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(okText), nil
}

// deleteFile accepts a single path or an array. A single path answers "OK";
// an array answers with the per-path batch summary.
func (h *handlers) deleteFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	param := request.GetArguments()["path"]
	paths, err := batch.ParsePaths(param, "path")
	if err != nil {
		return nil, err
	}

	if _, single := param.(string); single {
		if err := h.vault.DeleteFile(paths[0]); err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(okText), nil
	}

	summary := batch.Process(ctx, paths, func(path string) (string, error) {
		if err := h.vault.DeleteFile(path); err != nil {
			return "", err
		}
		return okText, nil
	})
	if summary.Successful == 0 {
		return mcp.NewToolResultError(summary.JSON()), nil
	}
	return mcp.NewToolResultText(summary.JSON()), nil
}

func (h *handlers) deleteDirectory(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}

	err = h.vault.DeleteDir(path, boolArg(args, "recursive", false))
	switch {
	case err == nil:
		return mcp.NewToolResultText(okText), nil
	case errors.Is(err, vault.ErrNotFound):
		return nil, errors.New("Directory not found")
	case errors.Is(err, vault.ErrNotADirectory):
		return nil, errors.New("Not a directory")
	case errors.Is(err, vault.ErrDirectoryNotEmpty):
		return nil, errors.New("Directory is not empty. Use recursive=true to delete non-empty directories.")
	default:
		return nil, err
	}
}

func (h *handlers) moveFile(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	src, err := stringArg(args, "sourcePath")
	if err != nil {
		return nil, err
	}
	dst, err := stringArg(args, "destinationPath")
	if err != nil {
		return nil, err
	}

	err = h.vault.Move(src, dst, boolArg(args, "overwrite", false))
	switch {
	case err == nil:
		return mcp.NewToolResultText(okText), nil
	case errors.Is(err, vault.ErrNotFound):
		return nil, errors.New("Source file or directory not found")
	case errors.Is(err, vault.ErrExists):
		return nil, errors.New("Destination already exists. Use overwrite=true to allow overwriting.")
	default:
		return nil, err
	}
}

func (h *handlers) renameFile(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	oldPath, err := stringArg(args, "oldPath")
	if err != nil {
		return nil, err
	}
	newPath, err := stringArg(args, "newPath")
	if err != nil {
		return nil, err
	}

	err = h.vault.Move(oldPath, newPath, false)
	switch {
	case err == nil:
		return mcp.NewToolResultText(okText), nil
	case errors.Is(err, vault.ErrNotFound):
		return nil, errors.New("Source file or directory not found")
	case errors.Is(err, vault.ErrExists):
		return nil, errors.New("Destination already exists")
	default:
		return nil, err
	}
}
