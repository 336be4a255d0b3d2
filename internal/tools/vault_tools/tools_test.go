package vault_tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/obsidian-mcp/internal/server"
	"github.com/teemow/obsidian-mcp/internal/vault"
)

type toolEnv struct {
	root  string
	tools map[string]mcpserver.ServerTool
}

func newToolEnv(t *testing.T) *toolEnv {
	t.Helper()
	root := t.TempDir()
	now := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	v, err := vault.New(root, vault.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	sc, err := server.NewServerContext(context.Background(), v)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sc.Shutdown() })

	tools, err := Tools(sc)
	require.NoError(t, err)
	env := &toolEnv{root: root, tools: map[string]mcpserver.ServerTool{}}
	for _, tool := range tools {
		env.tools[tool.Tool.Name] = tool
	}
	return env
}

// call runs a tool and returns its text and whether it is an error result.
func (e *toolEnv) call(t *testing.T, name string, args map[string]any) (string, bool) {
	t.Helper()
	tool, ok := e.tools[name]
	require.True(t, ok, "tool %s not registered", name)

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	result, err := tool.Handler(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)

	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	return text.Text, result.IsError
}

func (e *toolEnv) write(t *testing.T, rel, content string) {
	t.Helper()
	abs := filepath.Join(e.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func (e *toolEnv) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func (e *toolEnv) exists(rel string) bool {
	_, err := os.Stat(filepath.Join(e.root, filepath.FromSlash(rel)))
	return err == nil
}

func TestTools_Registered(t *testing.T) {
	env := newToolEnv(t)
	for _, name := range []string{
		"list_files", "list_notes", "read_note", "write_note", "append_file",
		"delete_file", "delete_directory", "search_notes", "move_file",
		"rename_file", "manage_frontmatter", "find_backlinks",
	} {
		assert.Contains(t, env.tools, name)
	}
	assert.Len(t, env.tools, 12)
}

func TestTools_RequireVault(t *testing.T) {
	_, err := Tools(nil)
	require.Error(t, err)
}

func TestListFilesAndNotes(t *testing.T) {
	env := newToolEnv(t)
	env.write(t, "b.md", "b")
	env.write(t, "Notes/a.md", "a")
	env.write(t, "Notes/image.png", "png")

	text, isErr := env.call(t, "list_files", nil)
	require.False(t, isErr, text)
	var files []string
	require.NoError(t, json.Unmarshal([]byte(text), &files))
	assert.Equal(t, []string{"Notes/a.md", "Notes/image.png", "b.md"}, files)

	text, isErr = env.call(t, "list_notes", map[string]any{"dir": "Notes"})
	require.False(t, isErr, text)
	var notes []string
	require.NoError(t, json.Unmarshal([]byte(text), &notes))
	assert.Equal(t, []string{"Notes/a.md"}, notes)
}

func TestReadNote(t *testing.T) {
	env := newToolEnv(t)
	env.write(t, "note.md", "hello")

	text, isErr := env.call(t, "read_note", map[string]any{"path": "note.md"})
	assert.False(t, isErr)
	assert.Equal(t, "hello", text)

	_, isErr = env.call(t, "read_note", map[string]any{"path": "missing.md"})
	assert.True(t, isErr)

	text, isErr = env.call(t, "read_note", map[string]any{"path": "../outside.md"})
	assert.True(t, isErr)
	assert.Contains(t, text, "path escapes vault")
}

func TestWriteNote(t *testing.T) {
	env := newToolEnv(t)

	text, isErr := env.call(t, "write_note", map[string]any{
		"path":    "Daily/today.md",
		"content": "Written {{date}}",
	})
	require.False(t, isErr, text)
	assert.Equal(t, "OK", text)
	assert.Equal(t, "Written 2025-03-01", env.read(t, "Daily/today.md"))

	t.Run("without createDirs", func(t *testing.T) {
		_, isErr := env.call(t, "write_note", map[string]any{
			"path":       "Missing/dir/note.md",
			"content":    "x",
			"createDirs": false,
		})
		assert.True(t, isErr)
		assert.False(t, env.exists("Missing"))
	})

	t.Run("with frontmatter", func(t *testing.T) {
		_, isErr := env.call(t, "write_note", map[string]any{
			"path":        "fm.md",
			"content":     "Body",
			"frontmatter": map[string]any{"title": "Hello"},
		})
		require.False(t, isErr)
		fm, body := vault.ParseFrontmatter(env.read(t, "fm.md"))
		assert.Equal(t, "Hello", fm["title"])
		assert.Equal(t, "Body", body)
	})

	t.Run("missing content", func(t *testing.T) {
		text, isErr := env.call(t, "write_note", map[string]any{"path": "x.md"})
		assert.True(t, isErr)
		assert.Equal(t, "content is required", text)
	})
}

func TestAppendFile(t *testing.T) {
	env := newToolEnv(t)
	env.write(t, "log.md", "one\n")

	_, isErr := env.call(t, "append_file", map[string]any{"path": "log.md", "content": "two\n"})
	require.False(t, isErr)
	assert.Equal(t, "one\ntwo\n", env.read(t, "log.md"))

	_, isErr = env.call(t, "append_file", map[string]any{"path": "new/created.md", "content": "x"})
	require.False(t, isErr)
	assert.Equal(t, "x", env.read(t, "new/created.md"))
}

func TestDeleteFile(t *testing.T) {
	env := newToolEnv(t)
	env.write(t, "a.md", "a")
	env.write(t, "b.md", "b")
	env.write(t, "c.md", "c")
	env.write(t, "dir/keep.md", "k")

	t.Run("single", func(t *testing.T) {
		text, isErr := env.call(t, "delete_file", map[string]any{"path": "a.md"})
		require.False(t, isErr, text)
		assert.Equal(t, "OK", text)
		assert.False(t, env.exists("a.md"))
	})

	t.Run("directory is not a file", func(t *testing.T) {
		text, isErr := env.call(t, "delete_file", map[string]any{"path": "dir"})
		assert.True(t, isErr)
		assert.Contains(t, text, "not a file")
		assert.True(t, env.exists("dir/keep.md"))
	})

	t.Run("batch with partial failure", func(t *testing.T) {
		text, isErr := env.call(t, "delete_file", map[string]any{"path": []any{"b.md", "missing.md", "c.md"}})
		require.False(t, isErr, text)

		var summary struct {
			Total      int `json:"total"`
			Successful int `json:"successful"`
			Failed     int `json:"failed"`
		}
		require.NoError(t, json.Unmarshal([]byte(text), &summary))
		assert.Equal(t, 3, summary.Total)
		assert.Equal(t, 2, summary.Successful)
		assert.Equal(t, 1, summary.Failed)
		assert.False(t, env.exists("b.md"))
		assert.False(t, env.exists("c.md"))
	})

	t.Run("batch with only failures", func(t *testing.T) {
		_, isErr := env.call(t, "delete_file", map[string]any{"path": []any{"gone.md"}})
		assert.True(t, isErr)
	})
}

func TestDeleteDirectory(t *testing.T) {
	env := newToolEnv(t)
	env.write(t, "full/note.md", "x")
	env.write(t, "file.md", "x")
	require.NoError(t, os.Mkdir(filepath.Join(env.root, "empty"), 0o755))

	tests := []struct {
		name      string
		args      map[string]any
		wantText  string
		wantError bool
	}{
		{name: "missing", args: map[string]any{"path": "nope"}, wantText: "Directory not found", wantError: true},
		{name: "file", args: map[string]any{"path": "file.md"}, wantText: "Not a directory", wantError: true},
		{name: "not empty", args: map[string]any{"path": "full"}, wantText: "Directory is not empty. Use recursive=true to delete non-empty directories.", wantError: true},
		{name: "empty", args: map[string]any{"path": "empty"}, wantText: "OK"},
		{name: "recursive", args: map[string]any{"path": "full", "recursive": true}, wantText: "OK"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, isErr := env.call(t, "delete_directory", tt.args)
			assert.Equal(t, tt.wantError, isErr)
			assert.Equal(t, tt.wantText, text)
		})
	}
	assert.False(t, env.exists("full"))
	assert.False(t, env.exists("empty"))
}

func TestMoveAndRename(t *testing.T) {
	env := newToolEnv(t)
	env.write(t, "a.md", "a")
	env.write(t, "b.md", "b")

	text, isErr := env.call(t, "move_file", map[string]any{"sourcePath": "a.md", "destinationPath": "b.md"})
	assert.True(t, isErr)
	assert.Equal(t, "Destination already exists. Use overwrite=true to allow overwriting.", text)

	text, isErr = env.call(t, "move_file", map[string]any{"sourcePath": "a.md", "destinationPath": "b.md", "overwrite": true})
	require.False(t, isErr, text)
	assert.Equal(t, "a", env.read(t, "b.md"))
	assert.False(t, env.exists("a.md"))

	text, isErr = env.call(t, "move_file", map[string]any{"sourcePath": "a.md", "destinationPath": "c.md"})
	assert.True(t, isErr)
	assert.Equal(t, "Source file or directory not found", text)

	text, isErr = env.call(t, "rename_file", map[string]any{"oldPath": "b.md", "newPath": "Archive/b.md"})
	require.False(t, isErr, text)
	assert.Equal(t, "a", env.read(t, "Archive/b.md"))

	env.write(t, "c.md", "c")
	text, isErr = env.call(t, "rename_file", map[string]any{"oldPath": "c.md", "newPath": "Archive/b.md"})
	assert.True(t, isErr)
	assert.Equal(t, "Destination already exists", text)

	text, isErr = env.call(t, "rename_file", map[string]any{"oldPath": "nope.md", "newPath": "x.md"})
	assert.True(t, isErr)
	assert.Equal(t, "Source file or directory not found", text)
}

func TestSearchNotes(t *testing.T) {
	env := newToolEnv(t)
	env.write(t, "a.md", "first\nHello World\nlast\nhello again")
	env.write(t, "b.md", "nothing here")
	env.write(t, "c.txt", "hello from text")

	text, isErr := env.call(t, "search_notes", map[string]any{"query": "HELLO"})
	require.False(t, isErr, text)

	var results []vault.SearchResult
	require.NoError(t, json.Unmarshal([]byte(text), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "a.md", results[0].Path)
	assert.Equal(t, []int{2, 4}, results[0].Lines)
}

func TestFindBacklinks(t *testing.T) {
	env := newToolEnv(t)
	env.write(t, "target.md", "the target")
	env.write(t, "a.md", "intro\nsee [[Target]] for more")
	env.write(t, "b.md", "[[target|alias]]\n[[target#Heading]]\n[[targets]]")

	text, isErr := env.call(t, "find_backlinks", map[string]any{"target": "target.md"})
	require.False(t, isErr, text)

	var links []vault.Backlink
	require.NoError(t, json.Unmarshal([]byte(text), &links))
	assert.Equal(t, []vault.Backlink{
		{File: "a.md", Context: "see [[Target]] for more", Line: 2},
		{File: "b.md", Context: "[[target|alias]]", Line: 1},
		{File: "b.md", Context: "[[target#Heading]]", Line: 2},
	}, links)
}

func TestManageFrontmatter(t *testing.T) {
	env := newToolEnv(t)
	env.write(t, "note.md", "---\ntitle: Hello\ntags: [a]\n---\nBody text")

	call := func(args map[string]any) (string, bool) {
		args["path"] = "note.md"
		return env.call(t, "manage_frontmatter", args)
	}

	t.Run("get all", func(t *testing.T) {
		text, isErr := call(map[string]any{"action": "get"})
		require.False(t, isErr, text)
		var fm map[string]any
		require.NoError(t, json.Unmarshal([]byte(text), &fm))
		assert.Equal(t, "Hello", fm["title"])
	})

	t.Run("get property", func(t *testing.T) {
		text, isErr := call(map[string]any{"action": "get", "property": "title"})
		require.False(t, isErr)
		assert.JSONEq(t, `{"title":"Hello"}`, text)

		text, _ = call(map[string]any{"action": "get", "property": "missing"})
		assert.JSONEq(t, `{}`, text)
	})

	t.Run("update merges", func(t *testing.T) {
		text, isErr := call(map[string]any{"action": "update", "properties": map[string]any{"status": "draft"}})
		require.False(t, isErr, text)
		fm, body := vault.ParseFrontmatter(env.read(t, "note.md"))
		assert.Equal(t, "Hello", fm["title"])
		assert.Equal(t, "draft", fm["status"])
		assert.Equal(t, "Body text", body)
	})

	t.Run("remove", func(t *testing.T) {
		text, isErr := call(map[string]any{"action": "remove", "property": "status"})
		require.False(t, isErr)
		assert.Equal(t, "OK", text)

		text, isErr = call(map[string]any{"action": "remove", "property": "status"})
		assert.False(t, isErr)
		assert.Equal(t, "Property not found", text)
	})

	t.Run("set replaces", func(t *testing.T) {
		_, isErr := call(map[string]any{"action": "set", "properties": map[string]any{"only": "this"}})
		require.False(t, isErr)
		fm, body := vault.ParseFrontmatter(env.read(t, "note.md"))
		assert.Equal(t, map[string]any{"only": "this"}, fm)
		assert.Equal(t, "Body text", body)
	})

	t.Run("errors", func(t *testing.T) {
		tests := []struct {
			args map[string]any
			want string
		}{
			{args: map[string]any{"action": "remove"}, want: "Property name is required for remove action"},
			{args: map[string]any{"action": "set"}, want: "Properties are required for set/update actions"},
			{args: map[string]any{"action": "rename"}, want: "Invalid action"},
		}
		for _, tt := range tests {
			text, isErr := call(tt.args)
			assert.True(t, isErr)
			assert.Equal(t, tt.want, text)
		}

		text, isErr := env.call(t, "manage_frontmatter", map[string]any{"path": "missing.md", "action": "get"})
		assert.True(t, isErr)
		assert.Equal(t, "File not found", text)
	})
}
