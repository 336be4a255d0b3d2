// Package vault_tools exposes the vault as MCP tools.
//
// File tools (list_files, read_note, write_note, append_file, delete_file,
// delete_directory, move_file, rename_file) map one-to-one onto the vault
// capability. Note tools (list_notes, search_notes, find_backlinks,
// manage_frontmatter) work on markdown files only.
//
// Every tool is wrapped by common.InstrumentedToolHandler, so failures come
// back as tool error results and each call is measured, traced and audited.
package vault_tools
