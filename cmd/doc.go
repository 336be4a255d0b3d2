// Package cmd implements the command-line interface for obsidian-mcp.
//
// This package provides the following commands:
//   - serve: Start the MCP server over streamable HTTP or stdio
//   - health: Print a JSON report on the vault and exit non-zero when it is unusable
//   - records list: Show the rows of the record store as a table
//   - records sweep: Evict records past a maximum age once
//   - generate-docs: Generate markdown documentation for all MCP tools
//   - version: Display version information
//
// The serve command is the default command when no subcommand is specified.
// Settings come from flags first and fall back to the environment.
package cmd
