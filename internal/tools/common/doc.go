// Package common provides shared helpers for the MCP tool packages:
// the instrumentation wrapper every tool handler is registered through and
// small argument accessors.
package common
