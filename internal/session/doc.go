// Package session binds MCP session identifiers to server-side handler state.
//
// Sessions live in the record store under store.KindSession, so they survive
// restarts and share the store's idle sweep with OAuth records. The Registry
// implements mcp-go's SessionIdManager so the streamable HTTP transport
// validates ids against the same table, and Middleware sits in front of the
// transport to create sessions for requests that arrive without one, reject
// unknown ids, and rate-limit creation per client address.
package session
