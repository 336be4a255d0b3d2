// Package server composes the long-lived parts of obsidian-mcp.
//
// # Key Components
//
// ServerContext carries the dependencies shared by tool handlers and HTTP
// endpoints: the vault, the record store, the session registry, metrics and
// the tool audit logger. It is created once at startup and shut down once.
//
// HTTPServer composes the HTTP surface. A request passes these stages:
//   - request logging and HTTP metrics, labelled by route
//   - health endpoints (/healthz, /readyz, /healthz/detailed)
//   - DNS-rebinding protection when enabled (403 on a foreign Host or Origin)
//   - the OAuth router when authentication is enabled
//   - the protocol endpoint, behind the bearer guard and the session
//     middleware, served by mcp-go's streamable HTTP transport
//
// Anything left over gets a JSON 404.
//
// MetricsServer exposes Prometheus metrics on a dedicated port, away from
// application traffic.
package server
