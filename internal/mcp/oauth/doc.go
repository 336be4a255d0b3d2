// Package oauth runs the authorization-code flow on behalf of MCP clients.
//
// The server sits between an MCP client and an upstream identity provider
// (Google, GitHub, Microsoft or any OIDC issuer). A client starts at /auth,
// the provider calls back to /auth/callback, the server exchanges the code
// and stores the result, and the client collects it exactly once from
// /auth/token. Pending requests and completed tokens are stored in the
// record store keyed by the OAuth state value, so a flow survives a restart
// and is evicted by the same idle sweep as sessions.
//
// Per state value the flow moves through
//
//	NONE -> PENDING -> EXCHANGED -> RETRIEVED
//
// with FAILED on a provider error and EXPIRED once a record is swept or a
// token's lifetime has passed. Upstream calls are bounded by
// Config.ProviderTimeout and never retried.
package oauth
