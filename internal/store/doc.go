// Package store implements the durable record table shared by the session
// registry and the OAuth flow.
//
// Records live in a single SQLite table (modernc.org/sqlite, no cgo) and are
// mirrored by an in-memory cache that is loaded in full at Open. Each record
// carries a Kind tag that says whether its payload holds session handler
// state, a pending authorization request or a completed token exchange.
//
// All operations on one key are serialized through a per-key lock, so a read
// always observes the latest completed write for that key. The Sweeper
// removes records whose last access is older than the retention window.
package store
