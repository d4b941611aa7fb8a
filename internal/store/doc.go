// Package store provides persistence for persona-gateway.
//
// # Overview
//
// The Store interface covers four entity families:
//
//   - Accounts: platform identities with stored credentials
//   - Conversations: platform chats, keyed by the platform-assigned id
//   - Bindings: persona configuration per (account, conversation) pair
//   - Interactions: the immutable audit trail of processed messages
//
// Two implementations ship with the package: SQLiteStore (production,
// modernc.org/sqlite with schema-on-open and WAL) and MockStore (in-memory,
// for tests).
//
// # Binding Uniqueness
//
// At most one binding exists per (account, conversation) pair.
// ReplaceBinding enforces this by retiring any previous binding for the pair
// inside a transaction, so "bind a second persona" means "replace the first".
//
// # Failure Semantics
//
// SaveInteraction failures are the caller's problem to tolerate: the routing
// engine logs and continues, because audit persistence must never block
// reply delivery.
package store
