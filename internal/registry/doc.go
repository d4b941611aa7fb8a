// Package registry holds the live routing table from (account, conversation)
// pairs to persona configuration.
//
// # Concurrency Model
//
// The registry is the one piece of state shared between every connection's
// dispatch goroutines and the management API. Entries are immutable Persona
// values: a lookup snapshots the value under a read lock and the dispatch
// unit works from that snapshot, so a concurrent Upsert or Remove never
// affects work already in flight. Configuration changes are full-value
// replacement under the write lock, never in-place field patching.
//
// The lock is held only for map access. The provider call and the response
// delay, the two suspension points of a dispatch unit, happen strictly
// after the lock is released.
package registry
