// ABOUTME: In-memory routing table from (account, conversation) to persona configuration.
// ABOUTME: Mutated by the engine facade and supervisor, read on every dispatch.

package registry

import (
	"sort"
	"sync"
	"time"
)

// Persona is the immutable configuration a dispatch unit works from.
// Lookups return it by value; updates replace the whole entry under the
// registry's lock, so an in-flight dispatch never observes a half-written
// binding.
type Persona struct {
	BindingID      string
	Name           string
	Instructions   string
	ProviderKey    string // per-persona completion credential, empty = global
	ResponseDelay  time.Duration
	MaxResponseLen int
}

type key struct {
	accountID      string
	conversationID string
}

// Registry maps (account, conversation) to the active persona.
// All operations are safe under concurrent access from many connections'
// dispatch paths and the management API. The single RWMutex is held only
// for map access, never across a network call.
type Registry struct {
	mu       sync.RWMutex
	personas map[key]Persona
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		personas: make(map[key]Persona),
	}
}

// Upsert inserts or replaces the persona for a pair. Visible to the very
// next Lookup for that key.
func (r *Registry) Upsert(accountID, conversationID string, p Persona) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.personas[key{accountID, conversationID}] = p
}

// Remove deletes the persona for a pair. Dispatches already holding a
// snapshot complete unaffected.
func (r *Registry) Remove(accountID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.personas, key{accountID, conversationID})
}

// Lookup returns the persona for a pair. ok == false means no persona is
// active there and the message should be ignored.
func (r *Registry) Lookup(accountID, conversationID string) (Persona, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.personas[key{accountID, conversationID}]
	return p, ok
}

// LoadAll replaces an account's whole section with the given personas,
// keyed by conversation id. Used on connection start.
func (r *Registry) LoadAll(accountID string, personas map[string]Persona) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k := range r.personas {
		if k.accountID == accountID {
			delete(r.personas, k)
		}
	}
	for conversationID, p := range personas {
		r.personas[key{accountID, conversationID}] = p
	}
}

// DropAccount removes every entry for an account. Used on stop.
func (r *Registry) DropAccount(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k := range r.personas {
		if k.accountID == accountID {
			delete(r.personas, k)
		}
	}
}

// Conversations returns the sorted conversation ids an account currently
// handles.
func (r *Registry) Conversations(accountID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for k := range r.personas {
		if k.accountID == accountID {
			ids = append(ids, k.conversationID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the total number of entries across all accounts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.personas)
}
