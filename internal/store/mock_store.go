// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	accounts      map[string]*Account      // keyed by account ID
	conversations map[string]*Conversation // keyed by conversation ID
	bindings      map[string]*Binding      // keyed by binding ID
	interactions  []*Interaction

	// Error injection for failure-path tests
	SaveInteractionErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		accounts:      make(map[string]*Account),
		conversations: make(map[string]*Conversation),
		bindings:      make(map[string]*Binding),
	}
}

// CreateAccount stores a new account.
func (m *MockStore) CreateAccount(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.accounts {
		if existing.PhoneNumber == a.PhoneNumber {
			return ErrDuplicateAccount
		}
	}

	now := time.Now()
	cp := *a
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.accounts[cp.ID] = &cp
	return nil
}

// GetAccount retrieves an account by ID.
func (m *MockStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// ListAccounts returns accounts sorted by creation time.
func (m *MockStore) ListAccounts(ctx context.Context, activeOnly bool) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var accounts []*Account
	for _, a := range m.accounts {
		if activeOnly && !a.Active {
			continue
		}
		cp := *a
		accounts = append(accounts, &cp)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
	})
	return accounts, nil
}

// DeleteAccount removes an account and its bindings.
func (m *MockStore) DeleteAccount(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[id]; !ok {
		return ErrNotFound
	}
	delete(m.accounts, id)
	for bid, b := range m.bindings {
		if b.AccountID == id {
			delete(m.bindings, bid)
		}
	}
	return nil
}

// UpsertConversation inserts or refreshes a conversation.
func (m *MockStore) UpsertConversation(ctx context.Context, c *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *c
	if cp.Kind == "" {
		cp.Kind = ConversationKindGroup
	}
	now := time.Now()
	if existing, ok := m.conversations[cp.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.conversations[cp.ID] = &cp
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// ReplaceBinding inserts a binding, replacing any existing one for the pair.
func (m *MockStore) ReplaceBinding(ctx context.Context, b *Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for bid, existing := range m.bindings {
		if existing.AccountID == b.AccountID && existing.ConversationID == b.ConversationID {
			delete(m.bindings, bid)
		}
	}

	now := time.Now()
	cp := *b
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.bindings[cp.ID] = &cp
	return nil
}

// GetBinding retrieves a binding by ID.
func (m *MockStore) GetBinding(ctx context.Context, id string) (*Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bindings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

// ListAccountBindings returns an account's bindings sorted by creation time.
func (m *MockStore) ListAccountBindings(ctx context.Context, accountID string, activeOnly bool) ([]*Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var bindings []*Binding
	for _, b := range m.bindings {
		if b.AccountID != accountID {
			continue
		}
		if activeOnly && !b.Active {
			continue
		}
		cp := *b
		bindings = append(bindings, &cp)
	}
	sort.Slice(bindings, func(i, j int) bool {
		return bindings[i].CreatedAt.Before(bindings[j].CreatedAt)
	})
	return bindings, nil
}

// UpdateBinding applies a partial update.
func (m *MockStore) UpdateBinding(ctx context.Context, id string, patch BindingPatch) (*Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bindings[id]
	if !ok {
		return nil, ErrNotFound
	}

	if patch.Name != nil {
		b.Name = *patch.Name
	}
	if patch.Instructions != nil {
		b.Instructions = *patch.Instructions
	}
	if patch.ProviderKey != nil {
		b.ProviderKey = *patch.ProviderKey
	}
	if patch.ResponseDelayMS != nil {
		b.ResponseDelayMS = *patch.ResponseDelayMS
	}
	if patch.MaxResponseLen != nil {
		b.MaxResponseLen = *patch.MaxResponseLen
	}
	if patch.Active != nil {
		b.Active = *patch.Active
	}
	b.UpdatedAt = time.Now()

	cp := *b
	return &cp, nil
}

// DeleteBinding removes a binding by ID.
func (m *MockStore) DeleteBinding(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bindings[id]; !ok {
		return ErrNotFound
	}
	delete(m.bindings, id)
	return nil
}

// SaveInteraction appends one audit record.
func (m *MockStore) SaveInteraction(ctx context.Context, rec *Interaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveInteractionErr != nil {
		return m.SaveInteractionErr
	}

	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.interactions = append(m.interactions, &cp)
	return nil
}

// ListInteractions returns the most recent interactions for a binding, newest first.
func (m *MockStore) ListInteractions(ctx context.Context, bindingID string, limit int) ([]*Interaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	var recs []*Interaction
	for i := len(m.interactions) - 1; i >= 0 && len(recs) < limit; i-- {
		if m.interactions[i].BindingID == bindingID {
			cp := *m.interactions[i]
			recs = append(recs, &cp)
		}
	}
	return recs, nil
}

// Interactions returns a copy of every stored interaction, in insertion order.
// Test helper, not part of the Store interface.
func (m *MockStore) Interactions() []*Interaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Interaction, 0, len(m.interactions))
	for _, rec := range m.interactions {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}
