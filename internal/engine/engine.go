// ABOUTME: Engine facade: the single entry point for lifecycle and persona management.
// ABOUTME: Coordinates store writes with live registry state for running accounts.

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/persona-gateway/internal/dedupe"
	"github.com/2389/persona-gateway/internal/platform"
	"github.com/2389/persona-gateway/internal/provider"
	"github.com/2389/persona-gateway/internal/registry"
	"github.com/2389/persona-gateway/internal/store"
)

// ErrValidation marks a rejected request whose payload failed a precondition.
var ErrValidation = errors.New("validation failed")

// Defaults are applied to bindings created without explicit values.
type Defaults struct {
	ResponseDelayMS   int
	MaxResponseLength int
}

// Options configures a new Engine.
type Options struct {
	Store            store.Store
	Connector        platform.Connector
	Provider         provider.Provider
	GlobalAPIKey     string
	ProviderTimeout  time.Duration
	StartConcurrency int
	DedupeMax        int
	DedupeTTL        time.Duration
	Defaults         Defaults
	Logger           *slog.Logger
}

// Engine wires the supervisor, registry, and dispatcher behind one facade.
// All management surfaces (HTTP API, CLI) talk to the Engine, never to the
// internals directly.
type Engine struct {
	store    store.Store
	registry *registry.Registry
	sup      *Supervisor
	seen     *dedupe.Cache
	defaults Defaults
	logger   *slog.Logger
}

// New creates an Engine from its dependencies.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 10 * time.Minute
	}
	if opts.DedupeMax <= 0 {
		opts.DedupeMax = 10000
	}

	reg := registry.New()
	seen := dedupe.New(opts.DedupeTTL, opts.DedupeMax)
	responder := NewResponder(opts.Provider, opts.GlobalAPIKey, opts.ProviderTimeout, logger)
	dispatcher := NewDispatcher(reg, responder, opts.Store, seen, logger)
	sup := NewSupervisor(opts.Connector, opts.Store, reg, dispatcher, opts.StartConcurrency, logger)

	return &Engine{
		store:    opts.Store,
		registry: reg,
		sup:      sup,
		seen:     seen,
		defaults: opts.Defaults,
		logger:   logger.With("component", "engine"),
	}
}

// StartAll starts every active account. Per-account failures are collected
// in the report; the call itself fails only when the account list cannot
// be read.
func (e *Engine) StartAll(ctx context.Context) (*StartReport, error) {
	accounts, err := e.store.ListAccounts(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	return e.sup.StartAll(ctx, accounts), nil
}

// StartAccount starts one account by id.
func (e *Engine) StartAccount(ctx context.Context, accountID string) error {
	acct, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	return e.sup.StartAccount(ctx, acct)
}

// StopAccount stops one account. Idempotent.
func (e *Engine) StopAccount(accountID string) {
	e.sup.StopAccount(accountID)
}

// StopAll stops every running account and returns the count stopped.
func (e *Engine) StopAll() int {
	return e.sup.StopAll()
}

// Status reports the running accounts and their bound conversations.
func (e *Engine) Status() []AccountStatus {
	return e.sup.Status()
}

// Running reports whether an account has a live connection.
func (e *Engine) Running(accountID string) bool {
	return e.sup.Running(accountID)
}

// Close stops all accounts and releases engine resources. The store is
// owned by the caller and stays open.
func (e *Engine) Close() {
	e.sup.StopAll()
	e.seen.Close()
}

// CreateAccount validates and persists a new account.
func (e *Engine) CreateAccount(ctx context.Context, a *store.Account) error {
	if a.PhoneNumber == "" {
		return fmt.Errorf("%w: phone_number is required", ErrValidation)
	}
	if a.SessionToken == "" {
		return fmt.Errorf("%w: session_token is required", ErrValidation)
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return e.store.CreateAccount(ctx, a)
}

// DeleteAccount stops the account if running, then removes it and its
// bindings from the store.
func (e *Engine) DeleteAccount(ctx context.Context, accountID string) error {
	if e.sup.Running(accountID) {
		e.sup.StopAccount(accountID)
	}
	return e.store.DeleteAccount(ctx, accountID)
}

// AddBinding persists a persona binding and, when the account is running,
// makes it visible to dispatch immediately. Replaces any existing binding
// on the same (account, conversation) pair. The conversation row is created
// on first reference.
func (e *Engine) AddBinding(ctx context.Context, b *store.Binding) error {
	if b.AccountID == "" || b.ConversationID == "" {
		return fmt.Errorf("%w: account_id and conversation_id are required", ErrValidation)
	}
	if b.Name == "" {
		return fmt.Errorf("%w: persona name is required", ErrValidation)
	}
	if _, err := e.store.GetAccount(ctx, b.AccountID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: account %s does not exist", ErrValidation, b.AccountID)
		}
		return err
	}

	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.ResponseDelayMS == 0 {
		b.ResponseDelayMS = e.defaults.ResponseDelayMS
	}
	if b.ResponseDelayMS < 0 {
		return fmt.Errorf("%w: response_delay_ms must not be negative", ErrValidation)
	}
	if b.MaxResponseLen <= 0 {
		b.MaxResponseLen = e.defaults.MaxResponseLength
	}

	if err := e.ensureConversation(ctx, b.ConversationID); err != nil {
		return err
	}
	if err := e.store.ReplaceBinding(ctx, b); err != nil {
		return err
	}

	if e.sup.Running(b.AccountID) {
		if b.Active {
			e.registry.Upsert(b.AccountID, b.ConversationID, PersonaFromBinding(b))
		} else {
			e.registry.Remove(b.AccountID, b.ConversationID)
		}
	}
	e.logger.Info("binding added",
		"binding_id", b.ID,
		"account_id", b.AccountID,
		"conversation_id", b.ConversationID,
		"persona", b.Name,
	)
	return nil
}

// UpdateBinding applies a partial update and syncs the live registry when
// the owning account is running. Messages already in flight keep the
// persona they resolved; the next message sees the update.
func (e *Engine) UpdateBinding(ctx context.Context, bindingID string, patch store.BindingPatch) (*store.Binding, error) {
	if patch.ResponseDelayMS != nil && *patch.ResponseDelayMS < 0 {
		return nil, fmt.Errorf("%w: response_delay_ms must not be negative", ErrValidation)
	}
	if patch.MaxResponseLen != nil && *patch.MaxResponseLen <= 0 {
		return nil, fmt.Errorf("%w: max_response_len must be positive", ErrValidation)
	}

	b, err := e.store.UpdateBinding(ctx, bindingID, patch)
	if err != nil {
		return nil, err
	}

	if e.sup.Running(b.AccountID) {
		if b.Active {
			e.registry.Upsert(b.AccountID, b.ConversationID, PersonaFromBinding(b))
		} else {
			e.registry.Remove(b.AccountID, b.ConversationID)
		}
	}
	return b, nil
}

// RemoveBinding deletes a binding and drops it from the live registry.
func (e *Engine) RemoveBinding(ctx context.Context, bindingID string) error {
	b, err := e.store.GetBinding(ctx, bindingID)
	if err != nil {
		return err
	}
	if err := e.store.DeleteBinding(ctx, bindingID); err != nil {
		return err
	}
	if e.sup.Running(b.AccountID) {
		e.registry.Remove(b.AccountID, b.ConversationID)
	}
	e.logger.Info("binding removed", "binding_id", bindingID, "account_id", b.AccountID)
	return nil
}

func (e *Engine) ensureConversation(ctx context.Context, conversationID string) error {
	_, err := e.store.GetConversation(ctx, conversationID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return e.store.UpsertConversation(ctx, &store.Conversation{
		ID:     conversationID,
		Title:  "Chat " + conversationID,
		Kind:   store.ConversationKindGroup,
		Active: true,
	})
}
