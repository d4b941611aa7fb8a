// ABOUTME: Owns the lifecycle of one platform connection per account.
// ABOUTME: Start/stop with failure isolation, registry loading, and status reads.

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/persona-gateway/internal/platform"
	"github.com/2389/persona-gateway/internal/registry"
	"github.com/2389/persona-gateway/internal/store"
)

// ErrAlreadyRunning indicates the account already has a live connection.
var ErrAlreadyRunning = errors.New("account already running")

// AccountState values for supervised accounts.
type AccountState string

const (
	StateStopped  AccountState = "stopped"
	StateStarting AccountState = "starting"
	StateRunning  AccountState = "running"
	StateFailed   AccountState = "failed"
)

// AccountStatus is one Running account's entry in a Status() report.
type AccountStatus struct {
	AccountID     string   `json:"account_id"`
	PhoneNumber   string   `json:"phone_number"`
	Username      string   `json:"username,omitempty"`
	Conversations []string `json:"conversations"`
}

// StartReport aggregates a bulk start: failures on one account never abort
// the others.
type StartReport struct {
	Started        []string         `json:"started"`
	AlreadyRunning []string         `json:"already_running"`
	Failed         map[string]error `json:"-"`
}

type accountConn struct {
	account *store.Account
	conn    platform.Conn
	cancel  context.CancelFunc
}

// Supervisor owns one live connection per started account.
type Supervisor struct {
	connector        platform.Connector
	store            store.Store
	registry         *registry.Registry
	dispatcher       *Dispatcher
	logger           *slog.Logger
	startConcurrency int

	mu     sync.Mutex
	conns  map[string]*accountConn
	states map[string]AccountState
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(connector platform.Connector, st store.Store, reg *registry.Registry, d *Dispatcher, startConcurrency int, logger *slog.Logger) *Supervisor {
	if startConcurrency <= 0 {
		startConcurrency = 4
	}
	return &Supervisor{
		connector:        connector,
		store:            st,
		registry:         reg,
		dispatcher:       d,
		logger:           logger.With("component", "supervisor"),
		startConcurrency: startConcurrency,
		conns:            make(map[string]*accountConn),
		states:           make(map[string]AccountState),
	}
}

// StartAccount connects the account, loads its active bindings into the
// registry, and attaches the dispatcher. Returns ErrAlreadyRunning if a
// connection exists, or platform.ErrAuthExpired when the stored session is
// no longer valid (the account is left Failed; re-authentication happens
// out of band).
func (s *Supervisor) StartAccount(ctx context.Context, acct *store.Account) error {
	s.mu.Lock()
	if _, exists := s.conns[acct.ID]; exists {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.states[acct.ID] = StateStarting
	s.mu.Unlock()

	conn, err := s.connector.Connect(ctx, platform.Credentials{
		APIID:        acct.APIID,
		APIHash:      acct.APIHash,
		SessionToken: acct.SessionToken,
	})
	if err != nil {
		s.setState(acct.ID, StateFailed)
		return fmt.Errorf("connecting account %s: %w", acct.ID, err)
	}

	bindings, err := s.store.ListAccountBindings(ctx, acct.ID, true)
	if err != nil {
		conn.Close()
		s.setState(acct.ID, StateFailed)
		return fmt.Errorf("loading bindings for account %s: %w", acct.ID, err)
	}

	personas := make(map[string]registry.Persona, len(bindings))
	for _, b := range bindings {
		personas[b.ConversationID] = PersonaFromBinding(b)
	}

	// The account context outlives ctx: stopping the account, not the
	// start call, abandons its dispatch units.
	acctCtx, cancel := context.WithCancel(context.Background())
	selfID := conn.SelfID()
	accountID := acct.ID
	conn.OnMessage(func(msg *platform.InboundMessage) {
		go s.dispatcher.Dispatch(acctCtx, accountID, selfID, conn, msg)
	})

	s.mu.Lock()
	if _, exists := s.conns[acct.ID]; exists {
		// Lost a concurrent start race; tear down our attempt.
		s.mu.Unlock()
		cancel()
		conn.Close()
		return ErrAlreadyRunning
	}
	s.registry.LoadAll(acct.ID, personas)
	s.conns[acct.ID] = &accountConn{account: acct, conn: conn, cancel: cancel}
	s.states[acct.ID] = StateRunning
	s.mu.Unlock()

	s.logger.Info("account started",
		"account_id", acct.ID,
		"phone_number", acct.PhoneNumber,
		"bindings", len(personas),
	)
	return nil
}

// StopAccount disconnects an account and drops its registry section.
// Idempotent and never fails fatally: disconnect errors are logged and the
// teardown continues. In-flight dispatch units are abandoned without
// blocking the stop.
func (s *Supervisor) StopAccount(accountID string) {
	s.mu.Lock()
	ac, ok := s.conns[accountID]
	delete(s.conns, accountID)
	s.states[accountID] = StateStopped
	s.mu.Unlock()

	s.registry.DropAccount(accountID)

	if !ok {
		return
	}

	ac.cancel()
	if err := ac.conn.Close(); err != nil {
		s.logger.Warn("disconnect error ignored", "account_id", accountID, "error", err)
	}
	s.logger.Info("account stopped", "account_id", accountID)
}

// StartAll starts every provided account with bounded concurrency.
// Per-account failures are isolated and aggregated; the bulk operation
// always completes for the rest.
func (s *Supervisor) StartAll(ctx context.Context, accounts []*store.Account) *StartReport {
	report := &StartReport{Failed: make(map[string]error)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.startConcurrency)

	for _, acct := range accounts {
		acct := acct
		g.Go(func() error {
			err := s.StartAccount(gctx, acct)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Started = append(report.Started, acct.ID)
			case errors.Is(err, ErrAlreadyRunning):
				// Success with notice, not a failure.
				report.AlreadyRunning = append(report.AlreadyRunning, acct.ID)
			default:
				s.logger.Error("account failed to start", "account_id", acct.ID, "error", err)
				report.Failed[acct.ID] = err
			}
			return nil
		})
	}

	g.Wait()
	sort.Strings(report.Started)
	sort.Strings(report.AlreadyRunning)
	return report
}

// StopAll stops every running account and returns how many were stopped.
func (s *Supervisor) StopAll() int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.StopAccount(id)
	}
	return len(ids)
}

// Status reports each Running account and the conversation ids it handles.
// A pure read of supervisor and registry state.
func (s *Supervisor) Status() []AccountStatus {
	s.mu.Lock()
	running := make([]*store.Account, 0, len(s.conns))
	for _, ac := range s.conns {
		running = append(running, ac.account)
	}
	s.mu.Unlock()

	statuses := make([]AccountStatus, 0, len(running))
	for _, acct := range running {
		statuses = append(statuses, AccountStatus{
			AccountID:     acct.ID,
			PhoneNumber:   acct.PhoneNumber,
			Username:      acct.Username,
			Conversations: s.registry.Conversations(acct.ID),
		})
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].AccountID < statuses[j].AccountID
	})
	return statuses
}

// Running reports whether an account currently has a live connection.
func (s *Supervisor) Running(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[accountID]
	return ok
}

// State returns the supervised state of an account.
func (s *Supervisor) State(accountID string) AccountState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[accountID]; ok {
		return st
	}
	return StateStopped
}

func (s *Supervisor) setState(accountID string, st AccountState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[accountID] = st
}

// PersonaFromBinding converts a stored binding into its registry value.
func PersonaFromBinding(b *store.Binding) registry.Persona {
	return registry.Persona{
		BindingID:      b.ID,
		Name:           b.Name,
		Instructions:   b.Instructions,
		ProviderKey:    b.ProviderKey,
		ResponseDelay:  time.Duration(b.ResponseDelayMS) * time.Millisecond,
		MaxResponseLen: b.MaxResponseLen,
	}
}
