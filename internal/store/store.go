// ABOUTME: Store interface and data types for persona-gateway persistence
// ABOUTME: Defines Account, Conversation, Binding, Interaction and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateAccount is returned when creating an account whose phone number is taken
var ErrDuplicateAccount = errors.New("account already exists")

// Account holds one platform identity and its stored credentials.
// Active controls whether the engine starts a connection for it.
type Account struct {
	ID           string
	PhoneNumber  string
	APIID        string
	APIHash      string
	SessionToken string
	UserID       string // the account's own sender identity on the platform
	Username     string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Conversation kinds.
const (
	ConversationKindGroup   = "group"
	ConversationKindChannel = "channel"
	ConversationKindDirect  = "direct"
)

// Conversation is one addressable chat on the platform.
// ID is the stable platform-assigned identifier.
type Conversation struct {
	ID        string
	Title     string
	Kind      string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Binding ties one account to one conversation with a persona configuration.
// At most one binding exists per (account, conversation) pair.
type Binding struct {
	ID              string
	AccountID       string
	ConversationID  string
	Name            string
	Instructions    string
	ProviderKey     string // per-persona completion credential, empty = use global
	ResponseDelayMS int
	MaxResponseLen  int
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BindingPatch carries partial-field updates for a binding.
// Nil fields are left unchanged.
type BindingPatch struct {
	Name            *string
	Instructions    *string
	ProviderKey     *string
	ResponseDelayMS *int
	MaxResponseLen  *int
	Active          *bool
}

// Interaction is the immutable audit record of one processed message.
// OutputText is the text actually delivered, which is the fallback reply
// when generation failed.
type Interaction struct {
	ID             string
	BindingID      string
	ConversationID string
	SenderID       string
	InputText      string
	OutputText     string
	LatencyMS      int64
	PersonaName    string
	CreatedAt      time.Time
}

// Store defines the interface for persona-gateway persistence
type Store interface {
	// Accounts
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	ListAccounts(ctx context.Context, activeOnly bool) ([]*Account, error)
	DeleteAccount(ctx context.Context, id string) error

	// Conversations
	UpsertConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// Bindings
	ReplaceBinding(ctx context.Context, b *Binding) error
	GetBinding(ctx context.Context, id string) (*Binding, error)
	ListAccountBindings(ctx context.Context, accountID string, activeOnly bool) ([]*Binding, error)
	UpdateBinding(ctx context.Context, id string, patch BindingPatch) (*Binding, error)
	DeleteBinding(ctx context.Context, id string) error

	// Interactions (audit)
	SaveInteraction(ctx context.Context, rec *Interaction) error
	ListInteractions(ctx context.Context, bindingID string, limit int) ([]*Interaction, error)

	Close() error
}
