// ABOUTME: Connection abstraction over the chat platform
// ABOUTME: Defines Connector/Conn interfaces and the inbound message event type

package platform

import (
	"context"
	"errors"
	"time"
)

// ErrAuthExpired indicates the stored session is no longer valid.
// The account must go through the re-authentication workflow before it can
// be started again.
var ErrAuthExpired = errors.New("platform session expired")

// Credentials identifies one account to the platform.
type Credentials struct {
	APIID        string
	APIHash      string
	SessionToken string
}

// InboundMessage is one message event delivered by a live connection.
type InboundMessage struct {
	// ID is the platform-assigned message identifier, unique within a
	// conversation. Used for deduplication of redelivered events.
	ID string

	ConversationID string
	SenderID       string
	Text           string
	ReceivedAt     time.Time
}

// Handler receives inbound message events. Implementations must not block
// the connection's event loop; the engine spawns a dispatch goroutine per
// event.
type Handler func(msg *InboundMessage)

// Conn is one live authenticated connection to the platform.
type Conn interface {
	// SelfID returns the platform identity of the connected account,
	// used to filter self-authored messages.
	SelfID() string

	// OnMessage registers the inbound event callback. At most one handler
	// is active; registering again replaces the previous one.
	OnMessage(h Handler)

	// Send delivers a reply into a conversation.
	Send(ctx context.Context, conversationID, text string) error

	// Close disconnects. Safe to call more than once.
	Close() error
}

// Connector establishes connections. Real platform drivers (the wire
// protocol) live behind this seam and are out of scope for this repo;
// the loopback driver in this package serves development and tests.
type Connector interface {
	Connect(ctx context.Context, creds Credentials) (Conn, error)
}
