// ABOUTME: In-process loopback implementation of the platform connection abstraction
// ABOUTME: Used by the engine's tests and by serve when no real driver is configured

package platform

import (
	"context"
	"errors"
	"sync"
	"time"
)

// LoopbackConnector is an in-process Connector. Connections it hands out
// never touch the network; inbound messages are injected with Inject and
// outbound replies are captured for inspection.
type LoopbackConnector struct {
	mu    sync.Mutex
	conns map[string]*LoopbackConn // keyed by session token

	// ExpiredSessions lists session tokens Connect rejects with ErrAuthExpired.
	ExpiredSessions map[string]bool

	// SelfIDs maps session token to the connected account's own identity.
	// Unset tokens default to "self:<token>".
	SelfIDs map[string]string
}

// NewLoopbackConnector creates an empty loopback connector.
func NewLoopbackConnector() *LoopbackConnector {
	return &LoopbackConnector{
		conns:           make(map[string]*LoopbackConn),
		ExpiredSessions: make(map[string]bool),
		SelfIDs:         make(map[string]string),
	}
}

// Connect returns a live loopback connection for the credentials.
// Session tokens marked expired fail with ErrAuthExpired.
func (c *LoopbackConnector) Connect(ctx context.Context, creds Credentials) (Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if creds.SessionToken == "" || c.ExpiredSessions[creds.SessionToken] {
		return nil, ErrAuthExpired
	}

	selfID := c.SelfIDs[creds.SessionToken]
	if selfID == "" {
		selfID = "self:" + creds.SessionToken
	}

	conn := &LoopbackConn{selfID: selfID}
	c.conns[creds.SessionToken] = conn
	return conn, nil
}

// Conn returns the live connection for a session token, or nil.
func (c *LoopbackConnector) Conn(sessionToken string) *LoopbackConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[sessionToken]
}

// LoopbackConn is the Conn implementation handed out by LoopbackConnector.
type LoopbackConn struct {
	selfID string

	mu      sync.Mutex
	handler Handler
	sent    []OutboundMessage
	closed  bool

	// SendErr, when set, is returned by every Send call.
	SendErr error
}

// OutboundMessage records one Send call on a loopback connection.
type OutboundMessage struct {
	ConversationID string
	Text           string
}

// SelfID returns the connected account's own platform identity.
func (c *LoopbackConn) SelfID() string {
	return c.selfID
}

// OnMessage registers the inbound event callback.
func (c *LoopbackConn) OnMessage(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Send captures the outbound reply.
func (c *LoopbackConn) Send(ctx context.Context, conversationID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, OutboundMessage{ConversationID: conversationID, Text: text})
	return nil
}

// Close marks the connection closed. Idempotent.
func (c *LoopbackConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (c *LoopbackConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Inject delivers an inbound message to the registered handler, as the
// platform would. No-op if no handler is registered or the conn is closed.
func (c *LoopbackConn) Inject(msg *InboundMessage) {
	c.mu.Lock()
	h := c.handler
	closed := c.closed
	c.mu.Unlock()

	if h == nil || closed {
		return
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	h(msg)
}

// Sent returns a copy of every outbound message captured so far.
func (c *LoopbackConn) Sent() []OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]OutboundMessage, len(c.sent))
	copy(out, c.sent)
	return out
}
