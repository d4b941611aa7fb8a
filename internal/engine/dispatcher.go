// ABOUTME: Per-event dispatch path: filter, resolve persona, generate, delay, send, audit.
// ABOUTME: Each inbound message runs in its own goroutine with its own error boundary.

package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/persona-gateway/internal/dedupe"
	"github.com/2389/persona-gateway/internal/platform"
	"github.com/2389/persona-gateway/internal/registry"
	"github.com/2389/persona-gateway/internal/store"
)

// FallbackReply is delivered when response generation fails.
// Delivery is guaranteed even under provider failure; only content degrades.
const FallbackReply = "Sorry, I'm having trouble coming up with a reply right now. Please try again in a bit."

// Dispatcher processes inbound platform events for all accounts.
type Dispatcher struct {
	registry  *registry.Registry
	responder *Responder
	store     store.Store
	seen      *dedupe.Cache
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher. seen may be shared across accounts;
// dedupe keys carry the account id.
func NewDispatcher(reg *registry.Registry, responder *Responder, st store.Store, seen *dedupe.Cache, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry:  reg,
		responder: responder,
		store:     st,
		seen:      seen,
		logger:    logger.With("component", "dispatcher"),
	}
}

// Dispatch handles one inbound message end to end. It is the body of a
// dispatch goroutine: it never panics outward and never blocks any other
// event's handling. ctx is the owning account's context; cancellation
// abandons the event.
func (d *Dispatcher) Dispatch(ctx context.Context, accountID, selfID string, conn platform.Conn, msg *platform.InboundMessage) {
	// Redelivered events are dropped before any persona work.
	if msg.ID != "" && d.seen.CheckAndMark(accountID+":"+msg.ConversationID+":"+msg.ID) {
		d.logger.Debug("duplicate event ignored",
			"account_id", accountID,
			"conversation_id", msg.ConversationID,
			"message_id", msg.ID,
		)
		return
	}

	// Self-authored messages produce no reply and no record.
	if msg.SenderID == selfID {
		return
	}

	// No persona bound here means the message is not ours to answer.
	persona, ok := d.registry.Lookup(accountID, msg.ConversationID)
	if !ok {
		return
	}

	start := time.Now()
	text, err := d.responder.Generate(ctx, msg.Text, persona)
	if err != nil {
		if ctx.Err() != nil {
			d.logger.Info("dispatch abandoned during generation",
				"account_id", accountID,
				"conversation_id", msg.ConversationID,
			)
			return
		}
		d.logger.Warn("generation failed, using fallback reply",
			"account_id", accountID,
			"conversation_id", msg.ConversationID,
			"persona", persona.Name,
			"error", err,
		)
		text = FallbackReply
	}
	// Latency covers receipt through generation only, never the
	// configured delay.
	latency := time.Since(start)

	if persona.ResponseDelay > 0 {
		timer := time.NewTimer(persona.ResponseDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			d.logger.Info("dispatch abandoned during delay",
				"account_id", accountID,
				"conversation_id", msg.ConversationID,
			)
			return
		}
	}

	if err := conn.Send(ctx, msg.ConversationID, text); err != nil {
		if ctx.Err() != nil {
			d.logger.Info("dispatch abandoned before delivery",
				"account_id", accountID,
				"conversation_id", msg.ConversationID,
			)
			return
		}
		// The connection stays alive for subsequent messages.
		d.logger.Error("delivery failed",
			"account_id", accountID,
			"conversation_id", msg.ConversationID,
			"error", err,
		)
		return
	}

	rec := &store.Interaction{
		ID:             uuid.New().String(),
		BindingID:      persona.BindingID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		InputText:      msg.Text,
		OutputText:     text,
		LatencyMS:      latency.Milliseconds(),
		PersonaName:    persona.Name,
	}
	if err := d.store.SaveInteraction(ctx, rec); err != nil {
		// Audit persistence never blocks or undoes delivery.
		d.logger.Warn("failed to save interaction record",
			"binding_id", persona.BindingID,
			"conversation_id", msg.ConversationID,
			"error", err,
		)
	}
}
