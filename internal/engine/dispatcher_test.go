// ABOUTME: Tests for the per-message dispatch pipeline
// ABOUTME: Covers filtering, fallback, delay, delivery failure, and audit semantics

package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/persona-gateway/internal/dedupe"
	"github.com/2389/persona-gateway/internal/platform"
	"github.com/2389/persona-gateway/internal/provider"
	"github.com/2389/persona-gateway/internal/registry"
	"github.com/2389/persona-gateway/internal/store"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls []provider.CompletionRequest
	reply func(req provider.CompletionRequest) (string, error)
}

func (f *fakeProvider) Complete(ctx context.Context, req provider.CompletionRequest) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	reply := f.reply
	f.mu.Unlock()

	if reply != nil {
		return reply(req)
	}
	return "ok", nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type dispatchFixture struct {
	registry   *registry.Registry
	provider   *fakeProvider
	store      *store.MockStore
	dispatcher *Dispatcher
	conn       *platform.LoopbackConn
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()

	fp := &fakeProvider{}
	reg := registry.New()
	ms := store.NewMockStore()
	seen := dedupe.New(time.Minute, 100)
	t.Cleanup(seen.Close)

	responder := NewResponder(fp, "global-key", 5*time.Second, discardLogger())
	d := NewDispatcher(reg, responder, ms, seen, discardLogger())

	connector := platform.NewLoopbackConnector()
	conn, err := connector.Connect(context.Background(), platform.Credentials{SessionToken: "tok"})
	require.NoError(t, err)

	return &dispatchFixture{
		registry:   reg,
		provider:   fp,
		store:      ms,
		dispatcher: d,
		conn:       conn.(*platform.LoopbackConn),
	}
}

func (f *dispatchFixture) dispatch(ctx context.Context, msg *platform.InboundMessage) {
	f.dispatcher.Dispatch(ctx, "acct-1", "self-1", f.conn, msg)
}

func TestDispatchRepliesInConfiguredConversation(t *testing.T) {
	f := newDispatchFixture(t)
	f.registry.Upsert("acct-1", "conv-1", registry.Persona{
		BindingID:      "bind-1",
		Name:           "Helper",
		Instructions:   "Friendly support persona",
		MaxResponseLen: 500,
	})
	f.provider.reply = func(req provider.CompletionRequest) (string, error) {
		return "Happy to help!", nil
	}

	f.dispatch(context.Background(), &platform.InboundMessage{
		ID:             "m1",
		ConversationID: "conv-1",
		SenderID:       "user-9",
		Text:           "hello there",
	})

	sent := f.conn.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "conv-1", sent[0].ConversationID)
	assert.Equal(t, "Happy to help!", sent[0].Text)

	recs := f.store.Interactions()
	require.Len(t, recs, 1)
	assert.Equal(t, "bind-1", recs[0].BindingID)
	assert.Equal(t, "user-9", recs[0].SenderID)
	assert.Equal(t, "hello there", recs[0].InputText)
	assert.Equal(t, "Happy to help!", recs[0].OutputText)
	assert.Equal(t, "Helper", recs[0].PersonaName)
	assert.GreaterOrEqual(t, recs[0].LatencyMS, int64(0))
}

func TestDispatchIgnoresSelfAuthoredMessages(t *testing.T) {
	f := newDispatchFixture(t)
	f.registry.Upsert("acct-1", "conv-1", registry.Persona{BindingID: "bind-1", Name: "Helper"})

	f.dispatch(context.Background(), &platform.InboundMessage{
		ID:             "m1",
		ConversationID: "conv-1",
		SenderID:       "self-1",
		Text:           "my own message",
	})

	assert.Empty(t, f.conn.Sent())
	assert.Empty(t, f.store.Interactions())
	assert.Zero(t, f.provider.callCount())
}

func TestDispatchIgnoresUnboundConversations(t *testing.T) {
	f := newDispatchFixture(t)

	f.dispatch(context.Background(), &platform.InboundMessage{
		ID:             "m1",
		ConversationID: "conv-unbound",
		SenderID:       "user-9",
		Text:           "anyone here?",
	})

	assert.Empty(t, f.conn.Sent())
	assert.Empty(t, f.store.Interactions())
	assert.Zero(t, f.provider.callCount())
}

func TestDispatchDropsRedeliveredEvents(t *testing.T) {
	f := newDispatchFixture(t)
	f.registry.Upsert("acct-1", "conv-1", registry.Persona{BindingID: "bind-1", Name: "Helper"})

	msg := &platform.InboundMessage{
		ID:             "m1",
		ConversationID: "conv-1",
		SenderID:       "user-9",
		Text:           "hello",
	}
	f.dispatch(context.Background(), msg)
	f.dispatch(context.Background(), msg)

	assert.Len(t, f.conn.Sent(), 1)
	assert.Len(t, f.store.Interactions(), 1)
	assert.Equal(t, 1, f.provider.callCount())
}

func TestDispatchFallbackOnProviderFailure(t *testing.T) {
	f := newDispatchFixture(t)
	f.registry.Upsert("acct-1", "conv-1", registry.Persona{BindingID: "bind-1", Name: "Helper"})
	f.provider.reply = func(req provider.CompletionRequest) (string, error) {
		return "", provider.ErrRateLimited
	}

	f.dispatch(context.Background(), &platform.InboundMessage{
		ID:             "m1",
		ConversationID: "conv-1",
		SenderID:       "user-9",
		Text:           "hello",
	})

	// Delivery still happens, with degraded content.
	sent := f.conn.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, FallbackReply, sent[0].Text)

	recs := f.store.Interactions()
	require.Len(t, recs, 1)
	assert.Equal(t, FallbackReply, recs[0].OutputText)
}

func TestDispatchFallbackWhenNoCredential(t *testing.T) {
	fp := &fakeProvider{}
	reg := registry.New()
	ms := store.NewMockStore()
	seen := dedupe.New(time.Minute, 100)
	t.Cleanup(seen.Close)

	// No global key and no persona key.
	responder := NewResponder(fp, "", 5*time.Second, discardLogger())
	d := NewDispatcher(reg, responder, ms, seen, discardLogger())

	connector := platform.NewLoopbackConnector()
	conn, err := connector.Connect(context.Background(), platform.Credentials{SessionToken: "tok"})
	require.NoError(t, err)
	lc := conn.(*platform.LoopbackConn)

	reg.Upsert("acct-1", "conv-1", registry.Persona{BindingID: "bind-1", Name: "Helper"})
	d.Dispatch(context.Background(), "acct-1", "self-1", lc, &platform.InboundMessage{
		ID:             "m1",
		ConversationID: "conv-1",
		SenderID:       "user-9",
		Text:           "hello",
	})

	sent := lc.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, FallbackReply, sent[0].Text)
	assert.Zero(t, fp.callCount())
}

func TestDispatchHonorsResponseDelay(t *testing.T) {
	f := newDispatchFixture(t)
	f.registry.Upsert("acct-1", "conv-1", registry.Persona{
		BindingID:     "bind-1",
		Name:          "Helper",
		ResponseDelay: 300 * time.Millisecond,
	})

	start := time.Now()
	f.dispatch(context.Background(), &platform.InboundMessage{
		ID:             "m1",
		ConversationID: "conv-1",
		SenderID:       "user-9",
		Text:           "hello",
	})
	elapsed := time.Since(start)

	require.Len(t, f.conn.Sent(), 1)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)

	// Recorded latency covers generation only, never the delay.
	recs := f.store.Interactions()
	require.Len(t, recs, 1)
	assert.Less(t, recs[0].LatencyMS, int64(300))
}

func TestDispatchAbandonedDuringDelay(t *testing.T) {
	f := newDispatchFixture(t)
	f.registry.Upsert("acct-1", "conv-1", registry.Persona{
		BindingID:     "bind-1",
		Name:          "Helper",
		ResponseDelay: 5 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.dispatch(ctx, &platform.InboundMessage{
			ID:             "m1",
			ConversationID: "conv-1",
			SenderID:       "user-9",
			Text:           "hello",
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not return after cancellation")
	}

	assert.Empty(t, f.conn.Sent())
	assert.Empty(t, f.store.Interactions())
}

func TestDispatchDeliveryFailureLeavesNoRecord(t *testing.T) {
	f := newDispatchFixture(t)
	f.registry.Upsert("acct-1", "conv-1", registry.Persona{BindingID: "bind-1", Name: "Helper"})
	f.conn.SendErr = errors.New("flood wait")

	f.dispatch(context.Background(), &platform.InboundMessage{
		ID:             "m1",
		ConversationID: "conv-1",
		SenderID:       "user-9",
		Text:           "hello",
	})

	assert.Empty(t, f.store.Interactions())

	// The connection stays usable for the next message.
	f.conn.SendErr = nil
	f.dispatch(context.Background(), &platform.InboundMessage{
		ID:             "m2",
		ConversationID: "conv-1",
		SenderID:       "user-9",
		Text:           "still there?",
	})
	assert.Len(t, f.conn.Sent(), 1)
}

func TestDispatchAuditFailureDoesNotUndoDelivery(t *testing.T) {
	f := newDispatchFixture(t)
	f.registry.Upsert("acct-1", "conv-1", registry.Persona{BindingID: "bind-1", Name: "Helper"})
	f.store.SaveInteractionErr = errors.New("disk full")

	f.dispatch(context.Background(), &platform.InboundMessage{
		ID:             "m1",
		ConversationID: "conv-1",
		SenderID:       "user-9",
		Text:           "hello",
	})

	assert.Len(t, f.conn.Sent(), 1)
	assert.Empty(t, f.store.Interactions())
}

func TestDispatchClampsResponseLength(t *testing.T) {
	f := newDispatchFixture(t)
	f.registry.Upsert("acct-1", "conv-1", registry.Persona{
		BindingID:      "bind-1",
		Name:           "Helper",
		MaxResponseLen: 100,
	})
	f.provider.reply = func(req provider.CompletionRequest) (string, error) {
		assert.Equal(t, 100, req.MaxTokens)
		return strings.Repeat("x", 150), nil
	}

	f.dispatch(context.Background(), &platform.InboundMessage{
		ID:             "m1",
		ConversationID: "conv-1",
		SenderID:       "user-9",
		Text:           "hello",
	})

	sent := f.conn.Sent()
	require.Len(t, sent, 1)
	assert.Len(t, []rune(sent[0].Text), 100)
}

func TestDispatchUsesPersonaCredential(t *testing.T) {
	f := newDispatchFixture(t)
	f.registry.Upsert("acct-1", "conv-1", registry.Persona{
		BindingID:   "bind-1",
		Name:        "Helper",
		ProviderKey: "persona-key",
	})
	f.provider.reply = func(req provider.CompletionRequest) (string, error) {
		assert.Equal(t, "persona-key", req.APIKey)
		return "ok", nil
	}

	f.dispatch(context.Background(), &platform.InboundMessage{
		ID:             "m1",
		ConversationID: "conv-1",
		SenderID:       "user-9",
		Text:           "hello",
	})

	require.Equal(t, 1, f.provider.callCount())
}

func TestConcurrentDispatchesIndependent(t *testing.T) {
	f := newDispatchFixture(t)
	f.registry.Upsert("acct-1", "conv-slow", registry.Persona{
		BindingID:     "bind-slow",
		Name:          "Slow",
		ResponseDelay: 400 * time.Millisecond,
	})
	f.registry.Upsert("acct-1", "conv-fast", registry.Persona{
		BindingID: "bind-fast",
		Name:      "Fast",
	})

	var wg sync.WaitGroup
	wg.Add(2)
	fastDone := make(chan time.Time, 1)
	go func() {
		defer wg.Done()
		f.dispatch(context.Background(), &platform.InboundMessage{
			ID: "m-slow", ConversationID: "conv-slow", SenderID: "user-9", Text: "hi",
		})
	}()
	go func() {
		defer wg.Done()
		f.dispatch(context.Background(), &platform.InboundMessage{
			ID: "m-fast", ConversationID: "conv-fast", SenderID: "user-9", Text: "hi",
		})
		fastDone <- time.Now()
	}()

	start := time.Now()
	wg.Wait()

	// The fast conversation must not wait behind the slow one's delay.
	assert.Less(t, (<-fastDone).Sub(start), 300*time.Millisecond)
	assert.Len(t, f.conn.Sent(), 2)
}
