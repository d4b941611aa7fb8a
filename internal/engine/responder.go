// ABOUTME: Builds persona-scoped prompts and calls the completion provider.
// ABOUTME: Resolves credentials, bounds the call, and clamps response length.

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/persona-gateway/internal/provider"
	"github.com/2389/persona-gateway/internal/registry"
)

// ErrNoCredential indicates neither the persona nor the global provider
// credential is configured.
var ErrNoCredential = errors.New("no completion credential configured")

// ErrGenerationFailed is the generic failure returned for any provider
// error. Provider detail is logged, never surfaced into a conversation.
var ErrGenerationFailed = errors.New("response generation failed")

// Responder generates persona responses through the completion provider.
type Responder struct {
	provider  provider.Provider
	globalKey string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewResponder creates a Responder. globalKey is the fallback credential
// used when a persona carries none; timeout bounds each provider call.
func NewResponder(p provider.Provider, globalKey string, timeout time.Duration, logger *slog.Logger) *Responder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Responder{
		provider:  p,
		globalKey: globalKey,
		timeout:   timeout,
		logger:    logger.With("component", "responder"),
	}
}

// Generate produces the persona's reply to the input text.
// Returns ErrNoCredential when no credential is available, or
// ErrGenerationFailed for any provider error.
func (r *Responder) Generate(ctx context.Context, input string, p registry.Persona) (string, error) {
	key := p.ProviderKey
	if key == "" {
		key = r.globalKey
	}
	if key == "" {
		return "", ErrNoCredential
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	text, err := r.provider.Complete(ctx, provider.CompletionRequest{
		SystemPrompt: buildSystemPrompt(p),
		UserText:     input,
		APIKey:       key,
		MaxTokens:    p.MaxResponseLen,
	})
	if err != nil {
		r.logger.Warn("completion failed",
			"persona", p.Name,
			"binding_id", p.BindingID,
			"error", err,
		)
		return "", ErrGenerationFailed
	}

	return truncateRunes(text, p.MaxResponseLen), nil
}

// buildSystemPrompt embeds the persona identity, its free-text
// instructions, and the hard length constraint.
func buildSystemPrompt(p registry.Persona) string {
	return fmt.Sprintf(`You are taking part in a group chat as %q.

Role: %s
Persona: %s

Rules:
1. Always respond in character for your role and persona.
2. Keep every response within %d characters.
3. Keep a natural, conversational tone.
4. Avoid content that does not fit your role.`,
		p.Name, p.Name, p.Instructions, p.MaxResponseLen)
}

// truncateRunes clamps s to at most n runes. The provider's token budget
// alone cannot guarantee a character bound.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
