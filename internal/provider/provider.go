// ABOUTME: Response Provider contract and error taxonomy
// ABOUTME: A provider turns a prompt plus constraints into completion text

package provider

import (
	"context"
	"errors"
)

// Provider errors. Callers are expected to treat anything else as a generic
// upstream failure.
var (
	// ErrAuth indicates the credential was rejected by the provider.
	ErrAuth = errors.New("provider rejected credential")

	// ErrRateLimited indicates the provider throttled the request.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrTimeout indicates the request exceeded its deadline.
	ErrTimeout = errors.New("provider timed out")
)

// CompletionRequest carries one completion call.
type CompletionRequest struct {
	SystemPrompt string
	UserText     string

	// APIKey is the credential for this call. The caller resolves
	// persona-level overrides before reaching the provider.
	APIKey string

	// MaxTokens bounds the generation budget.
	MaxTokens int
}

// Provider is the external text-completion service.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}
