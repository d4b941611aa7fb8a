// Package provider defines the completion-provider contract consumed by the
// routing engine and ships an OpenAI-compatible implementation.
//
// The engine only depends on the Provider interface and the three sentinel
// errors (ErrAuth, ErrRateLimited, ErrTimeout); everything else a provider
// might report is folded into a generic failure before it reaches a
// conversation.
package provider
