// ABOUTME: OpenAI-compatible chat-completions client implementing Provider
// ABOUTME: Minimal request/response shapes over net/http with status-aware error mapping

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// chatMessage is one entry in the messages array.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the minimal request shape for the Chat Completions endpoint.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

// chatResponse is the minimal response shape returned by the Chat Completions endpoint.
type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("provider: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// OpenAIClient is a focused OpenAI-compatible client for chat completions.
type OpenAIClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// Option configures an OpenAIClient.
type Option func(*OpenAIClient)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *OpenAIClient) {
		c.httpClient = httpClient
	}
}

// NewOpenAIClient creates a client against an OpenAI-compatible endpoint.
// The API key is per-request (personas carry their own credentials), so the
// client holds none.
func NewOpenAIClient(baseURL, model string, timeout time.Duration, opts ...Option) (*OpenAIClient, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		return nil, errors.New("provider: model must not be empty")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &OpenAIClient{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// Complete sends one chat-completion request and returns the first choice's text.
func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if req.APIKey == "" {
		return "", ErrAuth
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserText},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("provider: marshal request: %w", err)
	}

	url := chatURL(c.baseURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("provider: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	raw, err := c.doJSONRequest(httpReq, url)
	if err != nil {
		return "", mapRequestError(err)
	}

	var payload chatResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return "", fmt.Errorf("provider: decode response: %w", decErr)
	}
	if len(payload.Choices) == 0 {
		return "", errors.New("provider: no choices in response")
	}
	return payload.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.httpClient.Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

// mapRequestError folds transport and status failures into the package's
// error taxonomy so callers never see provider internals.
func mapRequestError(err error) error {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: status %d", ErrAuth, statusErr.StatusCode)
		case http.StatusTooManyRequests:
			return ErrRateLimited
		}
		return fmt.Errorf("provider: request failed: %w", err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	// http.Client timeouts surface as url.Error with Timeout() == true
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return ErrTimeout
	}

	return fmt.Errorf("provider: request failed: %w", err)
}
