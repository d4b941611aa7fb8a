// ABOUTME: Tests for the management API routes
// ABOUTME: Covers auth enforcement, account and binding CRUD, lifecycle control, and audits

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/persona-gateway/internal/engine"
	"github.com/2389/persona-gateway/internal/platform"
	"github.com/2389/persona-gateway/internal/provider"
	"github.com/2389/persona-gateway/internal/store"
)

type fakeProvider struct{}

func (fakeProvider) Complete(ctx context.Context, req provider.CompletionRequest) (string, error) {
	return "ok", nil
}

type apiFixture struct {
	server    *httptest.Server
	token     string
	store     *store.MockStore
	engine    *engine.Engine
	connector *platform.LoopbackConnector
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ms := store.NewMockStore()
	connector := platform.NewLoopbackConnector()

	e := engine.New(engine.Options{
		Store:        ms,
		Connector:    connector,
		Provider:     fakeProvider{},
		GlobalAPIKey: "global-key",
		Defaults:     engine.Defaults{MaxResponseLength: 500},
		Logger:       logger,
	})
	t.Cleanup(e.Close)

	verifier := NewJWTVerifier([]byte("test-secret"))
	token, err := verifier.Generate("admin", time.Hour)
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(e, ms, verifier, logger).Handler())
	t.Cleanup(srv.Close)

	return &apiFixture{server: srv, token: token, store: ms, engine: e, connector: connector}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func (f *apiFixture) createAccount(t *testing.T, phone, token string) string {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/accounts", CreateAccountRequest{
		PhoneNumber:  phone,
		SessionToken: token,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created AccountResponse
	decodeBody(t, resp, &created)
	return created.ID
}

func TestHealthUnauthenticated(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestAuthEnforcement(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic abc"},
		{"invalid token", "Bearer not-a-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, f.server.URL+"/api/accounts", nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestAccountLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createAccount(t, "+15551234", "tok-1")

	// Reads never expose credentials.
	resp := f.do(t, http.MethodGet, "/api/accounts/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "tok-1")
	assert.NotContains(t, string(raw), "session_token")

	// Duplicate phone number conflicts.
	dup := f.do(t, http.MethodPost, "/api/accounts", CreateAccountRequest{
		PhoneNumber: "+15551234", SessionToken: "tok-2",
	})
	assert.Equal(t, http.StatusConflict, dup.StatusCode)

	// Missing fields are a bad request.
	bad := f.do(t, http.MethodPost, "/api/accounts", CreateAccountRequest{SessionToken: "tok-3"})
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	list := f.do(t, http.MethodGet, "/api/accounts", nil)
	var listBody struct {
		Accounts []AccountResponse `json:"accounts"`
	}
	decodeBody(t, list, &listBody)
	require.Len(t, listBody.Accounts, 1)
	assert.Equal(t, id, listBody.Accounts[0].ID)

	del := f.do(t, http.MethodDelete, "/api/accounts/"+id, nil)
	assert.Equal(t, http.StatusNoContent, del.StatusCode)

	missing := f.do(t, http.MethodGet, "/api/accounts/"+id, nil)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestBindingLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	accountID := f.createAccount(t, "+15551234", "tok-1")

	resp := f.do(t, http.MethodPost, "/api/bindings", CreateBindingRequest{
		AccountID:      accountID,
		ConversationID: "conv-1",
		Name:           "Helper",
		Instructions:   "Friendly support persona",
		ProviderKey:    "persona-key",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created BindingResponse
	decodeBody(t, resp, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, 500, created.MaxResponseLen) // engine default applied
	assert.True(t, created.HasProviderKey)

	// The provider key itself never appears in responses.
	get := f.do(t, http.MethodGet, "/api/bindings/"+created.ID, nil)
	raw, err := io.ReadAll(get.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "persona-key")

	// Unknown account rejected up front.
	bad := f.do(t, http.MethodPost, "/api/bindings", CreateBindingRequest{
		AccountID: "missing", ConversationID: "conv-1", Name: "Helper",
	})
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	// Partial update.
	delay := 750
	patched := f.do(t, http.MethodPatch, "/api/bindings/"+created.ID, UpdateBindingRequest{
		ResponseDelayMS: &delay,
	})
	require.Equal(t, http.StatusOK, patched.StatusCode)
	var after BindingResponse
	decodeBody(t, patched, &after)
	assert.Equal(t, 750, after.ResponseDelayMS)
	assert.Equal(t, "Helper", after.Name)

	list := f.do(t, http.MethodGet, "/api/accounts/"+accountID+"/bindings", nil)
	var listBody struct {
		Bindings []BindingResponse `json:"bindings"`
	}
	decodeBody(t, list, &listBody)
	require.Len(t, listBody.Bindings, 1)

	del := f.do(t, http.MethodDelete, "/api/bindings/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, del.StatusCode)
	missing := f.do(t, http.MethodGet, "/api/bindings/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestEngineLifecycleRoutes(t *testing.T) {
	f := newAPIFixture(t)
	f.createAccount(t, "+15551234", "tok-1")

	start := f.do(t, http.MethodPost, "/api/engine/start", nil)
	require.Equal(t, http.StatusOK, start.StatusCode)
	var report StartReportResponse
	decodeBody(t, start, &report)
	require.Len(t, report.Started, 1)
	assert.Empty(t, report.Failed)

	status := f.do(t, http.MethodGet, "/api/engine/status", nil)
	var statusBody struct {
		Running  int                    `json:"running"`
		Accounts []engine.AccountStatus `json:"accounts"`
	}
	decodeBody(t, status, &statusBody)
	assert.Equal(t, 1, statusBody.Running)

	stop := f.do(t, http.MethodPost, "/api/engine/stop", nil)
	require.Equal(t, http.StatusOK, stop.StatusCode)
	var stopBody map[string]int
	decodeBody(t, stop, &stopBody)
	assert.Equal(t, 1, stopBody["stopped"])
}

func TestStartReportsFailedAccounts(t *testing.T) {
	f := newAPIFixture(t)
	f.connector.ExpiredSessions["tok-bad"] = true
	f.createAccount(t, "+15551234", "tok-bad")

	start := f.do(t, http.MethodPost, "/api/engine/start", nil)
	require.Equal(t, http.StatusOK, start.StatusCode)
	var report StartReportResponse
	decodeBody(t, start, &report)
	assert.Empty(t, report.Started)
	assert.Len(t, report.Failed, 1)
}

func TestPerAccountStartStop(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createAccount(t, "+15551234", "tok-1")

	start := f.do(t, http.MethodPost, "/api/accounts/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, start.StatusCode)
	assert.True(t, f.engine.Running(id))

	again := f.do(t, http.MethodPost, "/api/accounts/"+id+"/start", nil)
	assert.Equal(t, http.StatusConflict, again.StatusCode)

	stop := f.do(t, http.MethodPost, "/api/accounts/"+id+"/stop", nil)
	require.Equal(t, http.StatusOK, stop.StatusCode)
	assert.False(t, f.engine.Running(id))

	missing := f.do(t, http.MethodPost, "/api/accounts/nope/start", nil)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestListInteractions(t *testing.T) {
	f := newAPIFixture(t)
	accountID := f.createAccount(t, "+15551234", "tok-1")

	resp := f.do(t, http.MethodPost, "/api/bindings", CreateBindingRequest{
		AccountID: accountID, ConversationID: "conv-1", Name: "Helper",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created BindingResponse
	decodeBody(t, resp, &created)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.store.SaveInteraction(context.Background(), &store.Interaction{
			ID:             "rec-" + string(rune('a'+i)),
			BindingID:      created.ID,
			ConversationID: "conv-1",
			SenderID:       "user-9",
			InputText:      "hi",
			OutputText:     "ok",
			PersonaName:    "Helper",
		}))
	}

	list := f.do(t, http.MethodGet, "/api/bindings/"+created.ID+"/interactions?limit=2", nil)
	require.Equal(t, http.StatusOK, list.StatusCode)
	var listBody struct {
		Interactions []InteractionResponse `json:"interactions"`
	}
	decodeBody(t, list, &listBody)
	assert.Len(t, listBody.Interactions, 2)

	bad := f.do(t, http.MethodGet, "/api/bindings/"+created.ID+"/interactions?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	missing := f.do(t, http.MethodGet, "/api/bindings/nope/interactions", nil)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}
