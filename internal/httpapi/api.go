// ABOUTME: HTTP management API for engine lifecycle, accounts, and persona bindings.
// ABOUTME: JSON over net/http with bearer-token auth on every route except /health.

package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/persona-gateway/internal/engine"
	"github.com/2389/persona-gateway/internal/store"
)

// Server exposes the management API over HTTP.
type Server struct {
	engine   *engine.Engine
	store    store.Store
	verifier TokenVerifier
	logger   *slog.Logger
}

// NewServer creates a management API server.
func NewServer(e *engine.Engine, st store.Store, verifier TokenVerifier, logger *slog.Logger) *Server {
	return &Server{
		engine:   e,
		store:    st,
		verifier: verifier,
		logger:   logger.With("component", "httpapi"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/engine/start", s.requireAuth(s.handleEngineStart))
	mux.HandleFunc("POST /api/engine/stop", s.requireAuth(s.handleEngineStop))
	mux.HandleFunc("GET /api/engine/status", s.requireAuth(s.handleEngineStatus))

	mux.HandleFunc("GET /api/accounts", s.requireAuth(s.handleListAccounts))
	mux.HandleFunc("POST /api/accounts", s.requireAuth(s.handleCreateAccount))
	mux.HandleFunc("GET /api/accounts/{id}", s.requireAuth(s.handleGetAccount))
	mux.HandleFunc("DELETE /api/accounts/{id}", s.requireAuth(s.handleDeleteAccount))
	mux.HandleFunc("POST /api/accounts/{id}/start", s.requireAuth(s.handleStartAccount))
	mux.HandleFunc("POST /api/accounts/{id}/stop", s.requireAuth(s.handleStopAccount))
	mux.HandleFunc("GET /api/accounts/{id}/bindings", s.requireAuth(s.handleListBindings))

	mux.HandleFunc("POST /api/bindings", s.requireAuth(s.handleCreateBinding))
	mux.HandleFunc("GET /api/bindings/{id}", s.requireAuth(s.handleGetBinding))
	mux.HandleFunc("PATCH /api/bindings/{id}", s.requireAuth(s.handleUpdateBinding))
	mux.HandleFunc("DELETE /api/bindings/{id}", s.requireAuth(s.handleDeleteBinding))
	mux.HandleFunc("GET /api/bindings/{id}/interactions", s.requireAuth(s.handleListInteractions))

	return mux
}

// CreateAccountRequest is the JSON request body for POST /api/accounts.
type CreateAccountRequest struct {
	PhoneNumber  string `json:"phone_number"`
	APIID        string `json:"api_id,omitempty"`
	APIHash      string `json:"api_hash,omitempty"`
	SessionToken string `json:"session_token"`
	UserID       string `json:"user_id,omitempty"`
	Username     string `json:"username,omitempty"`
	Active       *bool  `json:"active,omitempty"`
}

// AccountResponse is the JSON shape for account reads.
// Credentials never leave the store through the API.
type AccountResponse struct {
	ID          string `json:"id"`
	PhoneNumber string `json:"phone_number"`
	Username    string `json:"username,omitempty"`
	Active      bool   `json:"active"`
	Running     bool   `json:"running"`
	CreatedAt   string `json:"created_at"`
}

// CreateBindingRequest is the JSON request body for POST /api/bindings.
type CreateBindingRequest struct {
	AccountID       string `json:"account_id"`
	ConversationID  string `json:"conversation_id"`
	Name            string `json:"name"`
	Instructions    string `json:"instructions,omitempty"`
	ProviderKey     string `json:"provider_key,omitempty"`
	ResponseDelayMS int    `json:"response_delay_ms,omitempty"`
	MaxResponseLen  int    `json:"max_response_len,omitempty"`
	Active          *bool  `json:"active,omitempty"`
}

// UpdateBindingRequest is the JSON request body for PATCH /api/bindings/{id}.
// Absent fields are left unchanged.
type UpdateBindingRequest struct {
	Name            *string `json:"name,omitempty"`
	Instructions    *string `json:"instructions,omitempty"`
	ProviderKey     *string `json:"provider_key,omitempty"`
	ResponseDelayMS *int    `json:"response_delay_ms,omitempty"`
	MaxResponseLen  *int    `json:"max_response_len,omitempty"`
	Active          *bool   `json:"active,omitempty"`
}

// BindingResponse is the JSON shape for binding reads.
type BindingResponse struct {
	ID              string `json:"id"`
	AccountID       string `json:"account_id"`
	ConversationID  string `json:"conversation_id"`
	Name            string `json:"name"`
	Instructions    string `json:"instructions,omitempty"`
	HasProviderKey  bool   `json:"has_provider_key"`
	ResponseDelayMS int    `json:"response_delay_ms"`
	MaxResponseLen  int    `json:"max_response_len"`
	Active          bool   `json:"active"`
	CreatedAt       string `json:"created_at"`
}

// InteractionResponse is the JSON shape for audit reads.
type InteractionResponse struct {
	ID             string `json:"id"`
	BindingID      string `json:"binding_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	InputText      string `json:"input_text"`
	OutputText     string `json:"output_text"`
	LatencyMS      int64  `json:"latency_ms"`
	PersonaName    string `json:"persona_name"`
	CreatedAt      string `json:"created_at"`
}

// StartReportResponse is the JSON response for engine and account starts.
type StartReportResponse struct {
	Started        []string          `json:"started"`
	AlreadyRunning []string          `json:"already_running"`
	Failed         map[string]string `json:"failed"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"running_accounts": len(s.engine.Status()),
	})
}

func (s *Server) handleEngineStart(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.StartAll(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, startReportResponse(report))
}

func (s *Server) handleEngineStop(w http.ResponseWriter, r *http.Request) {
	stopped := s.engine.StopAll()
	writeJSON(w, http.StatusOK, map[string]int{"stopped": stopped})
}

func (s *Server) handleEngineStatus(w http.ResponseWriter, r *http.Request) {
	statuses := s.engine.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"running":  len(statuses),
		"accounts": statuses,
	})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	accounts, err := s.store.ListAccounts(r.Context(), activeOnly)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	resp := make([]AccountResponse, 0, len(accounts))
	for _, a := range accounts {
		resp = append(resp, s.accountResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": resp})
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	acct := &store.Account{
		PhoneNumber:  req.PhoneNumber,
		APIID:        req.APIID,
		APIHash:      req.APIHash,
		SessionToken: req.SessionToken,
		UserID:       req.UserID,
		Username:     req.Username,
		Active:       req.Active == nil || *req.Active,
	}
	if err := s.engine.CreateAccount(r.Context(), acct); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.accountResponse(acct))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.store.GetAccount(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.accountResponse(acct))
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteAccount(r.Context(), r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.engine.StartAccount(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"account_id": id, "state": "running"})
	case errors.Is(err, engine.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "account already running")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	default:
		s.logger.Error("account start failed", "account_id", id, "error", err)
		writeError(w, http.StatusBadGateway, "account failed to start")
	}
}

func (s *Server) handleStopAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.engine.StopAccount(id)
	writeJSON(w, http.StatusOK, map[string]string{"account_id": id, "state": "stopped"})
}

func (s *Server) handleListBindings(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetAccount(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}

	activeOnly := r.URL.Query().Get("active") == "true"
	bindings, err := s.store.ListAccountBindings(r.Context(), id, activeOnly)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	resp := make([]BindingResponse, 0, len(bindings))
	for _, b := range bindings {
		resp = append(resp, bindingResponse(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"bindings": resp})
}

func (s *Server) handleCreateBinding(w http.ResponseWriter, r *http.Request) {
	var req CreateBindingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	b := &store.Binding{
		AccountID:       req.AccountID,
		ConversationID:  req.ConversationID,
		Name:            req.Name,
		Instructions:    req.Instructions,
		ProviderKey:     req.ProviderKey,
		ResponseDelayMS: req.ResponseDelayMS,
		MaxResponseLen:  req.MaxResponseLen,
		Active:          req.Active == nil || *req.Active,
	}
	if err := s.engine.AddBinding(r.Context(), b); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bindingResponse(b))
}

func (s *Server) handleGetBinding(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.GetBinding(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bindingResponse(b))
}

func (s *Server) handleUpdateBinding(w http.ResponseWriter, r *http.Request) {
	var req UpdateBindingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	b, err := s.engine.UpdateBinding(r.Context(), r.PathValue("id"), store.BindingPatch{
		Name:            req.Name,
		Instructions:    req.Instructions,
		ProviderKey:     req.ProviderKey,
		ResponseDelayMS: req.ResponseDelayMS,
		MaxResponseLen:  req.MaxResponseLen,
		Active:          req.Active,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bindingResponse(b))
}

func (s *Server) handleDeleteBinding(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RemoveBinding(r.Context(), r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListInteractions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetBinding(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	recs, err := s.store.ListInteractions(r.Context(), id, limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	resp := make([]InteractionResponse, 0, len(recs))
	for _, rec := range recs {
		resp = append(resp, InteractionResponse{
			ID:             rec.ID,
			BindingID:      rec.BindingID,
			ConversationID: rec.ConversationID,
			SenderID:       rec.SenderID,
			InputText:      rec.InputText,
			OutputText:     rec.OutputText,
			LatencyMS:      rec.LatencyMS,
			PersonaName:    rec.PersonaName,
			CreatedAt:      rec.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"interactions": resp})
}

func (s *Server) accountResponse(a *store.Account) AccountResponse {
	return AccountResponse{
		ID:          a.ID,
		PhoneNumber: a.PhoneNumber,
		Username:    a.Username,
		Active:      a.Active,
		Running:     s.engine.Running(a.ID),
		CreatedAt:   a.CreatedAt.Format(time.RFC3339),
	}
}

func bindingResponse(b *store.Binding) BindingResponse {
	return BindingResponse{
		ID:              b.ID,
		AccountID:       b.AccountID,
		ConversationID:  b.ConversationID,
		Name:            b.Name,
		Instructions:    b.Instructions,
		HasProviderKey:  b.ProviderKey != "",
		ResponseDelayMS: b.ResponseDelayMS,
		MaxResponseLen:  b.MaxResponseLen,
		Active:          b.Active,
		CreatedAt:       b.CreatedAt.Format(time.RFC3339),
	}
}

func startReportResponse(report *engine.StartReport) StartReportResponse {
	resp := StartReportResponse{
		Started:        report.Started,
		AlreadyRunning: report.AlreadyRunning,
		Failed:         make(map[string]string, len(report.Failed)),
	}
	if resp.Started == nil {
		resp.Started = []string{}
	}
	if resp.AlreadyRunning == nil {
		resp.AlreadyRunning = []string{}
	}
	for id, err := range report.Failed {
		resp.Failed[id] = err.Error()
	}
	return resp
}

// writeStoreError maps domain errors onto HTTP status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrDuplicateAccount):
		writeError(w, http.StatusConflict, "account with that phone number already exists")
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
