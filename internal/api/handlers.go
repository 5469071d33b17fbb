package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"agencyops.com/corporate-brain/internal/assistant"
	"agencyops.com/corporate-brain/internal/auth"
	"agencyops.com/corporate-brain/internal/core"
	"agencyops.com/corporate-brain/internal/domain"
	"agencyops.com/corporate-brain/internal/store"
)

type UserStore interface {
	GetUserByExternalID(ctx context.Context, externalUserID string) (*store.User, error)
	CreateUser(ctx context.Context, externalUserID, passwordHash, role string) (*store.User, error)
}

// Brain is the retrieval service behind /brain.
type Brain interface {
	Answer(ctx context.Context, userID int64, req domain.QueryRequest) (*domain.QueryResponse, error)
	Ingest(ctx context.Context, userID int64, content string, metadata map[string]any) (*store.Document, error)
}

// Chat is the assistant conversation flow behind /sessions and /assistant.
type Chat interface {
	Send(ctx context.Context, id auth.Identity, req assistant.SendRequest) (*assistant.Turn, error)
	CreateSession(ctx context.Context, userID int64, title *string) (*store.Session, error)
	ListSessions(ctx context.Context, userID int64) ([]store.Session, error)
	ListMessages(ctx context.Context, userID int64, sessionID string) ([]store.Message, error)
}

type APIHandler struct {
	users  UserStore
	jwt    *auth.JWTService
	brain  Brain
	chat   Chat
	logger *zap.Logger
}

func NewAPIHandler(users UserStore, jwtService *auth.JWTService, brain Brain, chat Chat, logger *zap.Logger) *APIHandler {
	return &APIHandler{users: users, jwt: jwtService, brain: brain, chat: chat, logger: logger}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, domain.ErrorResponse{Error: code, Message: message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body: "+err.Error())
		return false
	}
	return true
}

type SignupRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "User ID and password are required")
		return
	}

	existing, err := h.users.GetUserByExternalID(r.Context(), req.UserID)
	if err != nil {
		h.logger.Error("failed to look up user", zap.String("user", req.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "Failed to create user")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "conflict", "User already exists")
		return
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		h.logger.Error("failed to hash password", zap.String("user", req.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "Failed to process password")
		return
	}

	user, err := h.users.CreateUser(r.Context(), req.UserID, hashedPassword, auth.RoleAuthenticated)
	if err != nil {
		h.logger.Error("failed to create user", zap.String("user", req.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "Failed to create user")
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

type LoginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "User ID and password are required")
		return
	}

	user, err := h.users.GetUserByExternalID(r.Context(), req.UserID)
	if err != nil {
		h.logger.Error("failed to look up user", zap.String("user", req.UserID), zap.Error(err))
		writeError(w, http.StatusUnauthorized, "invalid_login", "Invalid credentials")
		return
	}
	if user == nil || !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalid_login", "Invalid credentials")
		return
	}

	pair, err := h.jwt.IssuePair(user.ExternalUserID, user.Role)
	if err != nil {
		h.logger.Error("failed to issue tokens", zap.String("user", req.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "Failed to generate token")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *APIHandler) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pair, err := h.jwt.Refresh(req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, domain.ErrCodeInvalidCredential, "invalid JWT: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

type MeResponse struct {
	Subject    string `json:"subject"`
	UserID     int64  `json:"user_id"`
	Role       string `json:"role"`
	ProjectRef string `json:"project_ref"`
}

func (h *APIHandler) MeHandler(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	writeJSON(w, http.StatusOK, MeResponse{
		Subject:    user.ExternalUserID,
		UserID:     user.ID,
		Role:       user.Role,
		ProjectRef: h.jwt.ProjectRef(),
	})
}

func (h *APIHandler) BrainQueryHandler(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())

	var req domain.QueryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.brain.Answer(r.Context(), user.ID, req)
	if err != nil {
		h.writeServiceError(w, err, "Failed to answer query", zap.Int64("user_id", user.ID))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) BrainIngestHandler(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())

	var req domain.IngestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	doc, err := h.brain.Ingest(r.Context(), user.ID, req.Content, req.Metadata)
	if err != nil {
		h.writeServiceError(w, err, "Failed to ingest document", zap.Int64("user_id", user.ID))
		return
	}
	writeJSON(w, http.StatusOK, domain.IngestResponse{Success: true, ID: doc.ID})
}

type CreateSessionRequest struct {
	Title *string `json:"title,omitempty"`
}

func (h *APIHandler) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())

	var req CreateSessionRequest
	if r.Body != http.NoBody && r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}
	session, err := h.chat.CreateSession(r.Context(), user.ID, req.Title)
	if err != nil {
		h.writeServiceError(w, err, "Failed to create session", zap.Int64("user_id", user.ID))
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *APIHandler) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())

	sessions, err := h.chat.ListSessions(r.Context(), user.ID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list sessions", zap.Int64("user_id", user.ID))
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *APIHandler) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	messages, err := h.chat.ListMessages(r.Context(), user.ID, sessionID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list messages", zap.Int64("user_id", user.ID), zap.String("session_id", sessionID))
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

type PostMessageRequest struct {
	SessionID     string `json:"session_id,omitempty"`
	Content       string `json:"content"`
	AgentOverride bool   `json:"agent_override,omitempty"`
	// ClientTZ is the UI's IANA time zone, used for the turn's client_today.
	ClientTZ      string `json:"client_tz,omitempty"`
}

// AssistantMessageHandler runs a full assistant turn for the caller. The
// caller's own tokens travel with the turn so the pipeline can refresh them.
func (h *APIHandler) AssistantMessageHandler(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	tokens := tokensFromContext(r.Context())

	var req PostMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	id := auth.Identity{
		UserID:   user.ID,
		Subject:  user.ExternalUserID,
		Provider: auth.NewLocalProvider(h.jwt, tokens.Access, tokens.Refresh, user.ExternalUserID),
	}
	turn, err := h.chat.Send(r.Context(), id, assistant.SendRequest{
		SessionID:      req.SessionID,
		ClientInstance: r.Header.Get(headerClientInstance),
		Content:        req.Content,
		AgentOverride:  req.AgentOverride,
		ClientTZ:       req.ClientTZ,
	})
	if err != nil {
		h.writeServiceError(w, err, "Failed to post message", zap.Int64("user_id", user.ID), zap.String("session_id", req.SessionID))
		return
	}
	writeJSON(w, http.StatusOK, turn)
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeServiceError maps service errors to HTTP responses.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, err error, message string, fields ...zap.Field) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Session not found")
	case errors.Is(err, core.ErrEmptyQuery),
		errors.Is(err, core.ErrEmptyContent),
		errors.Is(err, core.ErrMissingType),
		errors.Is(err, core.ErrInvalidMetadata),
		errors.Is(err, assistant.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		h.logger.Error(message, append(fields, zap.Error(err))...)
		writeError(w, http.StatusInternalServerError, "internal", message)
	}
}
