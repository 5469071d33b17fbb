package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"agencyops.com/corporate-brain/internal/assistant"
	"agencyops.com/corporate-brain/internal/auth"
	"agencyops.com/corporate-brain/internal/core"
	"agencyops.com/corporate-brain/internal/domain"
	"agencyops.com/corporate-brain/internal/store"
)

type fakeBrain struct {
	mu        sync.Mutex
	answerErr error
	ingestErr error
	queries   []domain.QueryRequest
	userIDs   []int64
}

func (f *fakeBrain) Answer(ctx context.Context, userID int64, req domain.QueryRequest) (*domain.QueryResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, req)
	f.userIDs = append(f.userIDs, userID)
	if f.answerErr != nil {
		return nil, f.answerErr
	}
	return &domain.QueryResponse{Answer: "answer to " + req.Query, Documents: []domain.Document{}, Meta: &domain.Meta{LogID: "log-1"}}, nil
}

func (f *fakeBrain) Ingest(ctx context.Context, userID int64, content string, metadata map[string]any) (*store.Document, error) {
	if f.ingestErr != nil {
		return nil, f.ingestErr
	}
	return &store.Document{ID: "doc-1", Content: content, Metadata: metadata}, nil
}

type fakeChat struct {
	mu       sync.Mutex
	sent     []assistant.SendRequest
	identity auth.Identity
}

func (f *fakeChat) Send(ctx context.Context, id auth.Identity, req assistant.SendRequest) (*assistant.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	f.identity = id
	if req.Content == "" {
		return nil, assistant.ErrEmptyMessage
	}
	return &assistant.Turn{Session: &store.Session{ID: "s-1", UserID: id.UserID}}, nil
}

func (f *fakeChat) CreateSession(ctx context.Context, userID int64, title *string) (*store.Session, error) {
	return &store.Session{ID: "s-new", UserID: userID, Title: title}, nil
}

func (f *fakeChat) ListSessions(ctx context.Context, userID int64) ([]store.Session, error) {
	return []store.Session{{ID: "s-1", UserID: userID}}, nil
}

func (f *fakeChat) ListMessages(ctx context.Context, userID int64, sessionID string) ([]store.Message, error) {
	if sessionID != "s-1" {
		return nil, store.ErrSessionNotFound
	}
	return []store.Message{{ID: "m-1", SessionID: sessionID, Role: store.RoleUser, Content: "hi"}}, nil
}

type apiFixture struct {
	db     *store.SQLiteStore
	jwt    *auth.JWTService
	brain  *fakeBrain
	chat   *fakeChat
	server *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	db, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &apiFixture{
		db:    db,
		jwt:   auth.NewJWTService("test-secret", "corporate-brain", "proj-a", time.Hour, 24*time.Hour),
		brain: &fakeBrain{},
		chat:  &fakeChat{},
	}
	logger := zaptest.NewLogger(t)
	handler := NewAPIHandler(db, f.jwt, f.brain, f.chat, logger)
	f.server = httptest.NewServer(NewRouter(handler, logger))
	t.Cleanup(f.server.Close)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func (f *apiFixture) signupAndLogin(t *testing.T, userID string) auth.TokenPair {
	t.Helper()
	resp, _ := f.do(t, http.MethodPost, "/api/signup", SignupRequest{UserID: userID, Password: "s3cret"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/login", LoginRequest{UserID: userID, Password: "s3cret"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pair auth.TokenPair
	require.NoError(t, json.Unmarshal(body, &pair))
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	return pair
}

func decodeError(t *testing.T, body []byte) domain.ErrorResponse {
	t.Helper()
	var e domain.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	return e
}

func TestSignupLoginMe(t *testing.T) {
	f := newAPIFixture(t)
	pair := f.signupAndLogin(t, "alice")

	resp, body := f.do(t, http.MethodGet, "/api/auth/me", nil, bearer(pair.AccessToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me MeResponse
	require.NoError(t, json.Unmarshal(body, &me))
	assert.Equal(t, "alice", me.Subject)
	assert.Equal(t, "proj-a", me.ProjectRef)
	assert.Equal(t, auth.RoleAuthenticated, me.Role)

	resp, _ = f.do(t, http.MethodPost, "/api/signup", SignupRequest{UserID: "alice", Password: "other"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/login", LoginRequest{UserID: "alice", Password: "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/signup", SignupRequest{UserID: "bob"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRefreshEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	pair := f.signupAndLogin(t, "alice")

	resp, body := f.do(t, http.MethodPost, "/api/auth/refresh", RefreshRequest{RefreshToken: pair.RefreshToken}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var refreshed auth.TokenPair
	require.NoError(t, json.Unmarshal(body, &refreshed))
	assert.NotEmpty(t, refreshed.AccessToken)

	resp, body = f.do(t, http.MethodPost, "/api/auth/refresh", RefreshRequest{RefreshToken: pair.AccessToken}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, domain.ErrCodeInvalidCredential, decodeError(t, body).Error)
}

func TestBrainQueryAuth(t *testing.T) {
	f := newAPIFixture(t)
	pair := f.signupAndLogin(t, "alice")
	q := domain.QueryRequest{Query: "status?", ClientToday: "2026-10-17", ClientTZ: "UTC"}

	resp, body := f.do(t, http.MethodPost, "/api/brain/query", q, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, domain.ErrCodeInvalidCredential, decodeError(t, body).Error)

	expired := auth.NewJWTService("test-secret", "corporate-brain", "proj-a", -time.Minute, time.Hour)
	stale, _, err := expired.GenerateAccessToken("alice", auth.RoleAuthenticated)
	require.NoError(t, err)
	resp, body = f.do(t, http.MethodPost, "/api/brain/query", q, bearer(stale))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, domain.ErrCodeInvalidCredential, decodeError(t, body).Error)

	otherProject := auth.NewJWTService("test-secret", "corporate-brain", "proj-b", time.Hour, time.Hour)
	foreign, _, err := otherProject.GenerateAccessToken("alice", auth.RoleAuthenticated)
	require.NoError(t, err)
	resp, _ = f.do(t, http.MethodPost, "/api/brain/query", q, bearer(foreign))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	anon, _, err := f.jwt.GenerateAccessToken("", auth.RoleAnonymous)
	require.NoError(t, err)
	resp, _ = f.do(t, http.MethodPost, "/api/brain/query", q, bearer(anon))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/api/brain/query", q, bearer(pair.AccessToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var answer domain.QueryResponse
	require.NoError(t, json.Unmarshal(body, &answer))
	assert.Equal(t, "answer to status?", answer.Answer)
	require.Len(t, f.brain.queries, 1)
	assert.Equal(t, "UTC", f.brain.queries[0].ClientTZ)
}

func TestBrainErrorMapping(t *testing.T) {
	f := newAPIFixture(t)
	pair := f.signupAndLogin(t, "alice")

	tests := []struct {
		err    error
		status int
	}{
		{core.ErrEmptyQuery, http.StatusBadRequest},
		{store.ErrSessionNotFound, http.StatusNotFound},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		f.brain.answerErr = tt.err
		resp, _ := f.do(t, http.MethodPost, "/api/brain/query", domain.QueryRequest{Query: "x"}, bearer(pair.AccessToken))
		assert.Equal(t, tt.status, resp.StatusCode, "error %v", tt.err)
	}
}

func TestBrainIngest(t *testing.T) {
	f := newAPIFixture(t)
	pair := f.signupAndLogin(t, "alice")

	resp, body := f.do(t, http.MethodPost, "/api/brain/ingest",
		domain.IngestRequest{Content: "turn", Metadata: map[string]any{"type": "chat_log"}}, bearer(pair.AccessToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out domain.IngestResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, out.Success)
	assert.Equal(t, "doc-1", out.ID)

	f.brain.ingestErr = core.ErrMissingType
	resp, _ = f.do(t, http.MethodPost, "/api/brain/ingest", domain.IngestRequest{Content: "turn"}, bearer(pair.AccessToken))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionsEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	pair := f.signupAndLogin(t, "alice")

	resp, body := f.do(t, http.MethodPost, "/api/sessions", CreateSessionRequest{}, bearer(pair.AccessToken))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var session store.Session
	require.NoError(t, json.Unmarshal(body, &session))
	assert.Equal(t, "s-new", session.ID)

	resp, _ = f.do(t, http.MethodGet, "/api/sessions/", nil, bearer(pair.AccessToken))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/sessions/s-1/messages", nil, bearer(pair.AccessToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var messages []store.Message
	require.NoError(t, json.Unmarshal(body, &messages))
	assert.Len(t, messages, 1)

	resp, _ = f.do(t, http.MethodGet, "/api/sessions/other/messages", nil, bearer(pair.AccessToken))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAssistantMessageAcceptsRefreshToken(t *testing.T) {
	f := newAPIFixture(t)
	pair := f.signupAndLogin(t, "alice")

	expired := auth.NewJWTService("test-secret", "corporate-brain", "proj-a", -time.Minute, time.Hour)
	stale, _, err := expired.GenerateAccessToken("alice", auth.RoleAuthenticated)
	require.NoError(t, err)

	headers := bearer(stale)
	headers[headerRefreshToken] = pair.RefreshToken
	headers[headerClientInstance] = "tab-1"
	resp, body := f.do(t, http.MethodPost, "/api/assistant/messages", PostMessageRequest{Content: "hello", ClientTZ: "America/Sao_Paulo"}, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	require.Len(t, f.chat.sent, 1)
	assert.Equal(t, "tab-1", f.chat.sent[0].ClientInstance)
	assert.Equal(t, "America/Sao_Paulo", f.chat.sent[0].ClientTZ)
	assert.Equal(t, "alice", f.chat.identity.Subject)
	require.NotNil(t, f.chat.identity.Provider)
	session, err := f.chat.identity.Provider.Session(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stale, session.AccessToken)
	assert.Equal(t, pair.RefreshToken, session.RefreshToken)

	resp, _ = f.do(t, http.MethodPost, "/api/assistant/messages", PostMessageRequest{Content: "hello"}, bearer(stale))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/assistant/messages", PostMessageRequest{}, bearer(pair.AccessToken))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRetrievalClientSeesInvalidCredential(t *testing.T) {
	f := newAPIFixture(t)
	f.signupAndLogin(t, "alice")

	expired := auth.NewJWTService("test-secret", "corporate-brain", "proj-a", -time.Minute, time.Hour)
	stale, _, err := expired.GenerateAccessToken("alice", auth.RoleAuthenticated)
	require.NoError(t, err)

	client := assistant.NewRetrievalClient(f.server.URL+"/api/brain", f.server.Client())
	_, err = client.Query(context.Background(), stale, domain.QueryRequest{Query: "status?"})
	assert.ErrorIs(t, err, assistant.ErrInvalidCredential)
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}
