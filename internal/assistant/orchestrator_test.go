package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"agencyops.com/corporate-brain/internal/auth"
	"agencyops.com/corporate-brain/internal/domain"
)

const testRef = "proj-a"

type tokenFactory struct {
	t   *testing.T
	jwt *auth.JWTService
}

func newTokens(t *testing.T, ref string, accessTTL time.Duration) tokenFactory {
	return tokenFactory{t: t, jwt: auth.NewJWTService("test-secret", "corporate-brain", ref, accessTTL, 24*time.Hour)}
}

func (f tokenFactory) access(subject, role string) string {
	token, _, err := f.jwt.GenerateAccessToken(subject, role)
	require.NoError(f.t, err)
	return token
}

// scriptedProvider serves a fixed session and hands out fresh tokens on refresh.
type scriptedProvider struct {
	mu           sync.Mutex
	session      *auth.AuthSession
	fresh        func() string
	refreshErr   error
	refreshCalls int
}

func (p *scriptedProvider) Session(ctx context.Context) (*auth.AuthSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return nil, nil
	}
	s := *p.session
	return &s, nil
}

func (p *scriptedProvider) Refresh(ctx context.Context) (*auth.AuthSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshCalls++
	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	p.session.AccessToken = p.fresh()
	s := *p.session
	return &s, nil
}

func (p *scriptedProvider) Verify(ctx context.Context, token string) (string, error) {
	d, err := auth.DecodeDiagnostics(token)
	return d.Subject, err
}

func (p *scriptedProvider) refreshes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshCalls
}

type retrievalStub struct {
	calls    atomic.Int32
	lastReq  atomic.Pointer[domain.QueryRequest]
	lastAuth atomic.Value
	respond  func(call int32, w http.ResponseWriter)
}

func newRetrievalServer(t *testing.T, respond func(call int32, w http.ResponseWriter)) (*retrievalStub, *RetrievalClient) {
	stub := &retrievalStub{respond: respond}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := stub.calls.Add(1)
		var req domain.QueryRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		stub.lastReq.Store(&req)
		stub.lastAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		stub.respond(n, w)
	}))
	t.Cleanup(srv.Close)
	return stub, NewRetrievalClient(srv.URL, srv.Client())
}

func answer(w http.ResponseWriter, text string) {
	_ = json.NewEncoder(w).Encode(domain.QueryResponse{
		Answer:    text,
		Documents: []domain.Document{{ID: "d1", Content: "doc", Metadata: map[string]any{"type": "knowledge_base"}}},
		Meta:      &domain.Meta{LogID: "log-1", LatencyMS: 12},
	})
}

func rejectCredential(w http.ResponseWriter) {
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(domain.ErrorResponse{Error: domain.ErrCodeInvalidCredential, Message: "invalid JWT"})
}

func newTestOrchestrator(t *testing.T, client Retriever, loc *time.Location) *Orchestrator {
	mgr := auth.NewManager(zaptest.NewLogger(t))
	return NewOrchestrator(mgr, client, OrchestratorConfig{
		ExpectedProjectRef: testRef,
		Timeout:            5 * time.Second,
		Location:           loc,
	}, zaptest.NewLogger(t))
}

func TestAskBrainSuccess(t *testing.T) {
	tokens := newTokens(t, testRef, time.Hour)
	token := tokens.access("alice", auth.RoleAuthenticated)
	p := &scriptedProvider{session: &auth.AuthSession{AccessToken: token, Subject: "alice"}}

	stub, client := newRetrievalServer(t, func(_ int32, w http.ResponseWriter) { answer(w, "Q3 revenue grew 12%.") })
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	res := newTestOrchestrator(t, client, loc).AskBrain(context.Background(),
		auth.Identity{UserID: 1, Subject: "alice", Provider: p},
		Query{Text: "how did Q3 go?", SessionID: "s-1"})

	require.Nil(t, res.Diagnostic)
	assert.Equal(t, "Q3 revenue grew 12%.", res.Answer)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, "log-1", res.Meta.LogID)

	assert.EqualValues(t, 1, stub.calls.Load())
	assert.Equal(t, "Bearer "+token, stub.lastAuth.Load())
	req := stub.lastReq.Load()
	assert.Equal(t, "how did Q3 go?", req.Query)
	require.NotNil(t, req.SessionID)
	assert.Equal(t, "s-1", *req.SessionID)
	assert.Equal(t, "Europe/Berlin", req.ClientTZ)
	_, err = time.Parse(domain.DateLayout, req.ClientToday)
	assert.NoError(t, err)
	assert.Equal(t, 0, p.refreshes())
}

func TestAskBrainUsesQueryTimeZone(t *testing.T) {
	tokens := newTokens(t, testRef, time.Hour)
	p := &scriptedProvider{session: &auth.AuthSession{AccessToken: tokens.access("alice", auth.RoleAuthenticated)}}
	stub, client := newRetrievalServer(t, func(_ int32, w http.ResponseWriter) { answer(w, "ok") })

	// 01:30 UTC yesterday is still the day before in Sao Paulo.
	y := time.Now().UTC().AddDate(0, 0, -1)
	fixed := time.Date(y.Year(), y.Month(), y.Day(), 1, 30, 0, 0, time.UTC)
	saoPaulo, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)

	o := NewOrchestrator(auth.NewManager(zaptest.NewLogger(t), auth.WithClock(func() time.Time { return fixed })), client,
		OrchestratorConfig{ExpectedProjectRef: testRef, Timeout: 5 * time.Second, Location: time.UTC}, zaptest.NewLogger(t))

	res := o.AskBrain(context.Background(), auth.Identity{Provider: p}, Query{Text: "due today?", ClientTZ: "America/Sao_Paulo"})
	require.Nil(t, res.Diagnostic)
	req := stub.lastReq.Load()
	assert.Equal(t, "America/Sao_Paulo", req.ClientTZ)
	assert.Equal(t, fixed.In(saoPaulo).Format(domain.DateLayout), req.ClientToday)
	assert.NotEqual(t, fixed.Format(domain.DateLayout), req.ClientToday)

	res = o.AskBrain(context.Background(), auth.Identity{Provider: p}, Query{Text: "due today?", ClientTZ: "Mars/Olympus"})
	require.Nil(t, res.Diagnostic)
	req = stub.lastReq.Load()
	assert.Equal(t, "UTC", req.ClientTZ)
	assert.Equal(t, fixed.Format(domain.DateLayout), req.ClientToday)
}

func TestAskBrainOmitsEmptySessionID(t *testing.T) {
	tokens := newTokens(t, testRef, time.Hour)
	p := &scriptedProvider{session: &auth.AuthSession{AccessToken: tokens.access("alice", auth.RoleAuthenticated)}}
	stub, client := newRetrievalServer(t, func(_ int32, w http.ResponseWriter) { answer(w, "ok") })

	res := newTestOrchestrator(t, client, time.UTC).AskBrain(context.Background(), auth.Identity{Provider: p}, Query{Text: "hi"})
	require.Nil(t, res.Diagnostic)
	assert.Nil(t, stub.lastReq.Load().SessionID)
}

func TestAskBrainRetriesOnceAfterRefresh(t *testing.T) {
	tokens := newTokens(t, testRef, time.Hour)
	p := &scriptedProvider{
		session: &auth.AuthSession{AccessToken: tokens.access("alice", auth.RoleAuthenticated), Subject: "alice"},
		fresh:   func() string { return tokens.access("alice", auth.RoleAuthenticated) },
	}
	stub, client := newRetrievalServer(t, func(call int32, w http.ResponseWriter) {
		if call == 1 {
			rejectCredential(w)
			return
		}
		answer(w, "second time lucky")
	})

	res := newTestOrchestrator(t, client, time.UTC).AskBrain(context.Background(),
		auth.Identity{UserID: 1, Subject: "alice", Provider: p}, Query{Text: "status?"})

	require.Nil(t, res.Diagnostic)
	assert.Equal(t, "second time lucky", res.Answer)
	assert.EqualValues(t, 2, stub.calls.Load())
	assert.Equal(t, 1, p.refreshes())
}

func TestAskBrainGivesUpAfterOneRetry(t *testing.T) {
	tokens := newTokens(t, testRef, time.Hour)
	p := &scriptedProvider{
		session: &auth.AuthSession{AccessToken: tokens.access("alice", auth.RoleAuthenticated)},
		fresh:   func() string { return tokens.access("alice", auth.RoleAuthenticated) },
	}
	stub, client := newRetrievalServer(t, func(_ int32, w http.ResponseWriter) { rejectCredential(w) })

	res := newTestOrchestrator(t, client, time.UTC).AskBrain(context.Background(), auth.Identity{Provider: p}, Query{Text: "status?"})

	require.NotNil(t, res.Diagnostic)
	assert.Equal(t, InvalidCredential, res.Diagnostic.Kind)
	assert.Contains(t, res.Diagnostic.Message, "also after a refresh")
	assert.True(t, strings.HasPrefix(res.Answer, DiagnosticPrefix))
	assert.Empty(t, res.Documents)
	assert.EqualValues(t, 2, stub.calls.Load())
	assert.Equal(t, 1, p.refreshes())
}

func TestAskBrainRefreshFailureStopsRetry(t *testing.T) {
	tokens := newTokens(t, testRef, time.Hour)
	p := &scriptedProvider{
		session:    &auth.AuthSession{AccessToken: tokens.access("alice", auth.RoleAuthenticated)},
		refreshErr: errors.New("refresh token revoked"),
	}
	stub, client := newRetrievalServer(t, func(_ int32, w http.ResponseWriter) { rejectCredential(w) })

	res := newTestOrchestrator(t, client, time.UTC).AskBrain(context.Background(), auth.Identity{Provider: p}, Query{Text: "q"})

	require.NotNil(t, res.Diagnostic)
	assert.Equal(t, InvalidCredential, res.Diagnostic.Kind)
	assert.Contains(t, res.Diagnostic.Detail, "refresh token revoked")
	assert.Contains(t, res.Diagnostic.Message, "refreshing it failed")
	assert.NotContains(t, res.Answer, "also after a refresh")
	assert.EqualValues(t, 1, stub.calls.Load())
	assert.Equal(t, 1, p.refreshes())
}

func TestAskBrainPreflight(t *testing.T) {
	good := newTokens(t, testRef, time.Hour)
	other := newTokens(t, "proj-b", time.Hour)
	expired := newTokens(t, testRef, -time.Minute)

	tests := []struct {
		name    string
		session *auth.AuthSession
		want    DiagnosticKind
		in      []string
	}{
		{name: "signed out", session: nil, want: SessionExpired},
		{
			name:    "anonymous",
			session: &auth.AuthSession{AccessToken: good.access("", auth.RoleAnonymous)},
			want:    AnonymousSession,
		},
		{
			name:    "wrong project",
			session: &auth.AuthSession{AccessToken: other.access("alice", auth.RoleAuthenticated)},
			want:    WrongProjectToken,
			in:      []string{"proj-a", "proj-b", "alice"},
		},
		{
			name:    "expired and unrefreshable",
			session: &auth.AuthSession{AccessToken: expired.access("alice", auth.RoleAuthenticated)},
			want:    TokenExpired,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptedProvider{session: tt.session, refreshErr: errors.New("no refresh token")}
			stub, client := newRetrievalServer(t, func(_ int32, w http.ResponseWriter) { answer(w, "should not happen") })

			res := newTestOrchestrator(t, client, time.UTC).AskBrain(context.Background(), auth.Identity{Provider: p}, Query{Text: "q"})

			require.NotNil(t, res.Diagnostic)
			assert.Equal(t, tt.want, res.Diagnostic.Kind)
			assert.True(t, strings.HasPrefix(res.Answer, DiagnosticPrefix))
			for _, s := range tt.in {
				assert.Contains(t, res.Answer, s)
			}
			assert.Empty(t, res.Documents)
			assert.EqualValues(t, 0, stub.calls.Load())
		})
	}
}

func TestAskBrainWrongProjectTakesPrecedenceOverAnonymous(t *testing.T) {
	other := newTokens(t, "proj-b", time.Hour)
	p := &scriptedProvider{session: &auth.AuthSession{AccessToken: other.access("", auth.RoleAnonymous)}}
	stub, client := newRetrievalServer(t, func(_ int32, w http.ResponseWriter) { answer(w, "x") })

	res := newTestOrchestrator(t, client, time.UTC).AskBrain(context.Background(), auth.Identity{Provider: p}, Query{Text: "q"})
	require.NotNil(t, res.Diagnostic)
	assert.Equal(t, WrongProjectToken, res.Diagnostic.Kind)
	assert.EqualValues(t, 0, stub.calls.Load())
}

func TestAskBrainTransportError(t *testing.T) {
	tokens := newTokens(t, testRef, time.Hour)
	p := &scriptedProvider{session: &auth.AuthSession{AccessToken: tokens.access("alice", auth.RoleAuthenticated)}}
	stub, client := newRetrievalServer(t, func(_ int32, w http.ResponseWriter) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(domain.ErrorResponse{Error: "internal", Message: "embedding backend down"})
	})

	res := newTestOrchestrator(t, client, time.UTC).AskBrain(context.Background(), auth.Identity{Provider: p}, Query{Text: "q"})

	require.NotNil(t, res.Diagnostic)
	assert.Equal(t, Transport, res.Diagnostic.Kind)
	assert.Equal(t, http.StatusInternalServerError, res.Diagnostic.Status)
	assert.Contains(t, res.Answer, "embedding backend down")
	assert.False(t, res.Diagnostic.IsCredentialError())
	assert.EqualValues(t, 1, stub.calls.Load())
	assert.Equal(t, 0, p.refreshes())
}

func TestAskBrainUnauthorizedWithoutCodeIsTransport(t *testing.T) {
	tokens := newTokens(t, testRef, time.Hour)
	p := &scriptedProvider{session: &auth.AuthSession{AccessToken: tokens.access("alice", auth.RoleAuthenticated)}}
	stub, client := newRetrievalServer(t, func(_ int32, w http.ResponseWriter) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(domain.ErrorResponse{Error: "forbidden_tenant"})
	})

	res := newTestOrchestrator(t, client, time.UTC).AskBrain(context.Background(), auth.Identity{Provider: p}, Query{Text: "q"})

	require.NotNil(t, res.Diagnostic)
	assert.Equal(t, Transport, res.Diagnostic.Kind)
	assert.EqualValues(t, 1, stub.calls.Load())
}

func TestAskBrainTimeout(t *testing.T) {
	tokens := newTokens(t, testRef, time.Hour)
	p := &scriptedProvider{session: &auth.AuthSession{AccessToken: tokens.access("alice", auth.RoleAuthenticated)}}
	release := make(chan struct{})
	_, client := newRetrievalServer(t, func(_ int32, w http.ResponseWriter) {
		<-release
		answer(w, "late")
	})
	defer close(release)

	o := NewOrchestrator(auth.NewManager(zaptest.NewLogger(t)), client, OrchestratorConfig{
		ExpectedProjectRef: testRef,
		Timeout:            50 * time.Millisecond,
	}, zaptest.NewLogger(t))

	res := o.AskBrain(context.Background(), auth.Identity{Provider: p}, Query{Text: "q"})
	require.NotNil(t, res.Diagnostic)
	assert.Equal(t, Transport, res.Diagnostic.Kind)
}

func TestRefreshRetryStates(t *testing.T) {
	id := auth.Identity{}
	cred := &auth.Credential{Token: "t0"}

	t.Run("success needs one attempt", func(t *testing.T) {
		creds := &countingRefresher{}
		out := refreshRetry(context.Background(), creds, id, cred, func(context.Context, *auth.Credential) error { return nil })
		assert.Equal(t, 1, out.Attempts)
		assert.False(t, out.Refreshed)
		assert.NoError(t, out.Err)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		creds := &countingRefresher{}
		boom := &TransportError{Status: 502, Detail: "bad gateway"}
		out := refreshRetry(context.Background(), creds, id, cred, func(context.Context, *auth.Credential) error { return boom })
		assert.Equal(t, 1, out.Attempts)
		assert.Equal(t, 0, creds.calls)
		assert.ErrorIs(t, out.Err, boom)
	})

	t.Run("second attempt uses refreshed credential", func(t *testing.T) {
		creds := &countingRefresher{next: &auth.Credential{Token: "t1"}}
		var seen []string
		out := refreshRetry(context.Background(), creds, id, cred, func(_ context.Context, c *auth.Credential) error {
			seen = append(seen, c.Token)
			return ErrInvalidCredential
		})
		assert.Equal(t, []string{"t0", "t1"}, seen)
		assert.Equal(t, 2, out.Attempts)
		assert.Equal(t, 1, creds.calls)
		assert.Equal(t, "t1", out.Credential.Token)
		assert.ErrorIs(t, out.Err, ErrInvalidCredential)
	})
}

type countingRefresher struct {
	next  *auth.Credential
	calls int
}

func (c *countingRefresher) ForceRefresh(ctx context.Context, id auth.Identity) (*auth.Credential, error) {
	c.calls++
	if c.next == nil {
		return nil, auth.ErrNoSession
	}
	return c.next, nil
}

func TestDiagnosticAnswer(t *testing.T) {
	d := &Diagnostic{
		Kind:     WrongProjectToken,
		Message:  "wrong project",
		Expected: "proj-a",
		Observed: &auth.TokenDiagnostics{ProjectRef: "proj-b", Role: "authenticated", Subject: "bob"},
	}
	got := d.Answer()
	assert.True(t, strings.HasPrefix(got, DiagnosticPrefix+"wrong project"))
	assert.Contains(t, got, "expected project: proj-a | token project: proj-b | role: authenticated | subject: bob")
	assert.Equal(t, "wrong_project_token: wrong project", d.Error())
}
