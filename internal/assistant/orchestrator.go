package assistant

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"agencyops.com/corporate-brain/internal/auth"
	"agencyops.com/corporate-brain/internal/domain"
)

type Retriever interface {
	Query(ctx context.Context, token string, req domain.QueryRequest) (*domain.QueryResponse, error)
}

type CredentialSource interface {
	credentialRefresher
	GetValidCredential(ctx context.Context, id auth.Identity) (*auth.Credential, error)
	Now() time.Time
}

type OrchestratorConfig struct {
	// ExpectedProjectRef is the `ref` every token must carry.
	ExpectedProjectRef string
	// Timeout bounds a whole AskBrain call, refresh included.
	Timeout time.Duration
	// Location is the default time zone for client_today/client_tz when a
	// query names none.
	Location *time.Location
}

// Orchestrator turns a user utterance into an authenticated retrieval call.
type Orchestrator struct {
	creds  CredentialSource
	client Retriever
	cfg    OrchestratorConfig
	logger *zap.Logger
}

func NewOrchestrator(creds CredentialSource, client Retriever, cfg OrchestratorConfig, logger *zap.Logger) *Orchestrator {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Orchestrator{creds: creds, client: client, cfg: cfg, logger: logger}
}

type Query struct {
	Text          string
	SessionID     string
	AgentOverride bool
	// ClientTZ is the caller's IANA zone. Empty or unknown falls back to
	// OrchestratorConfig.Location.
	ClientTZ      string
}

// Result is the outcome of AskBrain. Failures are data: Diagnostic is set,
// Answer holds its rendering and Documents is empty.
type Result struct {
	Answer     string
	Documents  []domain.Document
	Meta       *domain.Meta
	Diagnostic *Diagnostic
}

func failed(d *Diagnostic) Result {
	return Result{Answer: d.Answer(), Documents: []domain.Document{}, Diagnostic: d}
}

// AskBrain never returns an error; every failure mode maps to a diagnostic.
func (o *Orchestrator) AskBrain(ctx context.Context, id auth.Identity, q Query) Result {
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}
	logger := o.logger.With(zap.Int64("user_id", id.UserID), zap.String("session_id", q.SessionID))

	cred, err := o.creds.GetValidCredential(ctx, id)
	if err != nil {
		logger.Warn("could not obtain credential", zap.Error(err))
	}
	if d := o.preflight(cred); d != nil {
		logger.Info("query rejected before sending", zap.String("kind", string(d.Kind)), zap.Stringer("credential", cred))
		return failed(d)
	}

	o.softIdentityCheck(ctx, id, cred, logger)

	loc := o.location(q.ClientTZ, logger)
	req := domain.QueryRequest{
		Query:         q.Text,
		ClientToday:   o.creds.Now().In(loc).Format(domain.DateLayout),
		ClientTZ:      loc.String(),
		AgentOverride: q.AgentOverride,
	}
	if q.SessionID != "" {
		sid := q.SessionID
		req.SessionID = &sid
	}

	var resp *domain.QueryResponse
	out := refreshRetry(ctx, o.creds, id, cred, func(ctx context.Context, c *auth.Credential) error {
		var callErr error
		resp, callErr = o.client.Query(ctx, c.Token, req)
		return callErr
	})
	logger.Debug("retrieval call finished",
		zap.Int("attempts", out.Attempts),
		zap.Bool("refreshed", out.Refreshed),
		zap.NamedError("refresh_error", out.RefreshErr),
		zap.Error(out.Err),
	)

	if out.Err == nil {
		return Result{Answer: resp.Answer, Documents: resp.Documents, Meta: resp.Meta}
	}
	return failed(o.terminal(out, logger))
}

func (o *Orchestrator) location(tz string, logger *zap.Logger) *time.Location {
	if tz == "" {
		return o.cfg.Location
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		logger.Warn("unknown client time zone", zap.String("client_tz", tz), zap.Error(err))
		return o.cfg.Location
	}
	return loc
}

// preflight runs the checks that fail without touching the network, in order.
func (o *Orchestrator) preflight(cred *auth.Credential) *Diagnostic {
	expected := o.cfg.ExpectedProjectRef
	if cred == nil {
		return newDiagnostic(SessionExpired, expected, nil)
	}
	d := cred.Diagnostics
	if d.ProjectRef != "" && expected != "" && d.ProjectRef != expected {
		return newDiagnostic(WrongProjectToken, expected, cred)
	}
	if d.Role == auth.RoleAnonymous {
		return newDiagnostic(AnonymousSession, expected, cred)
	}
	if d.ExpiredAt(o.creds.Now()) {
		return newDiagnostic(TokenExpired, expected, cred)
	}
	return nil
}

// softIdentityCheck asks the provider who the token belongs to. The answer is
// informational only.
func (o *Orchestrator) softIdentityCheck(ctx context.Context, id auth.Identity, cred *auth.Credential, logger *zap.Logger) {
	if id.Provider == nil {
		return
	}
	subject, err := id.Provider.Verify(ctx, cred.Token)
	switch {
	case err != nil:
		logger.Warn("identity check failed", zap.Error(err), zap.Stringer("credential", cred))
	case subject != cred.Diagnostics.Subject:
		logger.Warn("identity check subject differs from token",
			zap.String("provider_subject", subject),
			zap.String("token_subject", cred.Diagnostics.Subject),
		)
	}
}

func (o *Orchestrator) terminal(out callOutcome, logger *zap.Logger) *Diagnostic {
	var d *Diagnostic
	var te *TransportError
	switch {
	case errors.Is(out.Err, ErrInvalidCredential):
		d = newDiagnostic(InvalidCredential, o.cfg.ExpectedProjectRef, out.Credential)
		if out.RefreshErr != nil {
			d.Message = "The retrieval service rejected your credential and refreshing it failed. Please sign in again."
			d.Detail = "refresh failed: " + out.RefreshErr.Error()
		} else {
			d.Detail = out.Err.Error()
		}
	case errors.As(out.Err, &te):
		d = newDiagnostic(Transport, o.cfg.ExpectedProjectRef, out.Credential)
		d.Status = te.Status
		d.Detail = te.Detail
	default:
		d = newDiagnostic(Transport, o.cfg.ExpectedProjectRef, out.Credential)
		d.Detail = out.Err.Error()
	}
	logger.Warn("query failed", zap.String("kind", string(d.Kind)), zap.Int("status", d.Status), zap.String("detail", d.Detail))
	return d
}
