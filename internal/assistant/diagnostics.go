package assistant

import (
	"fmt"
	"strings"
	"time"

	"agencyops.com/corporate-brain/internal/auth"
)

// DiagnosticPrefix marks an assistant message that reports a failure instead
// of an answer.
const DiagnosticPrefix = "⚠️ "

type DiagnosticKind string

const (
	SessionExpired    DiagnosticKind = "session_expired"
	TokenExpired      DiagnosticKind = "token_expired"
	WrongProjectToken DiagnosticKind = "wrong_project_token"
	AnonymousSession  DiagnosticKind = "anonymous_session"
	InvalidCredential DiagnosticKind = "invalid_credential"
	Transport         DiagnosticKind = "transport"
)

// Diagnostic describes why a query produced no answer. It carries the decoded
// credential context needed to debug the failure, never the token itself.
type Diagnostic struct {
	Kind     DiagnosticKind         `json:"kind"`
	Message  string                 `json:"message"`
	Expected string                 `json:"expected_project_ref,omitempty"`
	Observed *auth.TokenDiagnostics `json:"observed,omitempty"`
	Status   int                    `json:"status,omitempty"`
	Detail   string                 `json:"detail,omitempty"`
}

func (d *Diagnostic) Error() string {
	return string(d.Kind) + ": " + d.Message
}

// IsCredentialError reports whether the failure is about the caller's
// credential rather than the transport.
func (d *Diagnostic) IsCredentialError() bool {
	return d.Kind != Transport
}

// Answer renders the diagnostic as an assistant message.
func (d *Diagnostic) Answer() string {
	var sb strings.Builder
	sb.WriteString(DiagnosticPrefix)
	sb.WriteString(d.Message)
	if d.Status != 0 || d.Detail != "" {
		fmt.Fprintf(&sb, "\n\nstatus: %d, detail: %s", d.Status, orNone(d.Detail))
	}
	if d.Expected != "" || d.Observed != nil {
		obs := auth.TokenDiagnostics{}
		if d.Observed != nil {
			obs = *d.Observed
		}
		fmt.Fprintf(&sb, "\n\nexpected project: %s | token project: %s | role: %s | subject: %s",
			orNone(d.Expected), orNone(obs.ProjectRef), orNone(obs.Role), orNone(obs.Subject))
	}
	return sb.String()
}

func newDiagnostic(kind DiagnosticKind, expected string, cred *auth.Credential) *Diagnostic {
	d := &Diagnostic{Kind: kind, Expected: expected}
	if cred != nil {
		obs := cred.Diagnostics
		d.Observed = &obs
	}
	switch kind {
	case SessionExpired:
		d.Message = "Your session has expired. Please sign in again."
	case WrongProjectToken:
		d.Message = fmt.Sprintf("Your token was issued for project %q, but this deployment expects %q. Sign out and sign in again.",
			d.Observed.ProjectRef, expected)
	case AnonymousSession:
		d.Message = "You are using an anonymous session. Sign in to query the corporate memory."
	case TokenExpired:
		d.Message = fmt.Sprintf("Your access token expired at %s and could not be refreshed. Please sign in again.",
			d.Observed.ExpiresAt.UTC().Format(time.RFC3339))
	case InvalidCredential:
		d.Message = "The retrieval service rejected your credential, also after a refresh."
	case Transport:
		d.Message = "The retrieval service could not answer."
	}
	return d
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
