package assistant

import (
	"context"
	"errors"

	"agencyops.com/corporate-brain/internal/auth"
)

// retryState is a step of the one-refresh, one-retry call protocol:
//
//	attempt1 --invalid credential--> refresh --ok--> attempt2 --> done
//	    |                               |
//	    +--------- anything else -------+------------------------> done
//
// attempt2 always moves to done, so a call runs at most twice.
type retryState int

const (
	stateAttempt1 retryState = iota
	stateRefresh
	stateAttempt2
	stateDone
)

type callOutcome struct {
	// Credential used by the last attempt.
	Credential *auth.Credential
	Attempts   int
	Refreshed  bool
	RefreshErr error
	Err        error
}

type credentialRefresher interface {
	ForceRefresh(ctx context.Context, id auth.Identity) (*auth.Credential, error)
}

func refreshRetry(ctx context.Context, creds credentialRefresher, id auth.Identity, cred *auth.Credential, call func(context.Context, *auth.Credential) error) callOutcome {
	out := callOutcome{Credential: cred}
	state := stateAttempt1
	for state != stateDone {
		switch state {
		case stateAttempt1:
			out.Attempts++
			out.Err = call(ctx, out.Credential)
			if errors.Is(out.Err, ErrInvalidCredential) {
				state = stateRefresh
			} else {
				state = stateDone
			}
		case stateRefresh:
			out.Refreshed = true
			refreshed, err := creds.ForceRefresh(ctx, id)
			if err != nil {
				out.RefreshErr = err
				state = stateDone
				continue
			}
			out.Credential = refreshed
			state = stateAttempt2
		case stateAttempt2:
			out.Attempts++
			out.Err = call(ctx, out.Credential)
			state = stateDone
		}
	}
	return out
}
