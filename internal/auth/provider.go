package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// LocalProvider is an in-process identity provider over the caller's token
// pair, backed by this deployment's JWTService.
type LocalProvider struct {
	jwt *JWTService

	mu      sync.Mutex
	session AuthSession
}

func NewLocalProvider(jwtService *JWTService, accessToken, refreshToken, subject string) *LocalProvider {
	return &LocalProvider{
		jwt: jwtService,
		session: AuthSession{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			Subject:      subject,
		},
	}
}

func (p *LocalProvider) Session(ctx context.Context) (*AuthSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session.AccessToken == "" {
		return nil, nil
	}
	s := p.session
	return &s, nil
}

func (p *LocalProvider) Refresh(ctx context.Context) (*AuthSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", ErrNoSession)
	}
	pair, err := p.jwt.Refresh(p.session.RefreshToken)
	if err != nil {
		return nil, err
	}
	p.session.AccessToken = pair.AccessToken
	p.session.RefreshToken = pair.RefreshToken
	s := p.session
	return &s, nil
}

func (p *LocalProvider) Verify(ctx context.Context, accessToken string) (string, error) {
	claims, err := p.jwt.ValidateAccessToken(accessToken)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// HTTPProvider talks to the auth endpoints of a running server.
type HTTPProvider struct {
	baseURL    string
	httpClient *http.Client

	mu      sync.Mutex
	session AuthSession
}

func NewHTTPProvider(baseURL string, timeout time.Duration, pair TokenPair, subject string) *HTTPProvider {
	return &HTTPProvider{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		session: AuthSession{
			AccessToken:  pair.AccessToken,
			RefreshToken: pair.RefreshToken,
			Subject:      subject,
		},
	}
}

func (p *HTTPProvider) Session(ctx context.Context) (*AuthSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session.AccessToken == "" {
		return nil, nil
	}
	s := p.session
	return &s, nil
}

func (p *HTTPProvider) Refresh(ctx context.Context) (*AuthSession, error) {
	p.mu.Lock()
	refreshToken := p.session.RefreshToken
	p.mu.Unlock()
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", ErrNoSession)
	}

	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refresh request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/auth/refresh", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var pair TokenPair
	if err := p.do(req, &pair); err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.session.AccessToken = pair.AccessToken
	if pair.RefreshToken != "" {
		p.session.RefreshToken = pair.RefreshToken
	}
	s := p.session
	return &s, nil
}

type meResponse struct {
	Subject string `json:"subject"`
}

func (p *HTTPProvider) Verify(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/auth/me", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create identity request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var me meResponse
	if err := p.do(req, &me); err != nil {
		return "", fmt.Errorf("identity check: %w", err)
	}
	return me.Subject, nil
}

func (p *HTTPProvider) do(req *http.Request, out any) error {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", ErrInvalidToken, strings.TrimSpace(string(respBody)))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("auth API error [%d]: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
