package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAuthenticated = "authenticated"
	RoleAnonymous     = "anon"

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	Ref  string `json:"ref,omitempty"`
	Role string `json:"role,omitempty"`
	Type string `json:"typ,omitempty"`
	jwt.RegisteredClaims
}

// JWTService signs and validates the bearer tokens of one deployment. Every
// token carries the deployment's project reference in its `ref` claim.
type JWTService struct {
	secret     []byte
	issuer     string
	projectRef string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewJWTService(secret, issuer, projectRef string, accessTTL, refreshTTL time.Duration) *JWTService {
	return &JWTService{
		secret:     []byte(secret),
		issuer:     issuer,
		projectRef: projectRef,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

func (j *JWTService) ProjectRef() string {
	return j.projectRef
}

func (j *JWTService) GenerateAccessToken(subject, role string) (string, time.Time, error) {
	return j.generate(subject, role, tokenTypeAccess, j.accessTTL)
}

// GenerateRefreshToken carries the role so a refresh reissues the same one.
func (j *JWTService) GenerateRefreshToken(subject, role string) (string, time.Time, error) {
	return j.generate(subject, role, tokenTypeRefresh, j.refreshTTL)
}

func (j *JWTService) generate(subject, role, typ string, ttl time.Duration) (string, time.Time, error) {
	now := j.now()
	claims := &Claims{
		Ref:  j.projectRef,
		Role: role,
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign %s token: %w", typ, err)
	}
	return signed, claims.ExpiresAt.Time, nil
}

// ValidateAccessToken verifies signature, expiry, issuer and project reference
// of an access token.
func (j *JWTService) ValidateAccessToken(tokenString string) (*Claims, error) {
	return j.validate(tokenString, tokenTypeAccess)
}

func (j *JWTService) ValidateRefreshToken(tokenString string) (*Claims, error) {
	return j.validate(tokenString, tokenTypeRefresh)
}

func (j *JWTService) validate(tokenString, typ string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(j.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
	)

	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return j.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != typ {
		return nil, fmt.Errorf("%w: expected %s token, got %q", ErrInvalidToken, typ, claims.Type)
	}
	if claims.Ref != j.projectRef {
		return nil, fmt.Errorf("%w: token issued for project %q", ErrInvalidToken, claims.Ref)
	}
	return claims, nil
}

// Refresh exchanges a refresh token for a new access/refresh pair with the
// same subject and role.
func (j *JWTService) Refresh(refreshToken string) (*TokenPair, error) {
	claims, err := j.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.Role == "" {
		return nil, fmt.Errorf("%w: refresh token carries no role", ErrInvalidToken)
	}
	return j.IssuePair(claims.Subject, claims.Role)
}

type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (j *JWTService) IssuePair(subject, role string) (*TokenPair, error) {
	access, expiresAt, err := j.GenerateAccessToken(subject, role)
	if err != nil {
		return nil, err
	}
	refresh, _, err := j.GenerateRefreshToken(subject, role)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: expiresAt}, nil
}
