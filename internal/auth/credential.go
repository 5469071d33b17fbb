package auth

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenDiagnostics is what the pipeline reads out of a bearer token without
// verifying its signature. Verification belongs to the identity provider.
type TokenDiagnostics struct {
	ProjectRef string    `json:"project_ref"`
	Role       string    `json:"role"`
	Subject    string    `json:"subject"`
	Issuer     string    `json:"issuer,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ExpiredAt reports whether the token is expired at now. Tokens without an
// exp claim never expire here.
func (d TokenDiagnostics) ExpiredAt(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && !d.ExpiresAt.After(now)
}

func (d TokenDiagnostics) String() string {
	exp := "none"
	if !d.ExpiresAt.IsZero() {
		exp = d.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("ref=%s role=%s sub=%s exp=%s", orDash(d.ProjectRef), orDash(d.Role), orDash(d.Subject), exp)
}

// Credential is a bearer token plus its decoded diagnostics.
type Credential struct {
	Token       string
	Diagnostics TokenDiagnostics
}

func (c *Credential) String() string {
	if c == nil {
		return "<no credential>"
	}
	return "credential(" + c.Diagnostics.String() + ")"
}

// DecodeDiagnostics decodes the payload segment of a three-segment token.
func DecodeDiagnostics(token string) (TokenDiagnostics, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return TokenDiagnostics{}, fmt.Errorf("failed to decode token payload: %w", err)
	}

	d := TokenDiagnostics{
		Role:    stringClaim(claims, "role"),
		Subject: stringClaim(claims, "sub"),
		Issuer:  stringClaim(claims, "iss"),
	}
	d.ProjectRef = stringClaim(claims, "ref")
	if d.ProjectRef == "" {
		d.ProjectRef = refFromIssuer(d.Issuer)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return d, fmt.Errorf("failed to decode exp claim: %w", err)
	}
	if exp != nil {
		d.ExpiresAt = exp.Time
	}
	return d, nil
}

func NewCredential(token string) (*Credential, error) {
	d, err := DecodeDiagnostics(token)
	return &Credential{Token: token, Diagnostics: d}, err
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

// refFromIssuer turns "https://abcd.example.co/auth/v1" into "abcd". A
// non-URL issuer is used as the reference itself.
func refFromIssuer(iss string) string {
	if iss == "" {
		return ""
	}
	u, err := url.Parse(iss)
	if err != nil || u.Host == "" {
		return iss
	}
	host := u.Hostname()
	if i := strings.IndexByte(host, '.'); i > 0 {
		return host[:i]
	}
	return host
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
