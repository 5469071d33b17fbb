package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"agencyops.com/corporate-brain/internal/auth"
	"agencyops.com/corporate-brain/internal/domain"
	"agencyops.com/corporate-brain/internal/store"
)

const (
	headerRefreshToken   = "X-Refresh-Token"
	headerClientInstance = "X-Client-Instance"
)

type ctxKey int

const (
	userKey ctxKey = iota
	tokensKey
)

// requestTokens are the caller's bearer credentials as sent on the request.
type requestTokens struct {
	Access  string
	Refresh string
}

func userFromContext(ctx context.Context) *store.User {
	user, _ := ctx.Value(userKey).(*store.User)
	return user
}

func tokensFromContext(ctx context.Context) requestTokens {
	tokens, _ := ctx.Value(tokensKey).(requestTokens)
	return tokens
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}

// JWTAuthMiddleware admits requests carrying a valid access token for a known,
// non-anonymous user. Rejections use the invalid_credential error code so
// clients know a refresh may help.
func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearerToken(r)
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, domain.ErrCodeInvalidCredential, "Authorization header is required")
			return
		}

		claims, err := h.jwt.ValidateAccessToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, domain.ErrCodeInvalidCredential, "invalid JWT: "+err.Error())
			return
		}
		if claims.Role == auth.RoleAnonymous {
			writeError(w, http.StatusForbidden, "anonymous_session", "sign in to use this endpoint")
			return
		}

		h.serveAs(w, r, next, claims.Subject, requestTokens{Access: tokenString, Refresh: r.Header.Get(headerRefreshToken)})
	})
}

// SessionAuthMiddleware also admits an expired or otherwise rejected access
// token when the request carries a valid refresh token, so the assistant
// pipeline can renew the credential itself.
func (h *APIHandler) SessionAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens := requestTokens{Access: bearerToken(r), Refresh: r.Header.Get(headerRefreshToken)}

		if tokens.Access != "" {
			if claims, err := h.jwt.ValidateAccessToken(tokens.Access); err == nil {
				h.serveAs(w, r, next, claims.Subject, tokens)
				return
			}
		}
		if tokens.Refresh == "" {
			writeError(w, http.StatusUnauthorized, domain.ErrCodeInvalidCredential, "a valid access or refresh token is required")
			return
		}
		claims, err := h.jwt.ValidateRefreshToken(tokens.Refresh)
		if err != nil {
			writeError(w, http.StatusUnauthorized, domain.ErrCodeInvalidCredential, "invalid JWT: "+err.Error())
			return
		}
		h.serveAs(w, r, next, claims.Subject, tokens)
	})
}

func (h *APIHandler) serveAs(w http.ResponseWriter, r *http.Request, next http.Handler, subject string, tokens requestTokens) {
	user, err := h.users.GetUserByExternalID(r.Context(), subject)
	if err != nil {
		h.logger.Error("failed to resolve user", zap.String("subject", subject), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "Failed to process user identity")
		return
	}
	if user == nil {
		writeError(w, http.StatusUnauthorized, domain.ErrCodeInvalidCredential, "user not found")
		return
	}

	ctx := context.WithValue(r.Context(), userKey, user)
	ctx = context.WithValue(ctx, tokensKey, tokens)
	next.ServeHTTP(w, r.WithContext(ctx))
}

// RequestLogger logs one line per request with zap.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				fields := []zap.Field{
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				}
				switch {
				case ww.Status() >= http.StatusInternalServerError:
					logger.Error("request", fields...)
				case ww.Status() >= http.StatusBadRequest:
					logger.Warn("request", fields...)
				default:
					logger.Info("request", fields...)
				}
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
