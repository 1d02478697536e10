package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"identity-service/internal/errs"
	"identity-service/internal/model"
	"identity-service/internal/service"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

type contextKey string

const (
	claimsKey contextKey = "authClaims"
	metaKey   contextKey = "sessionMeta"
	tokenKey  contextKey = "bearerToken"
)

// bearerToken extracts the Authorization bearer credential, empty when
// absent.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// AuthMiddleware gates protected routes on a live session: signature,
// blacklist and session record are all checked per request.
func AuthMiddleware(sessions *service.SessionService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			tokenString := bearerToken(r)
			if tokenString == "" {
				writeError(w, r, errs.InvalidToken("authorization required"), start)
				return
			}

			claims, meta, err := sessions.ValidateToken(r.Context(), tokenString)
			if err != nil {
				writeError(w, r, err, start)
				return
			}

			sessions.Touch(r.Context(), claims.AccountID, claims.SessionID)

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			ctx = context.WithValue(ctx, metaKey, meta)
			ctx = context.WithValue(ctx, tokenKey, tokenString)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole restricts a route to one role. Runs after AuthMiddleware.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFrom(r.Context())
			if claims == nil || claims.Role != role {
				writeError(w, r, errs.New(errs.CodeInvalidToken, http.StatusForbidden, "insufficient permissions"), time.Now())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClaimsFrom returns the authenticated claims, nil outside protected
// routes.
func ClaimsFrom(ctx context.Context) *token.Claims {
	claims, _ := ctx.Value(claimsKey).(*token.Claims)
	return claims
}

// SessionMetaFrom returns the caller's session record.
func SessionMetaFrom(ctx context.Context) *model.SessionMeta {
	meta, _ := ctx.Value(metaKey).(*model.SessionMeta)
	return meta
}

// TokenFrom returns the raw bearer credential of the caller.
func TokenFrom(ctx context.Context) string {
	tokenString, _ := ctx.Value(tokenKey).(string)
	return tokenString
}

// LoggerMiddleware logs every request with its correlation id.
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
