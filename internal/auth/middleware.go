package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey int

const (
	ctxUserID contextKey = iota
	ctxClientID
	ctxRemoteIP
	ctxClaims
)

// RequestUserID returns the authenticated user ID from the context, or "".
func RequestUserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// RequestClientID returns the OAuth client ID from the context, or "".
func RequestClientID(ctx context.Context) string {
	v, _ := ctx.Value(ctxClientID).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// requestClaims returns the validated access token claims, or nil.
func requestClaims(ctx context.Context) *AccessClaims {
	v, _ := ctx.Value(ctxClaims).(*AccessClaims)
	return v
}

// bearerToken returns the token from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return token, token != ""
}

// Middleware returns HTTP middleware that validates Bearer access tokens
// issued by issuer. Unauthenticated requests get a 401 with a JSON error
// body and a WWW-Authenticate header (RFC 6750 Section 3).
func Middleware(issuer *TokenIssuer, logger *slog.Logger) func(http.Handler) http.Handler {
	// RFC 6750 Section 3.1: no error attribute when no token was provided.
	wwwAuthNoToken := fmt.Sprintf(`Bearer realm="%s"`, issuer.issuer)
	// error="invalid_token" signals the client should attempt a refresh.
	wwwAuthInvalid := fmt.Sprintf(`Bearer realm="%s", error="invalid_token"`, issuer.issuer)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			token, ok := bearerToken(r)
			if !ok {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				writeJSONError(w, http.StatusUnauthorized, "invalid_token", "bearer token required")

				return
			}

			claims, err := issuer.Parse(token)
			if err != nil {
				logger.Debug("middleware: invalid bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				writeJSONError(w, http.StatusUnauthorized, "invalid_token", "access token is invalid or revoked")

				return
			}

			logger.Debug("middleware: authenticated via bearer token",
				slog.String("user_id", claims.Subject),
				slog.String("client_id", claims.ClientID),
				slog.String("ip", ip),
			)

			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxUserID, claims.Subject)
			ctx = context.WithValue(ctx, ctxClientID, claims.ClientID)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)
			ctx = context.WithValue(ctx, ctxClaims, claims)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
