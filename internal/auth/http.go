// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Extracts the bearer token, loads the operator and adds its identity to the context

package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/inbox-allocator/internal/store"
)

// OperatorLookup resolves the operator named by a token.
type OperatorLookup interface {
	GetOperator(ctx context.Context, id string) (*store.Operator, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="inbox-allocator"`)
	http.Error(w, `{"error":"`+msg+`"}`, http.StatusUnauthorized)
}

// Middleware authenticates every request with a bearer token and attaches the
// caller's Identity. With a nil verifier the server runs in anonymous mode:
// requests pass through unchanged and handlers take the caller from the request.
func Middleware(operators OperatorLookup, verifier *JWTVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		if verifier == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				unauthorized(w, errMsg)
				return
			}

			claims, err := verifier.Parse(token)
			if err != nil {
				if errors.Is(err, ErrExpiredToken) {
					unauthorized(w, "token expired")
					return
				}
				unauthorized(w, "invalid token")
				return
			}

			op, err := operators.GetOperator(r.Context(), claims.Subject)
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					logger.Error("operator lookup failed", "operator_id", claims.Subject, "error", err)
				}
				unauthorized(w, "operator not found")
				return
			}
			if claims.TenantID != "" && claims.TenantID != op.TenantID {
				unauthorized(w, "token tenant does not match operator")
				return
			}

			id := &Identity{OperatorID: op.ID, TenantID: op.TenantID, Role: op.Role}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
