// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/patientbuddy/chat-platform/internal/identity"
	"github.com/patientbuddy/chat-platform/internal/model"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// PrincipalKey is the context key for the verified caller.
	PrincipalKey ContextKey = "principal"
)

// Authenticator verifies bearer credentials.
type Authenticator interface {
	Authenticate(credential string) (identity.Principal, error)
}

// RoleResolver returns the caller's current stored role.
type RoleResolver func(ctx context.Context, userID string) (model.UserRole, error)

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errors.New("missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errors.New("invalid authorization header format")
	}
	return strings.TrimSpace(parts[1]), nil
}

// Auth creates bearer authentication middleware.
func Auth(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, err.Error())
				return
			}

			principal, err := auth.Authenticate(token)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			setRequestUser(r.Context(), principal.UserID)
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// WithPrincipal stores the caller in ctx.
func WithPrincipal(ctx context.Context, p identity.Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

// PrincipalFrom returns the caller stored by Auth.
func PrincipalFrom(ctx context.Context) (identity.Principal, bool) {
	p, ok := ctx.Value(PrincipalKey).(identity.Principal)
	return p, ok
}

// GetUserID gets user ID from context.
func GetUserID(ctx context.Context) string {
	p, _ := PrincipalFrom(ctx)
	return p.UserID
}

// RequireRole gates a route on the caller's role. When resolve is set, the
// stored role is used instead of the role carried by the credential.
func RequireRole(required model.UserRole, resolve RoleResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
				return
			}

			role := p.Role
			if resolve != nil {
				current, err := resolve(r.Context(), p.UserID)
				switch {
				case errors.Is(err, model.ErrUnauthenticated):
					writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
					return
				case err != nil:
					writeJSONError(w, http.StatusInternalServerError, "internal server error")
					return
				}
				role = current
			}

			if err := identity.Authorize(role, required); err != nil {
				writeJSONError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
