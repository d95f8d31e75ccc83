// Package middleware carries the HTTP auth gate for the REST surface.
package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	AccountKey  contextKey = "account_id"
	UsernameKey contextKey = "username"
)

// TokenValidator decouples the middleware from the user service. Guest
// tokens must be rejected by the validator; only full accounts reach the
// REST surface.
type TokenValidator interface {
	ValidateAccessToken(tokenString string) (string, string, error)
}

type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

// Handle pulls the token from the Authorization header, falling back to
// the token query param for clients that cannot set headers.
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""

		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 {
				tokenString = parts[1]
			}
		}
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}
		if tokenString == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		accountID, username, err := am.validator.ValidateAccessToken(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), AccountKey, accountID)
		ctx = context.WithValue(ctx, UsernameKey, username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccountID reads the authenticated account id injected by Handle.
func AccountID(ctx context.Context) string {
	id, _ := ctx.Value(AccountKey).(string)
	return id
}

// Username reads the authenticated username injected by Handle.
func Username(ctx context.Context) string {
	name, _ := ctx.Value(UsernameKey).(string)
	return name
}
