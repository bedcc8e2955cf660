package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dasmygame/CyCap/internal/models"
)

type contextKey string

const UserContextKey contextKey = "user"

// SessionCookie is the cookie the web app stores its session token in.
// API clients send the same token as a bearer credential instead.
const SessionCookie = "cycap_session"

// SessionResolver resolves an opaque session token to a user id. Session
// issuance belongs to the platform's auth subsystem; this service only
// consumes tokens.
type SessionResolver interface {
	ResolveSession(ctx context.Context, token string) (string, error)
}

// UserLoader loads a directory entry by id.
type UserLoader interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// AuthMiddleware gates endpoints behind a valid session.
type AuthMiddleware struct {
	sessions SessionResolver
	users    UserLoader
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(sessions SessionResolver, users UserLoader) *AuthMiddleware {
	return &AuthMiddleware{sessions: sessions, users: users}
}

// RequireSession rejects requests without a resolvable session and attaches
// the canonical user to the request context. Handlers never trust
// client-supplied sender fields for authorship; this user is the author.
func (m *AuthMiddleware) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := sessionToken(r)
		if token == "" {
			jsonError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		userID, err := m.sessions.ResolveSession(r.Context(), token)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, "session lookup failed")
			return
		}
		if userID == "" {
			jsonError(w, http.StatusUnauthorized, "invalid or expired session")
			return
		}

		user, err := m.users.GetUserByID(r.Context(), userID)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, "user lookup failed")
			return
		}
		if user == nil {
			jsonError(w, http.StatusUnauthorized, "unknown user")
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sessionToken extracts the session token from the Authorization header or
// the session cookie.
func sessionToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
		return ""
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetUserFromContext retrieves the authenticated user from the request context.
func GetUserFromContext(ctx context.Context) *models.User {
	user, ok := ctx.Value(UserContextKey).(*models.User)
	if !ok {
		return nil
	}
	return user
}
