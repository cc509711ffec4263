package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/allcr/allcr/internal/session"
)

type sessionKey struct{}

// SessionAuth resolves the bearer session token on every request and stores
// the session in the request context. Requests without a live session are
// rejected; the client must authenticate again.
func SessionAuth(sessions *session.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "missing bearer session token")
				return
			}
			sess, ok := sessions.Lookup(auth[len(prefix):])
			if !ok {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or expired session token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess)))
		})
	}
}

// sessionFrom returns the authenticated session stored by SessionAuth.
func sessionFrom(r *http.Request) *session.Session {
	sess, _ := r.Context().Value(sessionKey{}).(*session.Session)
	return sess
}
