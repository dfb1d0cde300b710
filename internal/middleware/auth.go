package middleware

import (
	"net/http"

	"github.com/mknutsen/quill/internal/auth"
	"github.com/mknutsen/quill/internal/store"
)

const sessionCookieName = "quill_session"

// RequireAuth validates the session cookie and populates AuthContext.
// This is a JSON API; unauthenticated requests get a 401 body, never a
// redirect.
func RequireAuth(sessionStore *store.SessionStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(sessionCookieName)
			if err != nil || cookie.Value == "" {
				unauthorized(w)
				return
			}

			sess, err := sessionStore.GetByToken(cookie.Value)
			if err != nil || sess == nil {
				unauthorized(w)
				return
			}

			ac := auth.AuthContext{
				Username:  sess.Username,
				SessionID: sess.ID,
			}
			ctx := auth.WithAuth(r.Context(), ac)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalAuth populates AuthContext when a valid session cookie is
// present and lets the request through anonymously otherwise. Listing
// endpoints use it: the same route serves both signed-in and anonymous
// viewers.
func OptionalAuth(sessionStore *store.SessionStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(sessionCookieName)
			if err != nil || cookie.Value == "" {
				next.ServeHTTP(w, r)
				return
			}
			sess, err := sessionStore.GetByToken(cookie.Value)
			if err != nil || sess == nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx := auth.WithAuth(r.Context(), auth.AuthContext{
				Username:  sess.Username,
				SessionID: sess.ID,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"authentication required"}`))
}
