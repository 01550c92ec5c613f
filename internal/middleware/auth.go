package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/config"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/session"
)

type contextKey string

const sessionContextKey contextKey = "session"

// Session bundles the session id with its fetched record for downstream
// handlers.
type Session struct {
	SID    string
	Record *session.Record
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireAuth rejects requests without an authenticated session and attaches
// the session to the request context. The session fetch is bounded by the
// configured store timeout.
func RequireAuth(store *session.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sid := session.SID(r)
			if sid == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Authentication required"})
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), config.Cfg.SessionStoreGetTimeout)
			rec, err := store.Get(ctx, sid)
			cancel()
			if err != nil || rec.User == nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Authentication required"})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), &Session{SID: sid, Record: rec})))
		})
	}
}

func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, s)
}

// GetSession returns the session attached by RequireAuth, or nil.
func GetSession(r *http.Request) *Session {
	s, _ := r.Context().Value(sessionContextKey).(*Session)
	return s
}
