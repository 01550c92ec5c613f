package handlers

import (
	"context"
	"log"
	"net/http"

	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/auth"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/config"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/session"
)

// Set from main.go during init.
var (
	Sessions *session.Store
	OAuth    *auth.Provider
)

// Login redirects the browser to the OAuth provider.
func Login(w http.ResponseWriter, r *http.Request) {
	if OAuth == nil {
		writeError(w, http.StatusServiceUnavailable, "Login is not configured")
		return
	}
	url, err := OAuth.BeginLogin(w, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to start login")
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// Callback completes the OAuth dance and binds the identity to a session.
func Callback(w http.ResponseWriter, r *http.Request) {
	if OAuth == nil {
		writeError(w, http.StatusServiceUnavailable, "Login is not configured")
		return
	}
	user, err := OAuth.CompleteLogin(r.Context(), r)
	if err != nil {
		log.Printf("[auth] login failed: %v", err)
		writeError(w, http.StatusUnauthorized, "Login failed")
		return
	}

	// Reuse the anonymous session if one exists so a pre-login record
	// carries over; otherwise mint a fresh id.
	sid := session.SID(r)
	var rec *session.Record
	if sid != "" {
		rec, _ = Sessions.Get(r.Context(), sid)
	}
	if rec == nil {
		rec = &session.Record{}
	}
	if sid == "" {
		if sid, err = session.NewSID(); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to create session")
			return
		}
	}
	rec.User = user
	if err := Sessions.Set(r.Context(), sid, rec); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to persist session")
		return
	}

	session.SetCookie(w, r, sid, config.Cfg.SessionTTL)
	log.Printf("[auth] user %s logged in", user.ID)
	http.Redirect(w, r, "/", http.StatusFound)
}

func Logout(w http.ResponseWriter, r *http.Request) {
	if sid := session.SID(r); sid != "" {
		_ = Sessions.Delete(r.Context(), sid)
	}
	session.ClearCookie(w, r)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// AuthStatus reports whether the request carries an authenticated session.
// Unlike the protected endpoints it never 401s; the front page polls it.
func AuthStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"authenticated": false,
		"user":          nil,
	}

	sid := session.SID(r)
	if sid == "" {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.Cfg.SessionStoreGetTimeout)
	defer cancel()
	rec, err := Sessions.Get(ctx, sid)
	if err != nil || rec.User == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp["authenticated"] = true
	resp["user"] = rec.User
	writeJSON(w, http.StatusOK, resp)
}
