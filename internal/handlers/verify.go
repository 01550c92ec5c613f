package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/middleware"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/turnstile"
)

// Set from main.go during init.
var Tokens *turnstile.Service

// TurnstileVerify checks the browser's challenge attestation with the
// provider and, when it holds, mints the short-lived server token the
// WebSocket upgrade will consume. Runs behind RequireAuth.
func TurnstileVerify(w http.ResponseWriter, r *http.Request) {
	sess := middleware.GetSession(r)

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"ok": false, "message": "Missing challenge token",
		})
		return
	}

	clientIP := middleware.ClientIP(r)
	if err := Tokens.Verify(r.Context(), body.Token, clientIP); err != nil {
		status := http.StatusBadRequest
		message := "Challenge verification failed"
		switch {
		case errors.Is(err, turnstile.ErrMissingSecret):
			status, message = http.StatusInternalServerError, "Challenge verification is not configured"
		case errors.Is(err, turnstile.ErrProviderResponse):
			status, message = http.StatusInternalServerError, "Challenge provider returned an unexpected response"
		case errors.Is(err, turnstile.ErrProvider):
			status, message = http.StatusBadGateway, "Challenge provider is unavailable"
		}
		log.Printf("[turnstile] verify rejected for %s: %v", clientIP, err)
		writeJSON(w, status, map[string]interface{}{"ok": false, "message": message})
		return
	}

	token, ttl, err := Tokens.Issue(r.Context(), sess.SID, sess.Record, clientIP)
	if err != nil {
		log.Printf("[turnstile] issue failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"ok": false, "message": "Failed to issue session token",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":    true,
		"token": token,
		"ttl":   ttl.Milliseconds(),
	})
}
