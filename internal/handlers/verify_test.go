package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/database"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/middleware"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/session"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/turnstile"
)

func setupVerify(t *testing.T, providerHandler http.HandlerFunc) *session.Store {
	t.Helper()
	if err := database.InitAt(filepath.Join(t.TempDir(), "test.db")); err != nil {
		t.Fatalf("init database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	store, err := session.NewStore(time.Hour)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	Sessions = store

	provider := httptest.NewServer(providerHandler)
	t.Cleanup(provider.Close)

	Tokens = turnstile.NewService(turnstile.Config{
		Secret:         "test-secret",
		VerifyURL:      provider.URL,
		TokenTTL:       30 * time.Second,
		MaxRetries:     1,
		RequestTimeout: time.Second,
	}, store)
	return store
}

func postVerify(t *testing.T, store *session.Store, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := &session.Record{User: &session.User{ID: "u1"}}
	if err := store.Set(context.Background(), "sid1", rec); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("POST", "/turnstile-verify", strings.NewReader(body))
	req.RemoteAddr = "203.0.113.1:4444"
	req = req.WithContext(middleware.WithSession(req.Context(), &middleware.Session{SID: "sid1", Record: rec}))

	rr := httptest.NewRecorder()
	TurnstileVerify(rr, req)

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return rr, resp
}

func TestTurnstileVerify_MintsToken(t *testing.T) {
	store := setupVerify(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": true}`))
	})

	rr, resp := postVerify(t, store, `{"token":"client-attestation"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if resp["ok"] != true {
		t.Fatalf("ok = %v", resp["ok"])
	}
	token, _ := resp["token"].(string)
	if len(token) != turnstile.TokenBytes*2 {
		t.Errorf("token length = %d", len(token))
	}
	if ttl, _ := resp["ttl"].(float64); ttl != 30000 {
		t.Errorf("ttl = %v, want 30000ms", resp["ttl"])
	}

	// The minted token landed in the session record, bound to the caller.
	got, err := store.Get(context.Background(), "sid1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Token != token || got.TokenIP != "203.0.113.1" {
		t.Errorf("stored token %q ip %q", got.Token, got.TokenIP)
	}
}

func TestTurnstileVerify_MissingToken(t *testing.T) {
	store := setupVerify(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": true}`))
	})

	rr, resp := postVerify(t, store, `{}`)
	if rr.Code != http.StatusBadRequest || resp["ok"] != false {
		t.Errorf("status = %d resp = %v, want 400/ok:false", rr.Code, resp)
	}
}

func TestTurnstileVerify_ProviderRejects(t *testing.T) {
	store := setupVerify(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false, "error-codes": ["invalid-input-response"]}`))
	})

	rr, resp := postVerify(t, store, `{"token":"bad"}`)
	if rr.Code != http.StatusBadRequest || resp["ok"] != false {
		t.Errorf("status = %d resp = %v, want 400/ok:false", rr.Code, resp)
	}
}

func TestTurnstileVerify_ProviderDown(t *testing.T) {
	store := setupVerify(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	rr, resp := postVerify(t, store, `{"token":"tok"}`)
	if rr.Code != http.StatusBadGateway || resp["ok"] != false {
		t.Errorf("status = %d resp = %v, want 502/ok:false", rr.Code, resp)
	}
}

func TestTurnstileVerify_MalformedProviderBody(t *testing.T) {
	store := setupVerify(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>`))
	})

	rr, resp := postVerify(t, store, `{"token":"tok"}`)
	if rr.Code != http.StatusInternalServerError || resp["ok"] != false {
		t.Errorf("status = %d resp = %v, want 500/ok:false", rr.Code, resp)
	}
}
