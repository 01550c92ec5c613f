package handlers

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/config"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/middleware"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/protect"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/relay"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/session"
	"github.com/coder/websocket"
)

// Set from main.go during init.
var (
	Protect   *protect.State
	Registry  *relay.Registry
	RelayDeps relay.Deps
)

// SSHGateway is the WebSocket upgrade gate for GET /ssh. It admits a socket
// only for an authenticated session presenting a valid one-time challenge
// token bound to the caller's IP, enforces the per-IP concurrency cap, and
// hands the accepted socket to the relay. The gate never dials anything.
func SSHGateway(w http.ResponseWriter, r *http.Request) {
	sid := session.SID(r)
	if sid == "" {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	fetchCtx, cancel := context.WithTimeout(r.Context(), config.Cfg.SessionStoreGetTimeout)
	rec, err := Sessions.Get(fetchCtx, sid)
	cancel()
	if err != nil || rec.User == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	presented := r.URL.Query().Get("ts")
	if presented == "" {
		writeError(w, http.StatusUnauthorized, "Challenge token required")
		return
	}

	clientIP := middleware.ClientIP(r)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[gate] websocket accept failed: %v", err)
		return
	}

	// One-shot consume; a replayed, expired or wrong-IP token dies here
	// with a policy close and no counter movement.
	consumeCtx, cancel := context.WithTimeout(r.Context(), config.Cfg.SessionStoreGetTimeout)
	ok := Tokens.Consume(consumeCtx, sid, presented, clientIP)
	cancel()
	if !ok {
		ws.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	// The increment happens before the relay starts; every exit path from
	// here runs through the relay teardown, which decrements exactly once.
	if n := Protect.IncrementIP(clientIP); n > config.Cfg.ConcurrentPerIP {
		log.Printf("[gate] concurrency cap reached for %s (%d live)", clientIP, n-1)
		writeControlError(ws, "too many concurrent connections from your address")
		ws.Close(websocket.StatusPolicyViolation, "concurrency limit")
		Protect.DecrementIP(clientIP)
		return
	}

	conn := relay.NewConn(ws, rec.User, clientIP, presented, RelayDeps, Registry)
	log.Printf("[gate] session %s admitted for user %s from %s", conn.ID, rec.User.ID, clientIP)
	conn.Serve(r.Context())
}

func writeControlError(ws *websocket.Conn, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = ws.Write(ctx, websocket.MessageText, relay.ErrorFrame(message))
}
