package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/auth"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/config"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/database"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/guard"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/handlers"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/logging"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/middleware"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/protect"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/relay"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/session"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/supervisor"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/turnstile"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

func main() {
	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	sessions, err := session.NewStore(config.Cfg.SessionTTL)
	if err != nil {
		log.Fatalf("Session store init: %v", err)
	}

	extras, err := guard.LoadExtras(config.Cfg.GuardExtraFile)
	if err != nil {
		log.Fatalf("Guard extras: %v", err)
	}
	hostGuard := guard.New(guard.Options{
		StrictRebinding: config.Cfg.GuardStrictRebinding,
		Extras:          extras,
	})

	state := protect.NewState(config.Cfg.MaxSSHAttemptsPerUser)
	tokens := turnstile.NewService(turnstile.Config{
		Secret:         config.Cfg.TurnstileSecret,
		VerifyURL:      config.Cfg.TurnstileVerifyURL,
		TokenTTL:       config.Cfg.TurnstileTokenTTL,
		MaxRetries:     config.Cfg.TurnstileMaxRetries,
		RequestTimeout: config.Cfg.TurnstileRequestTimeout,
	}, sessions)
	registry := relay.NewRegistry()

	oauthProvider, err := auth.NewProvider()
	if err != nil {
		log.Printf("WARNING: OAuth login disabled: %v", err)
	}

	handlers.Sessions = sessions
	handlers.Tokens = tokens
	handlers.Protect = state
	handlers.Registry = registry
	handlers.OAuth = oauthProvider
	handlers.RelayDeps = relay.Deps{
		Protect:      state,
		Guard:        hostGuard,
		AllowedHosts: config.Cfg.AllowedHosts,
		ReadyTimeout: config.Cfg.SSHReadyTimeout,
	}

	super := supervisor.New(registry, tokens, sessions)
	if err := super.Start(); err != nil {
		log.Fatalf("Supervisor start: %v", err)
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	// RemoteAddr is deliberately left untouched: middleware.ClientIP is the
	// one place that decides whether forwarding headers are trusted, and it
	// only does so when BehindProxy is set. Rewriting RemoteAddr here would
	// let a direct client pick the address every per-IP limit keys on.

	// Health (no auth)
	r.Get("/health", handlers.HealthCheck)

	// Auth endpoints (no auth required)
	r.Get("/auth/login", handlers.Login)
	r.Get("/auth/callback", handlers.Callback)
	r.Post("/auth/logout", handlers.Logout)
	r.Get("/auth/status", handlers.AuthStatus)

	// Protected JSON API
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(config.Cfg.RateLimit))
		r.Use(middleware.RequireAuth(sessions))

		r.Post("/turnstile-verify", handlers.TurnstileVerify)
	})

	// WebSocket upgrade gate. Admission (session, token, concurrency) is
	// enforced inside the handler so failures map to the right close codes.
	r.Get("/ssh", handlers.SSHGateway)

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	// Stop accepting new upgrades first: Shutdown closes the listener
	// immediately, then waits for in-flight requests while the supervisor
	// drains live relays (shells, SSH clients, sockets with 1001).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Cfg.ShutdownGrace)
	defer cancel()
	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- srv.Shutdown(shutdownCtx) }()

	super.Stop(config.Cfg.ShutdownGrace)

	if err := <-shutdownDone; err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
