// Package supervisor runs the gateway's background maintenance: keepalive
// pings over live WebSockets, scheduled sweeps of expired challenge tokens
// and sessions, and the shutdown fanout that drains every live relay.
package supervisor

import (
	"context"
	"log"
	"time"

	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/relay"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/session"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/turnstile"
	"github.com/robfig/cron/v3"
)

const (
	pingInterval = 30 * time.Second
	pingTimeout  = 10 * time.Second
)

type Supervisor struct {
	registry *relay.Registry
	tokens   *turnstile.Service
	sessions *session.Store

	cron *cron.Cron
	stop chan struct{}
}

func New(reg *relay.Registry, tokens *turnstile.Service, sessions *session.Store) *Supervisor {
	return &Supervisor{
		registry: reg,
		tokens:   tokens,
		sessions: sessions,
		cron:     cron.New(),
		stop:     make(chan struct{}),
	}
}

// Start launches the keepalive loop and the sweep schedule.
func (s *Supervisor) Start() error {
	if _, err := s.cron.AddFunc("@every 5m", s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	go s.keepaliveLoop()
	return nil
}

func (s *Supervisor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if n := s.tokens.Sweep(ctx); n > 0 {
		log.Printf("[supervisor] swept %d expired challenge tokens", n)
	}
	if err := s.sessions.Sweep(); err != nil {
		log.Printf("[supervisor] session sweep: %v", err)
	}
}

// keepaliveLoop pings every live socket each interval. A socket that cannot
// complete a ping round-trip is terminated, which runs its relay teardown.
func (s *Supervisor) keepaliveLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.registry.Each(func(c *relay.Conn) {
				go func(c *relay.Conn) {
					ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
					defer cancel()
					if err := c.Ping(ctx); err != nil {
						log.Printf("[supervisor] ping failed for %s, terminating: %v", c.ID, err)
						c.Shutdown()
					}
				}(c)
			})
		}
	}
}

// Stop halts maintenance and drains every live relay: shells and SSH
// clients are ended and sockets closed with 1001, bounded by grace.
func (s *Supervisor) Stop(grace time.Duration) {
	close(s.stop)
	cronCtx := s.cron.Stop()

	live := s.registry.Count()
	if live > 0 {
		log.Printf("[supervisor] draining %d live sessions", live)
	}
	s.registry.Each(func(c *relay.Conn) {
		c.Shutdown()
	})

	deadline := time.After(grace)
	for s.registry.Count() > 0 {
		select {
		case <-deadline:
			log.Printf("[supervisor] grace period elapsed with %d sessions remaining", s.registry.Count())
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	<-cronCtx.Done()
}
