// Package turnstile implements the challenge-token subsystem: verification
// of the provider's attestation, minting of short-lived server tokens bound
// to a session and client IP, and their one-shot consumption at WebSocket
// upgrade time.
package turnstile

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/session"
	"github.com/sethvargo/go-retry"
)

// TokenBytes is the entropy of a minted server token; the wire form is its
// hex encoding (48 characters).
const TokenBytes = 24

var (
	// ErrMissingSecret means the operator never configured the provider
	// secret; the mint endpoint maps this to a 500.
	ErrMissingSecret = errors.New("turnstile secret not configured")
	// ErrProvider covers transport failures and provider 5xx after retries;
	// mapped to a 502.
	ErrProvider = errors.New("challenge provider unavailable")
	// ErrProviderResponse means the provider answered with JSON we could
	// not make sense of; mapped to a 500.
	ErrProviderResponse = errors.New("malformed challenge provider response")
	// ErrRejected means the provider judged the attestation invalid.
	ErrRejected = errors.New("challenge verification failed")
)

type Config struct {
	Secret         string
	VerifyURL      string
	TokenTTL       time.Duration
	MaxRetries     int
	RequestTimeout time.Duration
}

// Service verifies attestations and manages server tokens. The web-session
// record is the single authoritative token location; the in-memory index
// exists only so the sweeper can find expired tokens without scanning
// sessions.
type Service struct {
	cfg    Config
	client *http.Client
	store  *session.Store

	mu    sync.Mutex // serializes consumes; a token must win at most once
	index map[string]indexEntry
}

type indexEntry struct {
	sid    string
	expiry time.Time
}

func NewService(cfg Config, store *session.Store) *Service {
	return &Service{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		store:  store,
		index:  make(map[string]indexEntry),
	}
}

// Verify checks a provider-issued attestation over HTTPS. Provider 5xx
// responses are retried with exponential backoff, bounded by MaxRetries.
func (s *Service) Verify(ctx context.Context, clientToken, remoteIP string) error {
	if s.cfg.Secret == "" {
		return ErrMissingSecret
	}
	if clientToken == "" {
		return ErrRejected
	}

	form := url.Values{
		"secret":   {s.cfg.Secret},
		"response": {clientToken},
	}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	backoff := retry.WithMaxRetries(uint64(s.cfg.MaxRetries), retry.NewExponential(500*time.Millisecond))
	var outcome providerOutcome
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		o, err := s.verifyOnce(ctx, form)
		if err != nil {
			return err
		}
		outcome = o
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrProviderResponse) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	if !outcome.Success {
		return fmt.Errorf("%w: %s", ErrRejected, strings.Join(outcome.ErrorCodes, ","))
	}
	return nil
}

type providerOutcome struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

func (s *Service) verifyOnce(ctx context.Context, form url.Values) (providerOutcome, error) {
	var o providerOutcome

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.VerifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return o, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return o, retry.RetryableError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return o, retry.RetryableError(fmt.Errorf("provider HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return o, fmt.Errorf("provider HTTP %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&o); err != nil {
		return o, fmt.Errorf("%w: %v", ErrProviderResponse, err)
	}
	return o, nil
}

// Issue mints a fresh server token bound to the session and client IP,
// persists it in the session record, and registers it with the sweeper
// index. A previously issued token for the session is overwritten.
func (s *Service) Issue(ctx context.Context, sid string, rec *session.Record, clientIP string) (string, time.Duration, error) {
	raw := make([]byte, TokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", 0, fmt.Errorf("mint token: %w", err)
	}
	token := hex.EncodeToString(raw)
	expiry := time.Now().Add(s.cfg.TokenTTL)

	s.mu.Lock()
	if rec.Token != "" {
		delete(s.index, rec.Token)
	}
	rec.Token = token
	rec.TokenExpiry = expiry
	rec.TokenIP = clientIP
	if err := s.store.Set(ctx, sid, rec); err != nil {
		s.mu.Unlock()
		return "", 0, err
	}
	s.index[token] = indexEntry{sid: sid, expiry: expiry}
	s.mu.Unlock()

	return token, s.cfg.TokenTTL, nil
}

// Consume validates a presented token against the session record and, on
// success, removes it so no second upgrade can reuse it. The stored and
// presented values are compared in constant time; mismatched lengths fail
// immediately.
func (s *Service) Consume(ctx context.Context, sid, presented, clientIP string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.Get(ctx, sid)
	if err != nil {
		return false
	}
	if rec.Token == "" || presented == "" {
		return false
	}
	if len(rec.Token) != len(presented) {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(rec.Token), []byte(presented)) != 1 {
		return false
	}
	if time.Now().After(rec.TokenExpiry) {
		return false
	}
	if rec.TokenIP != clientIP {
		return false
	}

	delete(s.index, rec.Token)
	rec.Token = ""
	rec.TokenExpiry = time.Time{}
	rec.TokenIP = ""
	if err := s.store.Set(ctx, sid, rec); err != nil {
		// If the consume cannot be persisted the token must not be honored.
		return false
	}
	return true
}

// Recheck re-validates a presented token without consuming anything. The
// relay calls it on the connect message, after the gate has already consumed
// the token at upgrade time.
func Recheck(stored, presented string) bool {
	if len(stored) != len(presented) || stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

// Sweep drops expired tokens from the index and clears them from their
// session records. Scheduled by the supervisor.
func (s *Service) Sweep(ctx context.Context) int {
	now := time.Now()

	s.mu.Lock()
	type victim struct{ token, sid string }
	var victims []victim
	for token, e := range s.index {
		if now.After(e.expiry) {
			delete(s.index, token)
			victims = append(victims, victim{token, e.sid})
		}
	}
	s.mu.Unlock()

	for _, v := range victims {
		rec, err := s.store.Get(ctx, v.sid)
		if err != nil || rec.Token != v.token {
			continue
		}
		rec.Token = ""
		rec.TokenExpiry = time.Time{}
		rec.TokenIP = ""
		_ = s.store.Set(ctx, v.sid, rec)
	}
	return len(victims)
}

// IndexSize reports the live token count, for tests and logs.
func (s *Service) IndexSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}
