// Package session implements the web-session store: an opaque key-value
// store with per-record TTL, backed by sqlite through gorm. Record payloads
// are fernet-sealed so neither user identity nor issued challenge tokens are
// readable at rest.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/database"
	"github.com/fernet/fernet-go"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("session not found")

// User is the authenticated identity carried by a session, as reported by
// the OAuth provider.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Record is the mutable session state. Token/TokenExpiry/TokenIP hold the
// currently issued challenge token; the session record is the single
// authoritative location for it.
type Record struct {
	User        *User     `json:"user,omitempty"`
	Token       string    `json:"token,omitempty"`
	TokenExpiry time.Time `json:"token_expiry,omitempty"`
	TokenIP     string    `json:"token_ip,omitempty"`
}

type Store struct {
	key *fernet.Key
	ttl time.Duration
}

// NewStore loads the sealing key from the settings table, generating and
// persisting one on first run, and returns a store issuing records with the
// given TTL.
func NewStore(ttl time.Duration) (*Store, error) {
	keyStr, err := database.GetSetting("fernet_key")
	if err != nil {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		keyStr = k.Encode()
		if err := database.SetSetting("fernet_key", keyStr); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
	}
	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return &Store{key: key, ttl: ttl}, nil
}

// Get fetches and unseals a session record. The context deadline bounds the
// database read; the upgrade gate passes a hard ~2s deadline here. Expired
// records are reported as ErrNotFound.
func (s *Store) Get(ctx context.Context, sid string) (*Record, error) {
	var row database.WebSession
	err := database.DB.WithContext(ctx).First(&row, "sid = ?", sid).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch session: %w", err)
	}
	if time.Now().After(row.ExpiresAt) {
		return nil, ErrNotFound
	}

	plain := fernet.VerifyAndDecrypt(row.Payload, 0, []*fernet.Key{s.key})
	if plain == nil {
		return nil, fmt.Errorf("unseal session %q: invalid payload", sid)
	}
	var rec Record
	if err := json.Unmarshal(plain, &rec); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &rec, nil
}

// Set seals and upserts a session record, refreshing its TTL.
func (s *Store) Set(ctx context.Context, sid string, rec *Record) error {
	plain, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	sealed, err := fernet.EncryptAndSign(plain, s.key)
	if err != nil {
		return fmt.Errorf("seal session: %w", err)
	}

	row := database.WebSession{
		SID:       sid,
		Payload:   sealed,
		ExpiresAt: time.Now().Add(s.ttl),
	}
	if err := database.DB.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, sid string) error {
	return database.DB.WithContext(ctx).Delete(&database.WebSession{}, "sid = ?", sid).Error
}

// Sweep drops expired session rows. Called from the supervisor schedule.
func (s *Store) Sweep() error {
	return database.DB.Delete(&database.WebSession{}, "expires_at < ?", time.Now()).Error
}
