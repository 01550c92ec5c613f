// Package auth wires the external OAuth identity provider into the web
// session. The provider does the actual authentication; this package only
// carries the redirect, the code exchange, and the userinfo fetch that
// populates the session's user identity.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/config"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/session"
	"golang.org/x/oauth2"
)

const StateCookie = "keysocket_oauth_state"

// stateTTL bounds how long a login redirect stays redeemable.
const stateTTL = 10 * time.Minute

var ErrNotConfigured = errors.New("oauth provider not configured")

type Provider struct {
	oauth       oauth2.Config
	userinfoURL string
}

func NewProvider() (*Provider, error) {
	c := config.Cfg
	if c.OAuthClientID == "" || c.OAuthAuthURL == "" || c.OAuthTokenURL == "" || c.OAuthUserinfoURL == "" {
		return nil, ErrNotConfigured
	}
	return &Provider{
		oauth: oauth2.Config{
			ClientID:     c.OAuthClientID,
			ClientSecret: c.OAuthClientSecret,
			RedirectURL:  c.OAuthRedirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  c.OAuthAuthURL,
				TokenURL: c.OAuthTokenURL,
			},
		},
		userinfoURL: c.OAuthUserinfoURL,
	}, nil
}

// BeginLogin sets the anti-forgery state cookie and returns the provider
// redirect URL.
func (p *Provider) BeginLogin(w http.ResponseWriter, r *http.Request) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	state := hex.EncodeToString(b)
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookie,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(stateTTL.Seconds()),
	})
	return p.oauth.AuthCodeURL(state), nil
}

// CompleteLogin validates the state round-trip, exchanges the code, and
// fetches the user profile from the provider.
func (p *Provider) CompleteLogin(ctx context.Context, r *http.Request) (*session.User, error) {
	stateCookie, err := r.Cookie(StateCookie)
	if err != nil || stateCookie.Value == "" || r.URL.Query().Get("state") != stateCookie.Value {
		return nil, fmt.Errorf("oauth state mismatch")
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		return nil, fmt.Errorf("missing authorization code")
	}

	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	resp, err := p.oauth.Client(ctx, tok).Get(p.userinfoURL)
	if err != nil {
		return nil, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo HTTP %d", resp.StatusCode)
	}

	var profile struct {
		Sub   string `json:"sub"`
		ID    string `json:"id"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	id := profile.Sub
	if id == "" {
		id = profile.ID
	}
	if id == "" {
		return nil, fmt.Errorf("userinfo carries no stable id")
	}
	return &session.User{ID: id, Email: profile.Email, Name: profile.Name}, nil
}
