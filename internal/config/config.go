package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath   string `envconfig:"DATA_PATH" default:"/app/data"`
	LogPath    string `envconfig:"LOG_PATH" default:""`

	// If true, trust the first entry of X-Forwarded-For for the client IP.
	BehindProxy bool `envconfig:"BEHIND_PROXY" default:"false"`

	// HTTP requests per minute per client IP on the JSON API.
	RateLimit int `envconfig:"RATE_LIMIT" default:"120"`

	// Live WebSockets allowed per client IP.
	ConcurrentPerIP int `envconfig:"CONCURRENT_PER_IP" default:"5"`

	// SSH failures per user before connect attempts are throttled.
	MaxSSHAttemptsPerUser int `envconfig:"MAX_SSH_ATTEMPTS_PER_USER" default:"5"`

	// Challenge-token subsystem.
	TurnstileSecret         string        `envconfig:"TURNSTILE_SECRET" default:""`
	TurnstileVerifyURL      string        `envconfig:"TURNSTILE_VERIFY_URL" default:"https://challenges.cloudflare.com/turnstile/v0/siteverify"`
	TurnstileTokenTTL       time.Duration `envconfig:"TURNSTILE_TOKEN_TTL" default:"30s"`
	TurnstileMaxRetries     int           `envconfig:"TURNSTILE_MAX_RETRIES" default:"1"`
	TurnstileRequestTimeout time.Duration `envconfig:"TURNSTILE_REQUEST_TIMEOUT" default:"10s"`

	// Optional comma-separated allow-list of resolved target IPs. Empty
	// allows any target that clears the host guard.
	AllowedHosts []string `envconfig:"ALLOWED_HOSTS" default:""`

	// Host guard extensions.
	GuardExtraFile       string `envconfig:"GUARD_EXTRA_FILE" default:""`
	GuardStrictRebinding bool   `envconfig:"GUARD_STRICT_REBINDING" default:"false"`

	// Session store.
	SessionTTL             time.Duration `envconfig:"SESSION_TTL" default:"24h"`
	SessionStoreGetTimeout time.Duration `envconfig:"SESSION_STORE_GET_TIMEOUT" default:"2s"`

	// SSH dial deadline (handshake included).
	SSHReadyTimeout time.Duration `envconfig:"SSH_READY_TIMEOUT" default:"20s"`

	// Grace period for draining live sessions on shutdown.
	ShutdownGrace time.Duration `envconfig:"SHUTDOWN_GRACE" default:"3s"`

	// OAuth identity provider. The provider itself is external; these knobs
	// describe where to send the browser and how to fetch the profile.
	OAuthClientID     string `envconfig:"OAUTH_CLIENT_ID" default:""`
	OAuthClientSecret string `envconfig:"OAUTH_CLIENT_SECRET" default:""`
	OAuthAuthURL      string `envconfig:"OAUTH_AUTH_URL" default:""`
	OAuthTokenURL     string `envconfig:"OAUTH_TOKEN_URL" default:""`
	OAuthUserinfoURL  string `envconfig:"OAUTH_USERINFO_URL" default:""`
	OAuthRedirectURL  string `envconfig:"OAUTH_REDIRECT_URL" default:""`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("KEYSOCKET", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
