package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/config"
)

// ClientIP returns the client address every counter and token binding keys
// on. Behind a trusted proxy the first X-Forwarded-For entry wins; otherwise
// the socket peer address is authoritative.
func ClientIP(r *http.Request) string {
	if config.Cfg.BehindProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
