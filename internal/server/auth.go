package server

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/pquerna/otp/totp"
)

const tokenHeader = "x-tidemux-token"

// authorized accepts the shared token via header, bearer auth or query
// parameter, or a TOTP passcode when a secret is configured.
func (s *Server) authorized(r *http.Request) bool {
	candidates := []string{
		r.Header.Get(tokenHeader),
		r.URL.Query().Get("token"),
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		candidates = append(candidates, strings.TrimPrefix(h, "Bearer "))
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(c), []byte(s.cfg.Token)) == 1 {
			return true
		}
		if s.cfg.TOTPSecret != "" && len(c) == 6 && totp.Validate(c, s.cfg.TOTPSecret) {
			return true
		}
	}
	return false
}

// requireAuth gates state-mutating requests and socket upgrades.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			return
		}
		next(w, r)
	}
}

// requireLoopback rejects non-loopback peers unless explicitly allowed.
// Binding to loopback is the first line of defense; this catches proxies
// and misconfigured binds.
func (s *Server) requireLoopback(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.AllowNonLoop && !isLoopbackAddr(r.RemoteAddr) {
			writeError(w, http.StatusForbidden, "forbidden", "loopback connections only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(remote string) bool {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// originPatterns is what the websocket accept check allows.
func (s *Server) originPatterns() []string {
	patterns := []string{"localhost:*", "127.0.0.1:*"}
	return append(patterns, s.cfg.AllowedOrigins...)
}
