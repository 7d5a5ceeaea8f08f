package security

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// Middleware authenticates each request and, when limiter is non-nil,
// rate limits it per principal. Anonymous principals are limited per
// remote IP.
func Middleware(auth Authenticator, limiter *RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := auth.Authenticate(r.Context(), Token(r))
			if err != nil {
				logger.Warn("rejected request", "path", r.URL.Path, "remote", r.RemoteAddr, "error", err)
				w.Header().Set("WWW-Authenticate", `Bearer realm="fanout"`)
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}

			if limiter != nil {
				clientID := principal.ID
				if _, anonymous := auth.(*NoAuthAuthenticator); anonymous {
					clientID = remoteIP(r)
				}
				if !limiter.Allow(clientID) {
					w.Header().Set("Retry-After", "1")
					writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// Token extracts the API key from "Authorization: Bearer <key>" or X-API-Key.
func Token(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
