package gateway

import (
	"fmt"
	"net/http"
	"strings"
)

// SecurityConfig holds the response hardening applied to every route.
type SecurityConfig struct {
	HSTSMaxAge int
	// AllowedHosts rejects other Host headers when non-empty.
	AllowedHosts []string
	// MaxBodyBytes caps request bodies on /v1 and /admin routes.
	MaxBodyBytes int64
}

// DefaultSecurityConfig returns the production defaults.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		HSTSMaxAge:   31536000,
		MaxBodyBytes: 1 << 20,
	}
}

// SecurityMiddleware sets hardening headers and validates the Host header.
func SecurityMiddleware(config SecurityConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(config.AllowedHosts) > 0 && !hostAllowed(r.Host, config.AllowedHosts) {
				http.Error(w, "Invalid host header", http.StatusBadRequest)
				return
			}

			h := w.Header()
			if config.HSTSMaxAge > 0 {
				h.Set("Strict-Transport-Security", fmt.Sprintf("max-age=%d; includeSubDomains", config.HSTSMaxAge))
			}
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")

			// Balances and ledgers must never be cached by intermediaries.
			if isAPIPath(r.URL.Path) {
				h.Set("Cache-Control", "no-store")
				if config.MaxBodyBytes > 0 {
					r.Body = http.MaxBytesReader(w, r.Body, config.MaxBodyBytes)
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func hostAllowed(host string, allowed []string) bool {
	if i := strings.LastIndex(host, ":"); i != -1 {
		host = host[:i]
	}
	for _, a := range allowed {
		if strings.EqualFold(host, a) {
			return true
		}
	}
	return false
}

func isAPIPath(path string) bool {
	return strings.HasPrefix(path, "/v1/") || strings.HasPrefix(path, "/admin/")
}
