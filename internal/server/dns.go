package server

import (
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"

	"github.com/teemow/obsidian-mcp/internal/router"
)

// DNSProtection configures DNS-rebinding protection.
type DNSProtection struct {
	Enabled bool
	// AllowedHosts lists accepted Host header values. An entry without a
	// port matches any port.
	AllowedHosts []string
	// AllowedOrigins lists accepted Origin header values. Requests without
	// an Origin are not checked.
	AllowedOrigins []string
}

// Middleware rejects requests whose Host or Origin is not allowed with 403.
// It passes everything through when protection is disabled.
func (p DNSProtection) Middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !p.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !p.hostAllowed(r.Host) {
				logger.Warn("Rejected request host", "host", r.Host)
				router.WriteError(w, router.NewError(router.KindValidation, "forbidden", "Invalid Host header", http.StatusForbidden))
				return
			}
			if origin := r.Header.Get("Origin"); origin != "" && !slices.Contains(p.AllowedOrigins, origin) {
				logger.Warn("Rejected request origin", "origin", origin)
				router.WriteError(w, router.NewError(router.KindValidation, "forbidden", "Invalid Origin header", http.StatusForbidden))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (p DNSProtection) hostAllowed(host string) bool {
	if p.allows(host) {
		return true
	}
	name, _, err := net.SplitHostPort(host)
	return err == nil && p.allows(name)
}

func (p DNSProtection) allows(host string) bool {
	return slices.ContainsFunc(p.AllowedHosts, func(allowed string) bool {
		return strings.EqualFold(allowed, host)
	})
}
