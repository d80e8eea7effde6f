package websocket

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// NewCheckOrigin returns the origin policy shared by both socket endpoints.
// Requests without Origin (non-browser clients) pass, as do the origin of
// appURL and extraOrigins. In development any loopback origin passes too.
// Origins compare by scheme, host and port, with default ports elided.
func NewCheckOrigin(appURL string, isDevelopment bool, extraOrigins ...string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(extraOrigins)+1)
	for _, raw := range append([]string{appURL}, extraOrigins...) {
		if origin := normalizeOrigin(raw); origin != "" {
			allowed[origin] = struct{}{}
		}
	}

	return func(r *http.Request) bool {
		raw := r.Header.Get("Origin")
		if raw == "" {
			return true
		}

		origin := normalizeOrigin(raw)
		if _, ok := allowed[origin]; ok && origin != "" {
			return true
		}
		if isDevelopment && isLoopbackOrigin(raw) {
			return true
		}

		slog.WarnContext(r.Context(), "WebSocket origin rejected", "origin", raw, "remote_addr", r.RemoteAddr, "path", r.URL.Path)
		return false
	}
}

// normalizeOrigin reduces rawURL to scheme://host[:port]. It returns ""
// for anything without a host.
func normalizeOrigin(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return ""
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port == "" {
		if strings.Contains(host, ":") {
			return scheme + "://[" + host + "]"
		}
		return scheme + "://" + host
	}
	return scheme + "://" + net.JoinHostPort(host, port)
}

func isLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
