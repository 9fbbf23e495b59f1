package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the real client IP address from the request.
// Supports X-Forwarded-For and X-Real-IP headers when behind a proxy.
//
// Only enable trustProxy when running behind a trusted reverse proxy;
// otherwise the headers are attacker-controlled. trustedProxyCount
// specifies how many proxies to trust from the right of X-Forwarded-For,
// which prevents spoofing in multi-proxy setups.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" && net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientIPFromForwardedFor parses X-Forwarded-For and returns the client IP.
// The header format is "client, proxy1, proxy2, ..." where the rightmost
// entries are the proxies we control. With trustedProxyCount trusted hops
// the client sits at index len(ips)-trustedProxyCount-1.
func clientIPFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}

	idx := len(ips) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}

	candidate := strings.TrimSpace(ips[idx])
	if net.ParseIP(candidate) != nil {
		return candidate
	}
	return ""
}
