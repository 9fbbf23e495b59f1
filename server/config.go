package server

import (
	"fmt"
	"net/url"
	"strings"
)

// Config holds authorization server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL). Required.
	// It appears as the iss claim in every issued token and anchors the
	// endpoint URLs in discovery metadata.
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 300 (5 minutes)

	// AccessTokenTTL is how long issued tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// LoginPath is the path of the login page users are sent to after a
	// valid authorization request
	LoginPath string // default: "/login"

	// ClockSkewGracePeriod is the grace period for code expiration checks
	// (in seconds), absorbing clock drift between instances
	ClockSkewGracePeriod int64 // seconds, default: 5

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// WARNING: Only enable behind a trusted reverse proxy.
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server, used with TrustProxy to extract the real client IP
	TrustedProxyCount int // default: 1

	// RateLimitRequestsPerSecond is the sustained per-IP request rate
	// allowed at the protocol endpoints
	RateLimitRequestsPerSecond int // default: 10

	// RateLimitBurst is the per-IP burst allowance
	RateLimitBurst int // default: 20

	// AllowInsecureHTTP permits a plain-HTTP issuer on non-loopback hosts.
	// WARNING: credentials and codes travel in cleartext when enabled.
	// Default: false (HTTP allowed only on localhost)
	AllowInsecureHTTP bool
}

// applyDefaults fills in zero values with the documented defaults.
func applyDefaults(config *Config) *Config {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 300 // 5 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.LoginPath == "" {
		config.LoginPath = "/login"
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.RateLimitRequestsPerSecond == 0 {
		config.RateLimitRequestsPerSecond = 10
	}
	if config.RateLimitBurst == 0 {
		config.RateLimitBurst = 20
	}
	return config
}

// validateIssuer enforces HTTPS for the issuer URL. Plain HTTP is allowed
// only on loopback hosts unless AllowInsecureHTTP is set: OAuth over HTTP
// exposes codes and client credentials to interception.
func (c *Config) validateIssuer() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}

	parsed, err := url.Parse(c.Issuer)
	if err != nil {
		return fmt.Errorf("issuer is not a valid URL: %w", err)
	}

	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		if c.AllowInsecureHTTP || isLoopbackHost(parsed.Hostname()) {
			return nil
		}
		return fmt.Errorf("issuer %s uses http on a non-loopback host; use https or set AllowInsecureHTTP", c.Issuer)
	default:
		return fmt.Errorf("issuer must use http or https, got %q", parsed.Scheme)
	}
}

func isLoopbackHost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
