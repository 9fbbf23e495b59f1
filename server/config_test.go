package server

import (
	"testing"
)

func TestApplyDefaults(t *testing.T) {
	config := applyDefaults(&Config{Issuer: "https://idp.example.com"})

	if config.AuthorizationCodeTTL != 300 {
		t.Errorf("AuthorizationCodeTTL = %d, want 300", config.AuthorizationCodeTTL)
	}
	if config.AccessTokenTTL != 3600 {
		t.Errorf("AccessTokenTTL = %d, want 3600", config.AccessTokenTTL)
	}
	if config.LoginPath != "/login" {
		t.Errorf("LoginPath = %q, want /login", config.LoginPath)
	}
	if config.ClockSkewGracePeriod != 5 {
		t.Errorf("ClockSkewGracePeriod = %d, want 5", config.ClockSkewGracePeriod)
	}
	if config.TrustedProxyCount != 1 {
		t.Errorf("TrustedProxyCount = %d, want 1", config.TrustedProxyCount)
	}
	if config.RateLimitRequestsPerSecond != 10 || config.RateLimitBurst != 20 {
		t.Errorf("rate limit defaults = %d/%d, want 10/20",
			config.RateLimitRequestsPerSecond, config.RateLimitBurst)
	}
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	config := applyDefaults(&Config{
		Issuer:               "https://idp.example.com",
		AuthorizationCodeTTL: 60,
		LoginPath:            "/signin",
	})

	if config.AuthorizationCodeTTL != 60 {
		t.Errorf("AuthorizationCodeTTL = %d, want 60", config.AuthorizationCodeTTL)
	}
	if config.LoginPath != "/signin" {
		t.Errorf("LoginPath = %q, want /signin", config.LoginPath)
	}
}

func TestConfig_ValidateIssuer(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"https", Config{Issuer: "https://idp.example.com"}, false},
		{"http localhost", Config{Issuer: "http://localhost:8080"}, false},
		{"http loopback", Config{Issuer: "http://127.0.0.1:8080"}, false},
		{"http public host", Config{Issuer: "http://idp.example.com"}, true},
		{"http public host allowed", Config{Issuer: "http://idp.example.com", AllowInsecureHTTP: true}, false},
		{"empty", Config{}, true},
		{"bad scheme", Config{Issuer: "ftp://idp.example.com"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.validateIssuer()
			if (err != nil) != tt.wantErr {
				t.Errorf("validateIssuer() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
