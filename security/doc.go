// Package security provides the security toolkit for the authorization
// server: AES-256-GCM encryption of stored secrets, security and cache
// control headers for OAuth responses, clock-skew aware expiry checks,
// per-identifier rate limiting, client IP extraction, and audit logging
// with PII hashing.
//
// The package is deliberately free of protocol logic. Controllers and
// stores call into it; it never calls back.
package security
