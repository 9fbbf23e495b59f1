// Package token issues and verifies the JWTs returned from the token
// endpoint.
//
// Tokens are signed with HMAC-SHA256 using the per-client signing secret, so
// a token minted for one client never verifies under another client's key.
// Access tokens and ID tokens share the registered claims (iss, sub, aud,
// iat, exp); ID tokens additionally carry the user's profile claims.
package token
