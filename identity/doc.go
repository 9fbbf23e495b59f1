// Package identity models resource owners and their login methods.
//
// A User owns one or more identities. An identity is a closed tagged
// variant: internal (password-based, stored as a bcrypt hash) or external
// (federated, carrying the provider name and its refresh token). Queries
// dispatch on the concrete type; no reflection, no open extension point.
//
// Password hashing and verification live here too, behind HashPassword and
// VerifyPassword. No other package compares plaintext passwords.
package identity
