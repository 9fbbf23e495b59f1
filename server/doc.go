// Package server implements the authorization-code flow state machine,
// independent of any HTTP framing.
//
// A Server coordinates the flow across the storage interfaces: Authorize
// validates the client and its redirect URI and opens a session, CompleteLogin
// authenticates the resource owner against that session, IssueCode consumes
// the session into a short-lived single-use code, and
// ExchangeAuthorizationCode redeems the code for signed tokens.
//
// Flow failures are reported through the sentinel errors in this package and
// the storage sentinels; the HTTP layer translates them into RFC 6749 error
// responses.
package server
