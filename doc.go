// Package oauth is the HTTP surface of the authorization server.
//
// It exposes the authorization-code grant over three endpoints: /authorize
// validates the client and opens a login session, the login page
// authenticates the resource owner and redirects back to the client with a
// single-use code, and /token exchanges that code for signed tokens under
// HTTP Basic client authentication. Discovery metadata is served under
// /.well-known per RFC 8414.
//
// The protocol state machine itself lives in the server package; this
// package parses requests, translates flow errors into RFC 6749 error
// responses, and writes the wire formats.
package oauth
