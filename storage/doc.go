// Package storage defines interfaces for persisting clients, login sessions,
// authorization codes, tokens, and users.
//
// The interfaces are the seams between the protocol core and whatever backend
// holds the data. All methods take a context.Context for tracing and
// cancellation, and not-found conditions are reported through the sentinel
// errors declared here so callers can map them to protocol errors with
// errors.Is.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
package storage
