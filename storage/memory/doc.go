// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
//
// Secrets at rest (client signing secrets, issued tokens, external refresh
// tokens) are encrypted when an Encryptor is configured. A background loop
// evicts expired authorization codes.
package memory
