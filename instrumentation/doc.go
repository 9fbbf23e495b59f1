// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server.
//
// A single Instrumentation value owns the meter and tracer providers and a
// Metrics holder with pre-built instruments for the HTTP layer, the
// authorization flow, and storage. When disabled, no-op providers are used
// and recording costs nothing.
//
// All tracing helpers are nil-safe so call sites never have to guard against
// instrumentation being absent.
package instrumentation
