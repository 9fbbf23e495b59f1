// Package testutil provides test fixtures, assertions, and a mock time
// provider shared by the package tests.
package testutil
