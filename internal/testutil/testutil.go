package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/giantswarm/idp-oauth/identity"
	"github.com/giantswarm/idp-oauth/storage"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}

// GenerateTestClient creates a registered client fixture. The secret hash is
// the bcrypt hash of "secret".
func GenerateTestClient() *storage.Client {
	hash, err := identity.HashPassword("secret")
	if err != nil {
		panic(fmt.Sprintf("failed to hash test client secret: %v", err))
	}
	return &storage.Client{
		ID:               "test-client-id",
		Name:             "Test Client",
		ClientSecretHash: hash,
		RedirectURIs:     []string{"https://example.com/callback"},
		GrantType:        "authorization_code",
		SigningSecret:    "test-signing-secret",
		CreatedAt:        time.Now(),
	}
}

// GenerateTestUser creates a user fixture with the password "hunter2".
func GenerateTestUser(t *testing.T) *identity.User {
	t.Helper()

	user, err := identity.NewInternalUser("test-user", "hunter2")
	if err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}
	user.Profile = identity.Profile{
		Name:          "Test User",
		Email:         "test@example.com",
		EmailVerified: true,
	}
	return user
}

// GenerateTestSession creates a session fixture bound to the test client.
func GenerateTestSession() *storage.Session {
	return &storage.Session{
		ID:           GenerateRandomString(32),
		ClientID:     "test-client-id",
		ResponseType: "code",
		RedirectURI:  "https://example.com/callback",
		State:        GenerateRandomString(16),
		Status:       storage.SessionCreated,
		CreatedAt:    time.Now(),
	}
}

// GenerateTestAuthorizationCode creates an unexpired code fixture.
func GenerateTestAuthorizationCode(subject string) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:        GenerateRandomString(32),
		ClientID:    "test-client-id",
		Subject:     subject,
		RedirectURI: "https://example.com/callback",
		IssuedAt:    time.Now(),
		ExpiresAt:   time.Now().Add(5 * time.Minute),
	}
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want
func AssertEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// AssertTimeEqual asserts two times are equal within a tolerance
func AssertTimeEqual(t *testing.T, got, want time.Time, tolerance time.Duration) {
	t.Helper()
	diff := got.Sub(want)
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		t.Errorf("time mismatch: got %v, want %v (tolerance: %v, diff: %v)", got, want, tolerance, diff)
	}
}
