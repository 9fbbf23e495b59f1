package token

import (
	"errors"
	"testing"
	"time"

	"github.com/giantswarm/idp-oauth/identity"
)

func testUser() *identity.User {
	return &identity.User{
		ID: "user-1",
		Profile: identity.Profile{
			Name:          "Alice Example",
			Email:         "alice@example.com",
			EmailVerified: true,
		},
	}
}

func TestIssuer_IssueAccessToken(t *testing.T) {
	issuer := NewIssuer("https://idp.example.com", 0)

	tok, err := issuer.Issue(TypeAccess, "client-1", "signing-secret", testUser())
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if tok.Value == "" {
		t.Fatal("issued token is empty")
	}
	if got := tok.ExpiresIn(); got != 3600 {
		t.Errorf("ExpiresIn() = %d, want 3600", got)
	}

	claims, err := issuer.Verify(tok.Value, "signing-secret")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims["iss"] != "https://idp.example.com" {
		t.Errorf("iss = %v, want issuer URL", claims["iss"])
	}
	if claims["sub"] != "user-1" {
		t.Errorf("sub = %v, want user-1", claims["sub"])
	}
	if claims["aud"] != "client-1" {
		t.Errorf("aud = %v, want client-1", claims["aud"])
	}
	if _, ok := claims["name"]; ok {
		t.Error("access token carries profile claims")
	}
}

func TestIssuer_IssueIDToken(t *testing.T) {
	issuer := NewIssuer("https://idp.example.com", 0)

	tok, err := issuer.Issue(TypeID, "client-1", "signing-secret", testUser())
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	claims, err := issuer.Verify(tok.Value, "signing-secret")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims["name"] != "Alice Example" {
		t.Errorf("name = %v, want Alice Example", claims["name"])
	}
	if claims["email"] != "alice@example.com" {
		t.Errorf("email = %v, want alice@example.com", claims["email"])
	}
	if claims["email_verified"] != true {
		t.Errorf("email_verified = %v, want true", claims["email_verified"])
	}
}

func TestIssuer_ConfiguredLifetime(t *testing.T) {
	issuer := NewIssuer("https://idp.example.com", time.Minute)

	tok, err := issuer.Issue(TypeAccess, "client-1", "signing-secret", testUser())
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if got := tok.ExpiresIn(); got != 60 {
		t.Errorf("ExpiresIn() = %d, want 60", got)
	}
	if got := tok.ExpiresAt.Sub(tok.IssuedAt); got != time.Minute {
		t.Errorf("validity window = %v, want 1m", got)
	}
}

func TestIssuer_EmptySigningSecret(t *testing.T) {
	issuer := NewIssuer("https://idp.example.com", 0)

	if _, err := issuer.Issue(TypeAccess, "client-1", "", testUser()); !errors.Is(err, ErrEmptySigningSecret) {
		t.Errorf("Issue() error = %v, want ErrEmptySigningSecret", err)
	}
}

func TestIssuer_VerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewIssuer("https://idp.example.com", 0)

	tok, err := issuer.Issue(TypeAccess, "client-1", "secret-a", testUser())
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if _, err := issuer.Verify(tok.Value, "secret-b"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() with wrong secret error = %v, want ErrInvalidToken", err)
	}
}

func TestIssuer_VerifyRejectsWrongIssuer(t *testing.T) {
	minting := NewIssuer("https://other.example.com", 0)
	verifying := NewIssuer("https://idp.example.com", 0)

	tok, err := minting.Issue(TypeAccess, "client-1", "secret", testUser())
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if _, err := verifying.Verify(tok.Value, "secret"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() with wrong issuer error = %v, want ErrInvalidToken", err)
	}
}

func TestIssuer_VerifyRejectsExpired(t *testing.T) {
	issuer := NewIssuer("https://idp.example.com", 0)
	issuer.nowFn = func() time.Time { return time.Now().UTC().Add(-2 * Lifetime) }

	tok, err := issuer.Issue(TypeAccess, "client-1", "secret", testUser())
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if _, err := NewIssuer("https://idp.example.com", 0).Verify(tok.Value, "secret"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() of expired token error = %v, want ErrInvalidToken", err)
	}
}
