package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/idp-oauth/identity"
)

// Lifetime is the default validity of issued tokens, used when the issuer is
// constructed without an explicit lifetime. The expires_in value in token
// responses is derived from the effective lifetime.
const Lifetime = time.Hour

var (
	// ErrEmptySigningSecret means the client record has no HMAC key.
	// Issuing must fail rather than fall back to a shared or empty key.
	ErrEmptySigningSecret = errors.New("token: client signing secret is empty")

	// ErrInvalidToken covers every verification failure: bad signature,
	// wrong issuer, malformed compact form, or expiry.
	ErrInvalidToken = errors.New("token: invalid token")
)

// Type selects the claim set of an issued token.
type Type string

const (
	TypeAccess Type = "access"
	TypeID     Type = "id"
)

// Token is a signed JWT together with its validity window.
type Token struct {
	Value     string
	Type      Type
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ExpiresIn is the token lifetime in seconds, measured from issuance rather
// than from the current wall clock.
func (t *Token) ExpiresIn() int64 {
	return int64(t.ExpiresAt.Sub(t.IssuedAt).Seconds())
}

// Issuer mints tokens for one authorization server identity.
type Issuer struct {
	issuer   string
	lifetime time.Duration
	nowFn    func() time.Time
}

// NewIssuer creates an Issuer whose tokens carry the given iss claim and
// expire after lifetime. A non-positive lifetime falls back to Lifetime.
func NewIssuer(issuer string, lifetime time.Duration) *Issuer {
	if lifetime <= 0 {
		lifetime = Lifetime
	}
	return &Issuer{
		issuer:   issuer,
		lifetime: lifetime,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// Issue mints a token of the given type for a user, bound to the client via
// the aud claim and signed with the client's own secret.
func (i *Issuer) Issue(typ Type, clientID, signingSecret string, user *identity.User) (*Token, error) {
	if signingSecret == "" {
		return nil, ErrEmptySigningSecret
	}

	now := i.nowFn()
	expiresAt := now.Add(i.lifetime)

	claims := jwt.MapClaims{
		"iss": i.issuer,
		"sub": user.ID,
		"aud": clientID,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
	}
	if typ == TypeID {
		claims["name"] = user.Profile.Name
		claims["email"] = user.Profile.Email
		claims["email_verified"] = user.Profile.EmailVerified
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingSecret))
	if err != nil {
		return nil, fmt.Errorf("token: failed to sign %s token: %w", typ, err)
	}

	return &Token{
		Value:     signed,
		Type:      typ,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}, nil
}

// Verify parses a compact JWT and checks its signature, issuer, and expiry
// against the given client signing secret.
func (i *Issuer) Verify(raw, signingSecret string) (jwt.MapClaims, error) {
	parsed, err := jwt.ParseWithClaims(raw, jwt.MapClaims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(signingSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(i.issuer), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
