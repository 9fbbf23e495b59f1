package identity

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind discriminates the concrete identity variants.
type Kind string

const (
	KindInternal Kind = "internal"
	KindExternal Kind = "external"
)

// Identity is one way a user can log in. The variant set is closed:
// InternalIdentity and ExternalIdentity are the only implementations, and
// callers that need variant-specific data type-switch on the concrete type.
type Identity interface {
	// Kind reports which variant this is.
	Kind() Kind
	// Subject is the identifier the user authenticates with. For internal
	// identities it is the login name; for external ones it is the subject
	// asserted by the upstream provider.
	Subject() string
}

// InternalIdentity is a password login. Only the bcrypt hash is kept.
type InternalIdentity struct {
	Sub          string
	PasswordHash string
}

func (InternalIdentity) Kind() Kind { return KindInternal }

func (i InternalIdentity) Subject() string { return i.Sub }

// VerifyPassword checks a candidate password against this identity's hash.
// A wrong password is (false, nil); an error means the stored hash is
// unusable and wraps ErrCorruptHash.
func (i InternalIdentity) VerifyPassword(candidate string) (bool, error) {
	return VerifyPassword(candidate, i.PasswordHash)
}

// ExternalIdentity is a federated login established through an upstream
// provider. RefreshToken is the provider's long-lived credential and must be
// encrypted by any store that persists it.
type ExternalIdentity struct {
	Sub          string
	Provider     string
	RefreshToken string
}

func (ExternalIdentity) Kind() Kind { return KindExternal }

func (i ExternalIdentity) Subject() string { return i.Sub }

// Profile carries the claims an ID token asserts about the user.
type Profile struct {
	Name          string
	Email         string
	EmailVerified bool
}

// User is a resource owner with one or more identities.
type User struct {
	// ID is the stable subject used in token claims. It never changes,
	// regardless of which identity the user logged in with.
	ID         string
	Profile    Profile
	Identities []Identity
}

// NewInternalUser creates a user with a single password identity.
// The password is hashed immediately; the plaintext is not retained.
func NewInternalUser(subject, password string) (*User, error) {
	if subject == "" {
		return nil, fmt.Errorf("identity: subject must not be empty")
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	return &User{
		ID: uuid.NewString(),
		Identities: []Identity{
			InternalIdentity{Sub: subject, PasswordHash: hash},
		},
	}, nil
}

// NewExternalUser creates a user with a single federated identity.
func NewExternalUser(subject, provider, refreshToken string) (*User, error) {
	if subject == "" {
		return nil, fmt.Errorf("identity: subject must not be empty")
	}
	if provider == "" {
		return nil, fmt.Errorf("identity: provider must not be empty")
	}

	return &User{
		ID: uuid.NewString(),
		Identities: []Identity{
			ExternalIdentity{Sub: subject, Provider: provider, RefreshToken: refreshToken},
		},
	}, nil
}

// AddIdentity links another login method to the user.
func (u *User) AddIdentity(id Identity) {
	u.Identities = append(u.Identities, id)
}

// InternalIdentity returns the user's password identity, if any.
func (u *User) InternalIdentity() (InternalIdentity, bool) {
	for _, id := range u.Identities {
		if internal, ok := id.(InternalIdentity); ok {
			return internal, true
		}
	}
	return InternalIdentity{}, false
}

// HasIdentityFromProvider reports whether the user already has a federated
// identity from the named provider.
func (u *User) HasIdentityFromProvider(provider string) bool {
	for _, id := range u.Identities {
		if external, ok := id.(ExternalIdentity); ok && external.Provider == provider {
			return true
		}
	}
	return false
}
