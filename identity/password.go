package identity

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// hashCost is the bcrypt cost factor for password hashing. Fixed: raising it
// invalidates no existing hashes (bcrypt embeds the cost), but all new
// hashes pay the higher price, so treat changes as a deliberate migration.
const hashCost = 10

// ErrCorruptHash reports that a stored password hash is not a valid bcrypt
// hash. This is an integrity failure of the credential store, never a
// wrong-password condition.
var ErrCorruptHash = errors.New("identity: stored password hash is malformed")

// HashPassword irreversibly hashes a plaintext password with bcrypt.
// The plaintext is never stored and cannot be recovered from the hash.
func HashPassword(plain string) (string, error) {
	if plain == "" {
		return "", fmt.Errorf("identity: password must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(plain), hashCost)
	if err != nil {
		return "", fmt.Errorf("identity: failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword compares a candidate password against a stored bcrypt hash.
// bcrypt's comparison is constant-time with respect to the hash contents.
// A mismatch returns (false, nil); only a malformed stored hash returns an
// error, wrapping ErrCorruptHash.
func VerifyPassword(candidate, hash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(candidate))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, fmt.Errorf("%w: %v", ErrCorruptHash, err)
}
