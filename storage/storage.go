package storage

import (
	"context"
	"errors"
	"time"

	"github.com/giantswarm/idp-oauth/identity"
)

// Sentinel errors returned by store implementations. Callers match them with
// errors.Is to translate persistence failures into protocol errors.
var (
	ErrClientNotFound  = errors.New("client not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrCodeNotFound    = errors.New("authorization code not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrTokenNotFound   = errors.New("token not found")

	// ErrInvalidClientSecret reports a failed secret comparison. It is
	// deliberately indistinguishable from an unknown client at the HTTP
	// layer; both map to invalid_client.
	ErrInvalidClientSecret = errors.New("invalid client credentials")
)

// ClientStore manages registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret against its stored
	// bcrypt hash. Implementations must burn a comparison even when the
	// client does not exist so lookup failures are not observable through
	// timing.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error
}

// SessionStore manages login sessions created at the authorization endpoint.
// All methods accept context.Context for tracing and cancellation.
type SessionStore interface {
	// SaveSession saves a session, overwriting any previous state
	SaveSession(ctx context.Context, session *Session) error

	// GetSession retrieves a session by ID
	GetSession(ctx context.Context, sessionID string) (*Session, error)
}

// CodeStore manages issued authorization codes.
// All methods accept context.Context for tracing and cancellation.
type CodeStore interface {
	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves an authorization code without
	// consuming it
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode atomically removes a code, returning
	// ErrCodeNotFound if it was already absent. When two redemptions race
	// on the same code, exactly one delete succeeds.
	// SECURITY: This operation MUST be atomic to prevent concurrent code
	// exchange attacks.
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore records issued tokens for audit and revocation.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveToken records an issued token
	SaveToken(ctx context.Context, record *TokenRecord) error

	// GetToken retrieves a token record by ID
	GetToken(ctx context.Context, tokenID string) (*TokenRecord, error)

	// ListTokensForUser returns all token records for a user
	ListTokensForUser(ctx context.Context, userID string) ([]*TokenRecord, error)
}

// UserStore manages resource owners.
// All methods accept context.Context for tracing and cancellation.
type UserStore interface {
	// SaveUser saves a user and indexes their identity subjects
	SaveUser(ctx context.Context, user *identity.User) error

	// GetUser retrieves a user by their stable ID
	GetUser(ctx context.Context, userID string) (*identity.User, error)

	// GetUserBySubject retrieves the user owning an identity with the
	// given subject
	GetUserBySubject(ctx context.Context, subject string) (*identity.User, error)
}

// Client represents a registered OAuth client
type Client struct {
	ID               string
	Name             string
	ClientSecretHash string // bcrypt hash
	RedirectURIs     []string
	// GrantType is the single grant the client is registered for.
	GrantType string
	// SigningSecret is the per-client HMAC key for tokens issued to this
	// client. Stores that support encryption at rest encrypt it.
	SigningSecret string
	CreatedAt     time.Time
}

// SessionStatus tracks a session through the authorization flow.
type SessionStatus string

const (
	// SessionCreated is the initial state after a valid /authorize request.
	SessionCreated SessionStatus = "created"
	// SessionLoggedIn means the user authenticated against this session.
	SessionLoggedIn SessionStatus = "logged_in"
	// SessionConsumed means an authorization code was issued; the session
	// cannot produce another.
	SessionConsumed SessionStatus = "consumed"
)

// Session represents one authorization attempt. It pins the request
// parameters validated at /authorize so the login step cannot alter them.
type Session struct {
	ID           string
	ClientID     string
	ResponseType string
	RedirectURI  string
	// State is the client's CSRF token, echoed back verbatim on redirect.
	State     string
	Status    SessionStatus
	Subject   string // user ID, set when the session reaches SessionLoggedIn
	CreatedAt time.Time
}

// AuthorizationCode represents an issued authorization code
type AuthorizationCode struct {
	Code        string
	ClientID    string
	Subject     string // user ID the code was issued for
	RedirectURI string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// TokenType distinguishes persisted token records.
type TokenType string

const (
	TokenTypeAccess TokenType = "access"
	TokenTypeID     TokenType = "id"
)

// TokenRecord is an issued token kept for audit. Token holds the signed
// compact JWT; stores that support encryption at rest encrypt it.
type TokenRecord struct {
	ID        string
	UserID    string
	ClientID  string
	Type      TokenType
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}
