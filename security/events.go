package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Authorization flow events

	// EventAuthorizationStarted is logged when an authorization request passes
	// client and redirect URI validation and a session is created
	EventAuthorizationStarted = "authorization_started"

	// EventLoginSucceeded is logged when a resource owner completes login
	EventLoginSucceeded = "login_succeeded"

	// EventLoginFailed is logged when password verification fails
	EventLoginFailed = "login_failed"

	// EventAuthorizationCodeIssued is logged when an authorization code is minted
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReplayed is logged when a code that was already
	// redeemed (or never existed) is presented again
	EventAuthorizationCodeReplayed = "authorization_code_replayed"

	// Token events

	// EventTokenIssued is logged when an access/ID token is issued to a client
	EventTokenIssued = "token_issued"

	// Security violation events

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventInvalidRedirect is logged when an unregistered redirect URI is presented
	EventInvalidRedirect = "invalid_redirect"
)
