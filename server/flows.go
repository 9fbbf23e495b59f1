package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/idp-oauth/identity"
	"github.com/giantswarm/idp-oauth/internal/util"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/storage"
	"github.com/giantswarm/idp-oauth/token"
)

// Authorization codes are 24 random bytes, base64url-encoded to exactly 32
// characters. The token endpoint rejects codes of any other length before
// touching storage.
const (
	codeRandomBytes = 24
	CodeLength      = 32
)

// dummyPasswordHash is compared against when the login subject does not
// exist, so unknown users cost the same bcrypt work as wrong passwords.
// It is the hash of "test".
const dummyPasswordHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// TokenPair is the result of a successful code exchange.
type TokenPair struct {
	AccessToken *token.Token
	IDToken     *token.Token
}

// Authorize validates an authorization request and opens a login session.
//
// The client and redirect URI are validated before anything else: a request
// whose redirect_uri is not registered must never be redirected, so those
// failures surface as errors for the caller to render directly. The response
// type is then checked structurally (code or token) before support is
// considered; response_type=token parses but is not implemented here.
func (s *Server) Authorize(ctx context.Context, clientID, redirectURI, responseType, state string) (*storage.Session, error) {
	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		s.Logger.Debug("Authorization request for unknown client",
			"client_id", clientID)
		return nil, err
	}

	if !registeredRedirectURI(client, redirectURI) {
		s.Logger.Warn("Authorization request with unregistered redirect URI",
			"client_id", clientID,
			"redirect_uri", redirectURI)
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventInvalidRedirect,
				ClientID: clientID,
				Details: map[string]any{
					"redirect_uri": redirectURI,
				},
			})
		}
		return nil, ErrRedirectURIMismatch
	}

	switch responseType {
	case "code":
		// supported
	case "token":
		return nil, ErrUnsupportedResponseType
	default:
		return nil, ErrInvalidResponseType
	}

	session := &storage.Session{
		ID:           uuid.NewString(),
		ClientID:     client.ID,
		ResponseType: responseType,
		RedirectURI:  redirectURI,
		State:        state,
		Status:       storage.SessionCreated,
		CreatedAt:    time.Now(),
	}
	if err := s.sessionStore.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	if m := s.metrics(); m != nil {
		m.RecordAuthorizationStarted(ctx, client.ID)
	}
	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventAuthorizationStarted,
			ClientID: client.ID,
			Details: map[string]any{
				"session_id":    session.ID,
				"response_type": responseType,
			},
		})
	}

	s.Logger.Info("Authorization flow started",
		"client_id", client.ID,
		"session_id", session.ID)

	return session, nil
}

// CompleteLogin authenticates a resource owner against an open session and
// moves it to the logged-in state. Unknown subjects and wrong passwords both
// return ErrInvalidCredentials after equivalent bcrypt work.
func (s *Server) CompleteLogin(ctx context.Context, sessionID, subject, password, clientIP string) (*storage.Session, error) {
	session, err := s.sessionStore.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != storage.SessionCreated {
		s.Logger.Warn("Login attempted on session in wrong state",
			"session_id", sessionID,
			"status", session.Status)
		return nil, ErrInvalidSessionState
	}

	user, lookupErr := s.userStore.GetUserBySubject(ctx, subject)

	var internal identity.InternalIdentity
	hasInternal := false
	if lookupErr == nil {
		internal, hasInternal = user.InternalIdentity()
	}

	if lookupErr != nil || !hasInternal {
		// Burn the comparison so a missing user is not observable
		// through timing.
		_, _ = identity.VerifyPassword(password, dummyPasswordHash)
		if s.Auditor != nil {
			s.Auditor.LogLoginFailed(subject, session.ClientID, clientIP, "unknown_subject")
		}
		return nil, ErrInvalidCredentials
	}

	ok, err := internal.VerifyPassword(password)
	if err != nil {
		// Corrupt hash: an integrity failure, not a login failure.
		s.Logger.Error("Stored password hash is unusable",
			"user_id", util.SafeTruncate(user.ID, 8),
			"error", err)
		return nil, fmt.Errorf("failed to verify credentials: %w", err)
	}
	if !ok {
		if s.Auditor != nil {
			s.Auditor.LogLoginFailed(user.ID, session.ClientID, clientIP, "wrong_password")
		}
		return nil, ErrInvalidCredentials
	}

	session.Subject = user.ID
	session.Status = storage.SessionLoggedIn
	if err := s.sessionStore.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	if m := s.metrics(); m != nil {
		m.RecordLoginCompleted(ctx, session.ClientID)
	}
	if s.Auditor != nil {
		s.Auditor.LogLoginSucceeded(user.ID, session.ClientID, clientIP)
	}

	return session, nil
}

// IssueCode consumes a logged-in session into a short-lived single-use
// authorization code bound to the session's client, subject, and redirect
// URI. The session cannot produce a second code.
func (s *Server) IssueCode(ctx context.Context, sessionID, clientIP string) (*storage.AuthorizationCode, *storage.Session, error) {
	session, err := s.sessionStore.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if session.Status != storage.SessionLoggedIn {
		return nil, nil, ErrInvalidSessionState
	}

	code, err := generateAuthorizationCode()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate authorization code: %w", err)
	}

	now := time.Now()
	authCode := &storage.AuthorizationCode{
		Code:        code,
		ClientID:    session.ClientID,
		Subject:     session.Subject,
		RedirectURI: session.RedirectURI,
		IssuedAt:    now,
		ExpiresAt:   now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}
	if err := s.codeStore.SaveAuthorizationCode(ctx, authCode); err != nil {
		return nil, nil, fmt.Errorf("failed to save authorization code: %w", err)
	}

	session.Status = storage.SessionConsumed
	if err := s.sessionStore.SaveSession(ctx, session); err != nil {
		return nil, nil, fmt.Errorf("failed to save session: %w", err)
	}

	if m := s.metrics(); m != nil {
		m.RecordCodeIssued(ctx, session.ClientID)
	}
	if s.Auditor != nil {
		s.Auditor.LogCodeIssued(session.Subject, session.ClientID, clientIP)
	}

	s.Logger.Info("Authorization code issued",
		"client_id", session.ClientID,
		"session_id", session.ID,
		"code_prefix", util.SafeTruncate(code, 8))

	return authCode, session, nil
}

// ExchangeAuthorizationCode redeems a code for an access token and an ID
// token. The code is validated first and deleted last: deletion is atomic,
// so when two redemptions race, the one whose delete fails gets
// ErrInvalidGrant and no tokens.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code string, client *storage.Client, redirectURI, clientIP string) (*TokenPair, error) {
	authCode, err := s.codeStore.GetAuthorizationCode(ctx, code)
	if err != nil {
		s.Logger.Debug("Authorization code lookup failed",
			"client_id", client.ID,
			"code_prefix", util.SafeTruncate(code, 8))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", client.ID, clientIP, "unknown_authorization_code")
		}
		return nil, ErrInvalidGrant
	}

	if err := s.validateForRedemption(authCode, client.ID, redirectURI); err != nil {
		// Details stay in the log; the client sees a generic error.
		s.Logger.Debug("Authorization code validation failed",
			"reason", err.Error(),
			"client_id", client.ID,
			"code_prefix", util.SafeTruncate(code, 8))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(authCode.Subject, client.ID, clientIP, err.Error())
		}
		return nil, ErrInvalidGrant
	}

	// Single-use enforcement: the delete is the commit point. Exactly one
	// of two concurrent redemptions gets past this line.
	if err := s.codeStore.DeleteAuthorizationCode(ctx, code); err != nil {
		if errors.Is(err, storage.ErrCodeNotFound) {
			s.Logger.Warn("Authorization code replay detected",
				"client_id", client.ID,
				"code_prefix", util.SafeTruncate(code, 8))
			if m := s.metrics(); m != nil {
				m.RecordCodeReplayDetected(ctx)
			}
			if s.Auditor != nil {
				s.Auditor.LogCodeReplay(client.ID, clientIP)
			}
			return nil, ErrInvalidGrant
		}
		return nil, fmt.Errorf("failed to delete authorization code: %w", err)
	}

	user, err := s.userStore.GetUser(ctx, authCode.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to load user for code subject: %w", err)
	}

	accessToken, err := s.issuer.Issue(token.TypeAccess, client.ID, client.SigningSecret, user)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}
	idToken, err := s.issuer.Issue(token.TypeID, client.ID, client.SigningSecret, user)
	if err != nil {
		return nil, fmt.Errorf("failed to issue id token: %w", err)
	}

	s.persistToken(ctx, storage.TokenTypeAccess, accessToken, user.ID, client.ID)
	s.persistToken(ctx, storage.TokenTypeID, idToken, user.ID, client.ID)

	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, client.ID, true)
		m.RecordTokenIssued(ctx, client.ID, string(token.TypeAccess))
		m.RecordTokenIssued(ctx, client.ID, string(token.TypeID))
	}
	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(user.ID, client.ID, clientIP, string(token.TypeAccess))
	}

	s.Logger.Info("Authorization code exchanged",
		"client_id", client.ID,
		"user_id", util.SafeTruncate(user.ID, 8))

	return &TokenPair{AccessToken: accessToken, IDToken: idToken}, nil
}

// validateForRedemption checks a code's expiry and bindings before the
// delete commits the redemption.
func (s *Server) validateForRedemption(authCode *storage.AuthorizationCode, clientID, redirectURI string) error {
	gracePeriod := time.Duration(s.Config.ClockSkewGracePeriod) * time.Second
	if security.IsExpiredWithGracePeriod(authCode.ExpiresAt, gracePeriod) {
		return fmt.Errorf("code_expired")
	}
	if authCode.ClientID != clientID {
		return fmt.Errorf("client_id_mismatch")
	}
	if authCode.RedirectURI != redirectURI {
		return fmt.Errorf("redirect_uri_mismatch")
	}
	return nil
}

// persistToken records an issued token for audit. Persistence failures are
// logged and ignored: the token has already been signed and will be returned
// to the client regardless.
func (s *Server) persistToken(ctx context.Context, typ storage.TokenType, tok *token.Token, userID, clientID string) {
	record := &storage.TokenRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		ClientID:  clientID,
		Type:      typ,
		Token:     tok.Value,
		IssuedAt:  tok.IssuedAt,
		ExpiresAt: tok.ExpiresAt,
	}
	if err := s.tokenStore.SaveToken(ctx, record); err != nil {
		s.Logger.Error("Failed to persist issued token",
			"token_type", typ,
			"client_id", clientID,
			"error", err)
	}
}

func registeredRedirectURI(client *storage.Client, redirectURI string) bool {
	for _, registered := range client.RedirectURIs {
		if registered == redirectURI {
			return true
		}
	}
	return false
}

func generateAuthorizationCode() (string, error) {
	b := make([]byte, codeRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
