package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/idp-oauth/instrumentation"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/storage"
	"github.com/giantswarm/idp-oauth/token"
)

// Flow errors. The HTTP layer maps these onto the RFC 6749 error taxonomy.
var (
	// ErrRedirectURIMismatch means the requested redirect_uri is not
	// registered for the client. The request must never be redirected.
	ErrRedirectURIMismatch = errors.New("redirect_uri is not registered for this client")

	// ErrInvalidResponseType means response_type is neither code nor token.
	ErrInvalidResponseType = errors.New("response_type must be code or token")

	// ErrUnsupportedResponseType means the response type is structurally
	// valid but this server does not implement it (the implicit grant).
	ErrUnsupportedResponseType = errors.New("only the code response type is supported")

	// ErrInvalidSessionState means the session exists but is not in the
	// state the operation requires.
	ErrInvalidSessionState = errors.New("session is not in a valid state for this operation")

	// ErrInvalidCredentials covers unknown users and wrong passwords
	// without distinguishing them.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrInvalidGrant covers every code redemption failure: unknown,
	// expired, replayed, or bound to a different client or redirect URI.
	// Details are logged server-side, never returned to the caller.
	ErrInvalidGrant = errors.New("authorization code is invalid")

	// ErrUnauthorizedGrantType means the authenticated client is not
	// registered for the requested grant type.
	ErrUnauthorizedGrantType = errors.New("client is not registered for this grant type")
)

// Server implements the authorization-code flow against pluggable storage.
type Server struct {
	clientStore  storage.ClientStore
	sessionStore storage.SessionStore
	codeStore    storage.CodeStore
	tokenStore   storage.TokenStore
	userStore    storage.UserStore

	issuer *token.Issuer

	Encryptor   *security.Encryptor
	Auditor     *security.Auditor
	RateLimiter *security.RateLimiter // IP-based rate limiter
	Logger      *slog.Logger
	Config      *Config

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// New creates a new authorization server
func New(
	clientStore storage.ClientStore,
	sessionStore storage.SessionStore,
	codeStore storage.CodeStore,
	tokenStore storage.TokenStore,
	userStore storage.UserStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if sessionStore == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if codeStore == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if userStore == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config)
	if err := config.validateIssuer(); err != nil {
		return nil, err
	}

	return &Server{
		clientStore:  clientStore,
		sessionStore: sessionStore,
		codeStore:    codeStore,
		tokenStore:   tokenStore,
		userStore:    userStore,
		issuer:       token.NewIssuer(config.Issuer, time.Duration(config.AccessTokenTTL)*time.Second),
		Config:       config,
		Logger:       logger,
	}, nil
}

// SetEncryptor sets the encryptor for the server and propagates it to
// storage backends that support encryption at rest.
func (s *Server) SetEncryptor(enc *security.Encryptor) {
	s.Encryptor = enc

	type encryptorSetter interface {
		SetEncryptor(*security.Encryptor)
	}
	s.forEachStore(func(store any) {
		if setter, ok := store.(encryptorSetter); ok {
			setter.SetEncryptor(enc)
		}
	})
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetInstrumentation sets OpenTelemetry instrumentation for the server and
// propagates it to storage backends that support it.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
	}

	type instrumentationSetter interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}
	s.forEachStore(func(store any) {
		if setter, ok := store.(instrumentationSetter); ok {
			setter.SetInstrumentation(inst)
		}
	})
}

// forEachStore visits each distinct storage backend once. The five store
// interfaces are usually backed by a single object; deduplication keeps
// setters from being applied to it five times.
func (s *Server) forEachStore(fn func(store any)) {
	seen := make(map[any]bool, 5)
	for _, store := range []any{s.clientStore, s.sessionStore, s.codeStore, s.tokenStore, s.userStore} {
		if store == nil || seen[store] {
			continue
		}
		seen[store] = true
		fn(store)
	}
}

// TokenIssuer returns the server's token issuer.
func (s *Server) TokenIssuer() *token.Issuer {
	return s.issuer
}

// Instrumentation returns the configured instrumentation, or nil.
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

// AuthenticateClient resolves a client and verifies its secret. Unknown
// client and wrong secret are indistinguishable to the caller; the store
// burns a bcrypt comparison either way.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	if err := s.clientStore.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
		return nil, err
	}
	return s.clientStore.GetClient(ctx, clientID)
}

func (s *Server) metrics() *instrumentation.Metrics {
	if s.instrumentation == nil {
		return nil
	}
	return s.instrumentation.Metrics()
}
