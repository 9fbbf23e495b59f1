package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/idp-oauth/identity"
	"github.com/giantswarm/idp-oauth/instrumentation"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/storage"
)

// dummySecretHash is a bcrypt hash compared against when a client does not
// exist, so secret validation burns the same work either way and lookup
// failures are not observable through timing. It is the hash of "test".
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	clients  map[string]*storage.Client
	sessions map[string]*storage.Session
	codes    map[string]*storage.AuthorizationCode
	tokens   map[string]*storage.TokenRecord
	users    map[string]*identity.User
	subjects map[string]string // identity subject -> user ID

	// Security
	encryptor *security.Encryptor // encryption at rest (optional)

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for gauge callbacks (lock-free during collection)
	clientsCountAtomic  atomic.Int64
	sessionsCountAtomic atomic.Int64
	codesCountAtomic    atomic.Int64
	tokensCountAtomic   atomic.Int64
	usersCountAtomic    atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore  = (*Store)(nil)
	_ storage.SessionStore = (*Store)(nil)
	_ storage.CodeStore    = (*Store)(nil)
	_ storage.TokenStore   = (*Store)(nil)
	_ storage.UserStore    = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval
// (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. If cleanupInterval is 0 or negative, 1 minute is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		sessions:        make(map[string]*storage.Session),
		codes:           make(map[string]*storage.AuthorizationCode),
		tokens:          make(map[string]*storage.TokenRecord),
		users:           make(map[string]*identity.User),
		subjects:        make(map[string]string),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetEncryptor sets the encryptor for encryption at rest
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Encryption at rest enabled for storage")
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}

	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
	s.codesCountAtomic.Store(int64(len(s.codes)))
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	s.usersCountAtomic.Store(int64(len(s.users)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.sessionsCountAtomic.Load() },
			func() int64 { return s.codesCountAtomic.Load() },
			func() int64 { return s.tokensCountAtomic.Load() },
			func() int64 { return s.usersCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client, encrypting its signing secret when
// encryption at rest is enabled.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_client", err, startTime)
	}()

	if client == nil || client.ID == "" {
		err = fmt.Errorf("client ID cannot be empty")
		return err
	}

	stored := *client
	stored.RedirectURIs = append([]string(nil), client.RedirectURIs...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.encryptor != nil && s.encryptor.IsEnabled() && stored.SigningSecret != "" {
		stored.SigningSecret, err = s.encryptor.Encrypt(stored.SigningSecret)
		if err != nil {
			err = fmt.Errorf("failed to encrypt signing secret: %w", err)
			return err
		}
	}

	if _, exists := s.clients[stored.ID]; !exists {
		s.clientsCountAtomic.Add(1)
	}
	s.clients[stored.ID] = &stored

	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	result := *client
	result.RedirectURIs = append([]string(nil), client.RedirectURIs...)

	if s.encryptor != nil && s.encryptor.IsEnabled() && result.SigningSecret != "" {
		result.SigningSecret, err = s.encryptor.Decrypt(result.SigningSecret)
		if err != nil {
			err = fmt.Errorf("failed to decrypt signing secret: %w", err)
			return nil, err
		}
	}

	return &result, nil
}

// ValidateClientSecret validates a client's secret using bcrypt.
// A bcrypt comparison runs whether or not the client exists, so an unknown
// client costs the same as a wrong secret.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	// A client registered without a secret authenticates by identity alone.
	if ok && client.ClientSecretHash == "" {
		return nil
	}

	hashToCompare := dummySecretHash
	if ok {
		hashToCompare = client.ClientSecretHash
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	if !ok || bcryptErr != nil {
		return storage.ErrInvalidClientSecret
	}

	return nil
}

// ============================================================
// SessionStore Implementation
// ============================================================

// SaveSession saves a session, overwriting any previous state
func (s *Store) SaveSession(ctx context.Context, session *storage.Session) error {
	ctx, span := s.startStorageSpan(ctx, "save_session")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_session", err, startTime)
	}()

	if session == nil || session.ID == "" {
		err = fmt.Errorf("session ID cannot be empty")
		return err
	}

	stored := *session

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[stored.ID]; !exists {
		s.sessionsCountAtomic.Add(1)
	}
	s.sessions[stored.ID] = &stored

	return nil
}

// GetSession retrieves a session by ID
func (s *Store) GetSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	ctx, span := s.startStorageSpan(ctx, "get_session")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_session", err, startTime)
	}()

	s.mu.RLock()
	session, ok := s.sessions[sessionID]
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrSessionNotFound, sessionID)
		return nil, err
	}

	result := *session
	return &result, nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime)
	}()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("authorization code cannot be empty")
		return err
	}

	stored := *code

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[stored.Code]; !exists {
		s.codesCountAtomic.Add(1)
	}
	s.codes[stored.Code] = &stored

	return nil
}

// GetAuthorizationCode retrieves an authorization code without consuming it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "get_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_authorization_code", err, startTime)
	}()

	s.mu.RLock()
	record, ok := s.codes[code]
	s.mu.RUnlock()

	if !ok {
		err = storage.ErrCodeNotFound
		return nil, err
	}

	result := *record
	return &result, nil
}

// DeleteAuthorizationCode atomically removes a code. When two redemptions
// race on the same code, the check and delete happen under one lock
// acquisition, so exactly one caller succeeds and the other gets
// ErrCodeNotFound.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "delete_authorization_code", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codes[code]; !ok {
		err = storage.ErrCodeNotFound
		return err
	}

	delete(s.codes, code)
	s.codesCountAtomic.Add(-1)

	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken records an issued token, encrypting the signed JWT when
// encryption at rest is enabled.
func (s *Store) SaveToken(ctx context.Context, record *storage.TokenRecord) error {
	ctx, span := s.startStorageSpan(ctx, "save_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_token", err, startTime)
	}()

	if record == nil || record.ID == "" {
		err = fmt.Errorf("token record ID cannot be empty")
		return err
	}

	stored := *record

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.encryptor != nil && s.encryptor.IsEnabled() && stored.Token != "" {
		stored.Token, err = s.encryptor.Encrypt(stored.Token)
		if err != nil {
			err = fmt.Errorf("failed to encrypt token: %w", err)
			return err
		}
	}

	if _, exists := s.tokens[stored.ID]; !exists {
		s.tokensCountAtomic.Add(1)
	}
	s.tokens[stored.ID] = &stored

	return nil
}

// GetToken retrieves a token record by ID
func (s *Store) GetToken(ctx context.Context, tokenID string) (*storage.TokenRecord, error) {
	ctx, span := s.startStorageSpan(ctx, "get_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_token", err, startTime)
	}()

	s.mu.RLock()
	record, ok := s.tokens[tokenID]
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrTokenNotFound, tokenID)
		return nil, err
	}

	result := *record
	if err = s.decryptTokenRecord(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

// ListTokensForUser returns all token records for a user
func (s *Store) ListTokensForUser(ctx context.Context, userID string) ([]*storage.TokenRecord, error) {
	ctx, span := s.startStorageSpan(ctx, "list_tokens_for_user")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "list_tokens_for_user", err, startTime)
	}()

	s.mu.RLock()
	records := make([]*storage.TokenRecord, 0)
	for _, record := range s.tokens {
		if record.UserID == userID {
			copied := *record
			records = append(records, &copied)
		}
	}
	s.mu.RUnlock()

	for _, record := range records {
		if err = s.decryptTokenRecord(record); err != nil {
			return nil, err
		}
	}

	return records, nil
}

func (s *Store) decryptTokenRecord(record *storage.TokenRecord) error {
	if s.encryptor == nil || !s.encryptor.IsEnabled() || record.Token == "" {
		return nil
	}

	decrypted, err := s.encryptor.Decrypt(record.Token)
	if err != nil {
		return fmt.Errorf("failed to decrypt token: %w", err)
	}
	record.Token = decrypted
	return nil
}

// ============================================================
// UserStore Implementation
// ============================================================

// SaveUser saves a user and indexes their identity subjects. External
// refresh tokens are encrypted when encryption at rest is enabled.
func (s *Store) SaveUser(ctx context.Context, user *identity.User) error {
	ctx, span := s.startStorageSpan(ctx, "save_user")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_user", err, startTime)
	}()

	if user == nil || user.ID == "" {
		err = fmt.Errorf("user ID cannot be empty")
		return err
	}

	stored := *user
	stored.Identities, err = s.sealIdentities(user.Identities)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[stored.ID]; !exists {
		s.usersCountAtomic.Add(1)
	}
	s.users[stored.ID] = &stored
	for _, id := range stored.Identities {
		s.subjects[id.Subject()] = stored.ID
	}

	return nil
}

// GetUser retrieves a user by their stable ID
func (s *Store) GetUser(ctx context.Context, userID string) (*identity.User, error) {
	ctx, span := s.startStorageSpan(ctx, "get_user")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_user", err, startTime)
	}()

	s.mu.RLock()
	user, ok := s.users[userID]
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrUserNotFound, userID)
		return nil, err
	}

	return s.openUser(user)
}

// GetUserBySubject retrieves the user owning an identity with the given
// subject.
func (s *Store) GetUserBySubject(ctx context.Context, subject string) (*identity.User, error) {
	ctx, span := s.startStorageSpan(ctx, "get_user_by_subject")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_user_by_subject", err, startTime)
	}()

	s.mu.RLock()
	userID, ok := s.subjects[subject]
	var user *identity.User
	if ok {
		user, ok = s.users[userID]
	}
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: subject %s", storage.ErrUserNotFound, subject)
		return nil, err
	}

	return s.openUser(user)
}

// sealIdentities copies identities for storage, encrypting external refresh
// tokens.
func (s *Store) sealIdentities(ids []identity.Identity) ([]identity.Identity, error) {
	sealed := make([]identity.Identity, 0, len(ids))
	for _, id := range ids {
		external, ok := id.(identity.ExternalIdentity)
		if !ok || s.encryptor == nil || !s.encryptor.IsEnabled() || external.RefreshToken == "" {
			sealed = append(sealed, id)
			continue
		}

		encrypted, err := s.encryptor.Encrypt(external.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		external.RefreshToken = encrypted
		sealed = append(sealed, external)
	}
	return sealed, nil
}

// openUser copies a stored user, decrypting external refresh tokens.
func (s *Store) openUser(user *identity.User) (*identity.User, error) {
	result := *user
	result.Identities = make([]identity.Identity, 0, len(user.Identities))

	for _, id := range user.Identities {
		external, ok := id.(identity.ExternalIdentity)
		if !ok || s.encryptor == nil || !s.encryptor.IsEnabled() || external.RefreshToken == "" {
			result.Identities = append(result.Identities, id)
			continue
		}

		decrypted, err := s.encryptor.Decrypt(external.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
		external.RefreshToken = decrypted
		result.Identities = append(result.Identities, external)
	}

	return &result, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup evicts expired authorization codes and token records.
func (s *Store) cleanup() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var expiredCodes, expiredTokens int
	for code, record := range s.codes {
		if now.After(record.ExpiresAt) {
			delete(s.codes, code)
			expiredCodes++
		}
	}
	for id, record := range s.tokens {
		if now.After(record.ExpiresAt) {
			delete(s.tokens, id)
			expiredTokens++
		}
	}

	if expiredCodes > 0 {
		s.codesCountAtomic.Add(int64(-expiredCodes))
	}
	if expiredTokens > 0 {
		s.tokensCountAtomic.Add(int64(-expiredTokens))
	}

	if expiredCodes > 0 || expiredTokens > 0 {
		s.logger.Debug("Cleaned up expired entries",
			"expired_codes", expiredCodes,
			"expired_tokens", expiredTokens)
	}
}

// ============================================================
// Instrumentation helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
