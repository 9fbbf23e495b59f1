// Command idp runs the authorization server with in-memory storage.
//
// Configuration comes from the environment, optionally seeded from a .env
// file. A demo client and user can be provisioned at startup so the
// authorization-code flow is usable out of the box.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	oauth "github.com/giantswarm/idp-oauth"
	"github.com/giantswarm/idp-oauth/identity"
	"github.com/giantswarm/idp-oauth/instrumentation"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/server"
	"github.com/giantswarm/idp-oauth/storage"
	"github.com/giantswarm/idp-oauth/storage/memory"
)

func main() {
	// Missing .env is fine; the environment alone is enough.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Fatalf("Failed to load .env: %v", err)
	}

	logger := setupLogger()

	store := memory.New()
	defer store.Stop()
	store.SetLogger(logger)

	encryptionKey, err := loadEncryptionKey(logger)
	if err != nil {
		log.Fatalf("Failed to load encryption key: %v", err)
	}
	encryptor, err := security.NewEncryptor(encryptionKey)
	if err != nil {
		log.Fatalf("Failed to create encryptor: %v", err)
	}

	srv, err := server.New(store, store, store, store, store, &server.Config{
		Issuer:                     getEnvOrDefault("IDP_ISSUER", "http://localhost:8080"),
		LoginPath:                  getEnvOrDefault("IDP_LOGIN_PATH", "/login"),
		TrustProxy:                 getBoolEnv("IDP_TRUST_PROXY", false),
		TrustedProxyCount:          getIntEnv("IDP_TRUSTED_PROXY_COUNT", 1),
		RateLimitRequestsPerSecond: getIntEnv("IDP_RATE_LIMIT_RPS", 10),
		RateLimitBurst:             getIntEnv("IDP_RATE_LIMIT_BURST", 20),
		AllowInsecureHTTP:          getBoolEnv("IDP_ALLOW_INSECURE_HTTP", false),
	}, logger)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	srv.SetEncryptor(encryptor)
	srv.SetAuditor(security.NewAuditor(logger, getBoolEnv("IDP_AUDIT_LOGGING", true)))

	limiter := security.NewRateLimiter(
		srv.Config.RateLimitRequestsPerSecond,
		srv.Config.RateLimitBurst,
		logger,
	)
	defer limiter.Stop()
	srv.SetRateLimiter(limiter)

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:  "idp-oauth",
		Enabled:      getBoolEnv("IDP_INSTRUMENTATION", false),
		LogClientIPs: getBoolEnv("IDP_LOG_CLIENT_IPS", false),
	})
	if err != nil {
		log.Fatalf("Failed to create instrumentation: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(ctx); err != nil {
			logger.Error("Instrumentation shutdown failed", "error", err)
		}
	}()
	srv.SetInstrumentation(inst)

	if getBoolEnv("IDP_SEED_DEMO", true) {
		if err := seedDemo(store, logger); err != nil {
			log.Fatalf("Failed to seed demo data: %v", err)
		}
	}

	mux := http.NewServeMux()
	oauth.NewHandler(srv, logger).RegisterRoutes(mux)
	mux.HandleFunc("/health", healthHandler)

	httpServer := &http.Server{
		Addr:         getEnvOrDefault("IDP_LISTEN_ADDR", ":8080"),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("Starting authorization server",
		"addr", httpServer.Addr,
		"issuer", srv.Config.Issuer,
		"encryption", encryptor.IsEnabled(),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	case sig := <-stop:
		logger.Info("Shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", "error", err)
		}
	}
}

// seedDemo registers a demo client and user so the flow works immediately.
func seedDemo(store *memory.Store, logger *slog.Logger) error {
	ctx := context.Background()

	clientSecret := getEnvOrDefault("IDP_DEMO_CLIENT_SECRET", "demo-secret")
	secretHash, err := identity.HashPassword(clientSecret)
	if err != nil {
		return fmt.Errorf("hash client secret: %w", err)
	}
	signingSecret, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generate signing secret: %w", err)
	}

	client := &storage.Client{
		ID:               getEnvOrDefault("IDP_DEMO_CLIENT_ID", "demo-client"),
		Name:             "Demo Client",
		ClientSecretHash: secretHash,
		RedirectURIs:     []string{getEnvOrDefault("IDP_DEMO_REDIRECT_URI", "http://localhost:9090/callback")},
		GrantType:        "authorization_code",
		SigningSecret:    signingSecret,
		CreatedAt:        time.Now().UTC(),
	}
	if err := store.SaveClient(ctx, client); err != nil {
		return fmt.Errorf("save demo client: %w", err)
	}

	user, err := identity.NewInternalUser(
		getEnvOrDefault("IDP_DEMO_USERNAME", "demo"),
		getEnvOrDefault("IDP_DEMO_PASSWORD", "demo-password"),
	)
	if err != nil {
		return fmt.Errorf("create demo user: %w", err)
	}
	user.Profile = identity.Profile{
		Name:          "Demo User",
		Email:         "demo@example.com",
		EmailVerified: true,
	}
	if err := store.SaveUser(ctx, user); err != nil {
		return fmt.Errorf("save demo user: %w", err)
	}

	logger.Info("Seeded demo data", "client_id", client.ID, "username", "demo")
	return nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func setupLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: getLogLevel()}

	var handler slog.Handler
	if getBoolEnv("IDP_LOG_JSON", true) {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func getLogLevel() slog.Level {
	switch os.Getenv("IDP_LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func loadEncryptionKey(logger *slog.Logger) ([]byte, error) {
	if keyStr := os.Getenv("IDP_ENCRYPTION_KEY"); keyStr != "" {
		return security.KeyFromBase64(keyStr)
	}

	// Development fallback; encrypted data is lost on restart.
	logger.Warn("IDP_ENCRYPTION_KEY not set, generating an ephemeral key")
	key, err := security.GenerateKey()
	if err != nil {
		return nil, err
	}
	logger.Info("Generated encryption key", "key", base64.StdEncoding.EncodeToString(key))
	return key, nil
}

func randomSecret() (string, error) {
	key, err := security.GenerateKey()
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(key), nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

func getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Fatalf("Environment variable %s must be an integer, got %q", key, value)
	}
	return parsed
}
