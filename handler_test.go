package oauth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/giantswarm/idp-oauth/internal/testutil"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/server"
	"github.com/giantswarm/idp-oauth/storage"
	"github.com/giantswarm/idp-oauth/storage/memory"
)

type handlerTestEnv struct {
	mux    *http.ServeMux
	srv    *server.Server
	store  *memory.Store
	client *storage.Client
	user   string // subject of the seeded user
}

func newHandlerTestEnv(t *testing.T) *handlerTestEnv {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := server.New(store, store, store, store, store, &server.Config{
		Issuer: "https://idp.example.com",
	}, logger)
	testutil.AssertNoError(t, err)

	ctx := context.Background()

	client := testutil.GenerateTestClient()
	testutil.AssertNoError(t, store.SaveClient(ctx, client))

	user := testutil.GenerateTestUser(t)
	testutil.AssertNoError(t, store.SaveUser(ctx, user))

	mux := http.NewServeMux()
	NewHandler(srv, logger).RegisterRoutes(mux)

	return &handlerTestEnv{
		mux:    mux,
		srv:    srv,
		store:  store,
		client: client,
		user:   "test-user",
	}
}

func (env *handlerTestEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	return rec
}

// authorize performs GET /authorize with the seeded client's parameters and
// returns the session ID extracted from the login redirect.
func (env *handlerTestEnv) authorize(t *testing.T, state string) string {
	t.Helper()

	rec := env.do(t, authorizeRequest(env.client.ID, env.client.RedirectURIs[0], "code", state))
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize returned status %d, want %d", rec.Code, http.StatusFound)
	}

	location, err := url.Parse(rec.Header().Get("Location"))
	testutil.AssertNoError(t, err)

	sessionID := location.Query().Get("session_id")
	if sessionID == "" {
		t.Fatalf("login redirect %q carries no session_id", location)
	}
	return sessionID
}

// login posts credentials for the session and returns the client redirect.
func (env *handlerTestEnv) login(t *testing.T, sessionID, username, password string) *httptest.ResponseRecorder {
	t.Helper()

	form := url.Values{
		"session_id": {sessionID},
		"username":   {username},
		"password":   {password},
	}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return env.do(t, req)
}

// runToCode drives authorize and login over HTTP and returns the issued code.
func (env *handlerTestEnv) runToCode(t *testing.T, state string) string {
	t.Helper()

	sessionID := env.authorize(t, state)
	rec := env.login(t, sessionID, env.user, "hunter2")
	if rec.Code != http.StatusFound {
		t.Fatalf("login returned status %d, want %d: %s", rec.Code, http.StatusFound, rec.Body.String())
	}

	location, err := url.Parse(rec.Header().Get("Location"))
	testutil.AssertNoError(t, err)

	code := location.Query().Get("code")
	if code == "" {
		t.Fatalf("client redirect %q carries no code", location)
	}
	return code
}

func authorizeRequest(clientID, redirectURI, responseType, state string) *http.Request {
	query := url.Values{}
	if clientID != "" {
		query.Set("client_id", clientID)
	}
	if redirectURI != "" {
		query.Set("redirect_uri", redirectURI)
	}
	if responseType != "" {
		query.Set("response_type", responseType)
	}
	if state != "" {
		query.Set("state", state)
	}
	return httptest.NewRequest(http.MethodGet, "/authorize?"+query.Encode(), nil)
}

func tokenRequestForm(t *testing.T, code, redirectURI string) *http.Request {
	t.Helper()

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func decodeErrorResponse(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()

	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode error response %q: %v", rec.Body.String(), err)
	}
	return resp
}

func assertOAuthError(t *testing.T, rec *httptest.ResponseRecorder, wantStatus int, wantCode string) {
	t.Helper()

	if rec.Code != wantStatus {
		t.Errorf("status = %d, want %d (body %q)", rec.Code, wantStatus, rec.Body.String())
	}
	if resp := decodeErrorResponse(t, rec); resp.Error != wantCode {
		t.Errorf("error = %q, want %q", resp.Error, wantCode)
	}
}

func TestServeAuthorization(t *testing.T) {
	env := newHandlerTestEnv(t)

	sessionID := env.authorize(t, "xyz")

	session, err := env.store.GetSession(context.Background(), sessionID)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, session.ClientID, env.client.ID)
	testutil.AssertEqual(t, session.Status, storage.SessionCreated)
	testutil.AssertEqual(t, session.State, "xyz")
}

func TestServeAuthorizationMissingParameters(t *testing.T) {
	env := newHandlerTestEnv(t)

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"missing client_id", authorizeRequest("", env.client.RedirectURIs[0], "code", "")},
		{"missing redirect_uri", authorizeRequest(env.client.ID, "", "code", "")},
		{"missing response_type", authorizeRequest(env.client.ID, env.client.RedirectURIs[0], "", "")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assertOAuthError(t, env.do(t, tc.req), http.StatusBadRequest, ErrorCodeInvalidRequest)
		})
	}
}

func TestServeAuthorizationUnknownClient(t *testing.T) {
	env := newHandlerTestEnv(t)

	rec := env.do(t, authorizeRequest("nope", env.client.RedirectURIs[0], "code", ""))
	assertOAuthError(t, rec, http.StatusUnauthorized, ErrorCodeInvalidClient)
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("401 response is missing the WWW-Authenticate header")
	}
}

func TestServeAuthorizationUnregisteredRedirect(t *testing.T) {
	env := newHandlerTestEnv(t)

	rec := env.do(t, authorizeRequest(env.client.ID, "https://evil.example.com/cb", "code", ""))
	assertOAuthError(t, rec, http.StatusUnauthorized, ErrorCodeInvalidGrant)
}

func TestServeAuthorizationResponseTypes(t *testing.T) {
	env := newHandlerTestEnv(t)

	tests := []struct {
		responseType string
		wantCode     string
	}{
		{"token", ErrorCodeUnsupportedResponseType},
		{"id_token", ErrorCodeInvalidRequest},
	}

	for _, tc := range tests {
		t.Run(tc.responseType, func(t *testing.T) {
			rec := env.do(t, authorizeRequest(env.client.ID, env.client.RedirectURIs[0], tc.responseType, ""))
			assertOAuthError(t, rec, http.StatusBadRequest, tc.wantCode)
		})
	}
}

func TestServeAuthorizationMethodNotAllowed(t *testing.T) {
	env := newHandlerTestEnv(t)

	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/authorize", nil))
	testutil.AssertEqual(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestServeLoginPage(t *testing.T) {
	env := newHandlerTestEnv(t)

	sessionID := env.authorize(t, "")

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/login?session_id="+sessionID, nil))
	testutil.AssertEqual(t, rec.Code, http.StatusOK)
	if !strings.Contains(rec.Body.String(), sessionID) {
		t.Error("login page does not carry the session ID")
	}
	if got := rec.Header().Get("Cache-Control"); !strings.Contains(got, "no-store") {
		t.Errorf("login page Cache-Control = %q, want no-store", got)
	}
}

func TestServeLoginPageRequiresSession(t *testing.T) {
	env := newHandlerTestEnv(t)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/login", nil))
	assertOAuthError(t, rec, http.StatusBadRequest, ErrorCodeInvalidRequest)
}

func TestLoginWrongPassword(t *testing.T) {
	env := newHandlerTestEnv(t)

	sessionID := env.authorize(t, "")

	rec := env.login(t, sessionID, env.user, "wrong")
	testutil.AssertEqual(t, rec.Code, http.StatusUnauthorized)
	if !strings.Contains(rec.Body.String(), "Invalid username or password.") {
		t.Error("failed login did not re-render the form with an error")
	}

	// The session survives a failed attempt.
	rec = env.login(t, sessionID, env.user, "hunter2")
	testutil.AssertEqual(t, rec.Code, http.StatusFound)
}

func TestLoginUnknownSession(t *testing.T) {
	env := newHandlerTestEnv(t)

	rec := env.login(t, "no-such-session", env.user, "hunter2")
	assertOAuthError(t, rec, http.StatusBadRequest, ErrorCodeInvalidRequest)
}

func TestLoginRedirectCarriesCodeAndState(t *testing.T) {
	env := newHandlerTestEnv(t)

	sessionID := env.authorize(t, "opaque-state")
	rec := env.login(t, sessionID, env.user, "hunter2")
	testutil.AssertEqual(t, rec.Code, http.StatusFound)
	if got := rec.Header().Get("Cache-Control"); !strings.Contains(got, "no-store") {
		t.Errorf("code redirect Cache-Control = %q, want no-store", got)
	}

	location, err := url.Parse(rec.Header().Get("Location"))
	testutil.AssertNoError(t, err)
	if !strings.HasPrefix(location.String(), env.client.RedirectURIs[0]) {
		t.Errorf("redirected to %q, want prefix %q", location, env.client.RedirectURIs[0])
	}
	testutil.AssertEqual(t, len(location.Query().Get("code")), server.CodeLength)
	testutil.AssertEqual(t, location.Query().Get("state"), "opaque-state")
}

func TestServeTokenRequiresBasicAuth(t *testing.T) {
	env := newHandlerTestEnv(t)

	req := tokenRequestForm(t, env.runToCode(t, ""), env.client.RedirectURIs[0])
	rec := env.do(t, req)
	assertOAuthError(t, rec, http.StatusUnauthorized, ErrorCodeInvalidClient)
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("401 response is missing the WWW-Authenticate header")
	}
}

func TestServeTokenRejectsUnknownContentType(t *testing.T) {
	env := newHandlerTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader("grant_type=authorization_code"))
	req.Header.Set("Content-Type", "text/plain")
	req.SetBasicAuth(env.client.ID, "secret")

	rec := env.do(t, req)
	assertOAuthError(t, rec, http.StatusUnauthorized, ErrorCodeInvalidClient)
	testutil.AssertEqual(t, decodeErrorResponse(t, rec).ErrorDescription, "Invalid Content-Type.")
}

func TestServeTokenWrongSecret(t *testing.T) {
	env := newHandlerTestEnv(t)

	req := tokenRequestForm(t, env.runToCode(t, ""), env.client.RedirectURIs[0])
	req.SetBasicAuth(env.client.ID, "not-the-secret")
	rec := env.do(t, req)
	assertOAuthError(t, rec, http.StatusUnauthorized, ErrorCodeInvalidClient)
}

func TestServeTokenGrantTypes(t *testing.T) {
	env := newHandlerTestEnv(t)

	tests := []struct {
		name      string
		grantType string
		wantCode  string
	}{
		{"missing grant_type", "", ErrorCodeInvalidRequest},
		{"client_credentials", "client_credentials", ErrorCodeUnsupportedGrantType},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			form := url.Values{"grant_type": {tc.grantType}, "code": {env.runToCode(t, "")}}
			req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.SetBasicAuth(env.client.ID, "secret")

			assertOAuthError(t, env.do(t, req), http.StatusBadRequest, tc.wantCode)
		})
	}
}

func TestServeTokenMalformedCode(t *testing.T) {
	env := newHandlerTestEnv(t)

	req := tokenRequestForm(t, "too-short", env.client.RedirectURIs[0])
	req.SetBasicAuth(env.client.ID, "secret")
	assertOAuthError(t, env.do(t, req), http.StatusBadRequest, ErrorCodeInvalidGrant)
}

func TestServeTokenSuccess(t *testing.T) {
	env := newHandlerTestEnv(t)

	code := env.runToCode(t, "")
	req := tokenRequestForm(t, code, env.client.RedirectURIs[0])
	req.SetBasicAuth(env.client.ID, "secret")

	rec := env.do(t, req)
	testutil.AssertEqual(t, rec.Code, http.StatusOK)
	if got := rec.Header().Get("Cache-Control"); !strings.Contains(got, "no-store") {
		t.Errorf("token response Cache-Control = %q, want no-store", got)
	}

	var resp TokenResponse
	testutil.AssertNoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	testutil.AssertEqual(t, resp.TokenType, tokenTypeBearer)
	testutil.AssertEqual(t, resp.ExpiresIn, int64(3600))
	if resp.AccessToken == "" || resp.IDToken == "" {
		t.Fatal("token response is missing tokens")
	}

	claims, err := env.srv.TokenIssuer().Verify(resp.AccessToken, env.client.SigningSecret)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, claims["aud"].(string), env.client.ID)
}

func TestServeTokenJSONBody(t *testing.T) {
	env := newHandlerTestEnv(t)

	body, err := json.Marshal(tokenRequest{
		GrantType:   "authorization_code",
		Code:        env.runToCode(t, ""),
		RedirectURI: env.client.RedirectURIs[0],
	})
	testutil.AssertNoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(env.client.ID, "secret")

	rec := env.do(t, req)
	testutil.AssertEqual(t, rec.Code, http.StatusOK)
}

func TestServeTokenReplay(t *testing.T) {
	env := newHandlerTestEnv(t)

	code := env.runToCode(t, "")

	req := tokenRequestForm(t, code, env.client.RedirectURIs[0])
	req.SetBasicAuth(env.client.ID, "secret")
	testutil.AssertEqual(t, env.do(t, req).Code, http.StatusOK)

	replay := tokenRequestForm(t, code, env.client.RedirectURIs[0])
	replay.SetBasicAuth(env.client.ID, "secret")
	assertOAuthError(t, env.do(t, replay), http.StatusBadRequest, ErrorCodeInvalidGrant)
}

func TestDiscoveryEndpoints(t *testing.T) {
	env := newHandlerTestEnv(t)

	for _, path := range []string{
		"/.well-known/oauth-authorization-server",
		"/.well-known/openid-configuration",
	} {
		t.Run(path, func(t *testing.T) {
			rec := env.do(t, httptest.NewRequest(http.MethodGet, path, nil))
			testutil.AssertEqual(t, rec.Code, http.StatusOK)

			var metadata AuthorizationServerMetadata
			testutil.AssertNoError(t, json.Unmarshal(rec.Body.Bytes(), &metadata))
			testutil.AssertEqual(t, metadata.Issuer, "https://idp.example.com")
			testutil.AssertEqual(t, metadata.AuthorizationEndpoint, "https://idp.example.com/authorize")
			testutil.AssertEqual(t, metadata.TokenEndpoint, "https://idp.example.com/token")
			if len(metadata.ResponseTypesSupported) != 1 || metadata.ResponseTypesSupported[0] != "code" {
				t.Errorf("response_types_supported = %v, want [code]", metadata.ResponseTypesSupported)
			}
		})
	}
}

func TestRateLimiting(t *testing.T) {
	env := newHandlerTestEnv(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	limiter := security.NewRateLimiter(1, 1, logger)
	t.Cleanup(limiter.Stop)
	env.srv.SetRateLimiter(limiter)

	req := authorizeRequest(env.client.ID, env.client.RedirectURIs[0], "code", "")
	testutil.AssertEqual(t, env.do(t, req).Code, http.StatusFound)

	rec := env.do(t, authorizeRequest(env.client.ID, env.client.RedirectURIs[0], "code", ""))
	assertOAuthError(t, rec, http.StatusTooManyRequests, ErrorCodeRateLimitExceeded)
}
