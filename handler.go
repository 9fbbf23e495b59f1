package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/idp-oauth/instrumentation"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/server"
	"github.com/giantswarm/idp-oauth/storage"
)

const tokenTypeBearer = "bearer"

// loginPageTemplate renders the resource owner login form. The form posts
// back to the same path with the session ID pinned in a hidden field, so the
// request parameters validated at /authorize cannot be altered here.
const loginPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Sign in</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif;
            background: #f4f4f5;
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
            margin: 0;
        }
        .card {
            background: #fff;
            border-radius: 8px;
            box-shadow: 0 1px 4px rgba(0, 0, 0, 0.1);
            padding: 2rem;
            width: 320px;
        }
        h1 {
            font-size: 1.25rem;
            margin: 0 0 1.5rem;
        }
        label {
            display: block;
            font-size: 0.875rem;
            margin-bottom: 0.25rem;
        }
        input[type=text], input[type=password] {
            width: 100%;
            box-sizing: border-box;
            padding: 0.5rem;
            margin-bottom: 1rem;
            border: 1px solid #d4d4d8;
            border-radius: 4px;
        }
        button {
            width: 100%;
            padding: 0.6rem;
            background: #2563eb;
            color: #fff;
            border: none;
            border-radius: 4px;
            cursor: pointer;
        }
        .error {
            color: #b91c1c;
            font-size: 0.875rem;
            margin-bottom: 1rem;
        }
    </style>
</head>
<body>
    <div class="card">
        <h1>Sign in</h1>
        {{if .Error}}<p class="error">{{.Error}}</p>{{end}}
        <form method="post">
            <input type="hidden" name="session_id" value="{{.SessionID}}">
            <label for="username">Username</label>
            <input type="text" id="username" name="username" autocomplete="username" required>
            <label for="password">Password</label>
            <input type="password" id="password" name="password" autocomplete="current-password" required>
            <button type="submit">Sign in</button>
        </form>
    </div>
</body>
</html>`

type loginPageData struct {
	SessionID string
	Error     string
}

// Handler exposes the authorization server over HTTP
type Handler struct {
	server    *server.Server
	logger    *slog.Logger
	tracer    trace.Tracer
	loginTmpl *template.Template
}

// NewHandler creates an HTTP handler for the given server
func NewHandler(srv *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server:    srv,
		logger:    logger,
		loginTmpl: template.Must(template.New("login").Parse(loginPageTemplate)),
	}

	if inst := srv.Instrumentation(); inst != nil {
		h.tracer = inst.Tracer("http")
	}

	return h
}

// RegisterRoutes registers all endpoints on the given mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/authorize", h.ServeAuthorization)
	mux.HandleFunc(h.server.Config.LoginPath, h.ServeLogin)
	mux.HandleFunc("/token", h.ServeToken)
	mux.HandleFunc("/.well-known/oauth-authorization-server", h.ServeAuthorizationServerMetadata)
	mux.HandleFunc("/.well-known/openid-configuration", h.ServeOpenIDConfiguration)
}

// ServeAuthorization handles GET /authorize. A valid request opens a login
// session and redirects the browser to the login page; client and redirect
// URI failures are rendered directly, never redirected.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.authorization")
		defer span.End()
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("authorization", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP, ok := h.checkIPRateLimit(ctx, w, r, "authorization")
	if !ok {
		h.recordHTTPMetrics("authorization", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	query := r.URL.Query()
	clientID := query.Get("client_id")
	redirectURI := query.Get("redirect_uri")
	responseType := query.Get("response_type")
	state := query.Get("state")

	for param, value := range map[string]string{
		"client_id":     clientID,
		"redirect_uri":  redirectURI,
		"response_type": responseType,
	} {
		if value == "" {
			h.recordHTTPMetrics("authorization", r.Method, http.StatusBadRequest, startTime)
			instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrError, ErrorCodeInvalidRequest))
			h.writeError(w, ErrInvalidRequest(fmt.Sprintf("%s is required", param)))
			return
		}
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrResponseType, responseType),
	)

	session, err := h.server.Authorize(ctx, clientID, redirectURI, responseType, state)
	if err != nil {
		oauthErr := authorizationError(err)
		h.logger.Warn("Authorization request rejected",
			"client_id", clientID,
			"ip", clientIP,
			"error", oauthErr.Code)
		h.recordHTTPMetrics("authorization", r.Method, oauthErr.Status, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, oauthErr)
		return
	}

	loginURL := h.server.Config.LoginPath + "?session_id=" + url.QueryEscape(session.ID)

	h.recordHTTPMetrics("authorization", r.Method, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, loginURL, http.StatusFound)
}

// authorizationError maps flow errors from the authorization endpoint onto
// the wire taxonomy. A redirect URI mismatch is invalid_grant with a 401: the
// request is never redirected and the client is told nothing about which
// URIs are registered.
func authorizationError(err error) *Error {
	switch {
	case errors.Is(err, storage.ErrClientNotFound):
		return ErrInvalidClient("Client authentication failed")
	case errors.Is(err, server.ErrRedirectURIMismatch):
		return NewError(ErrorCodeInvalidGrant, "redirect_uri is not registered for this client", http.StatusUnauthorized)
	case errors.Is(err, server.ErrUnsupportedResponseType):
		return ErrUnsupportedResponseType("The token response type is not supported")
	case errors.Is(err, server.ErrInvalidResponseType):
		return ErrInvalidRequest("response_type must be code or token")
	default:
		return ErrServerError("Failed to process authorization request")
	}
}

// ServeLogin renders the login form on GET and authenticates the resource
// owner on POST. A successful login issues the authorization code and
// redirects back to the client's redirect URI with code and state.
func (h *Handler) ServeLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.serveLoginPage(w, r)
	case http.MethodPost:
		h.handleLoginSubmit(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) serveLoginPage(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		h.recordHTTPMetrics("login", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidRequest("session_id is required"))
		return
	}

	h.recordHTTPMetrics("login", r.Method, http.StatusOK, startTime)
	h.renderLoginPage(w, http.StatusOK, loginPageData{SessionID: sessionID})
}

func (h *Handler) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.login")
		defer span.End()
	}

	clientIP, ok := h.checkIPRateLimit(ctx, w, r, "login")
	if !ok {
		h.recordHTTPMetrics("login", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("login", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	sessionID := r.FormValue("session_id")
	username := r.FormValue("username")
	password := r.FormValue("password")
	if sessionID == "" {
		h.recordHTTPMetrics("login", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidRequest("session_id is required"))
		return
	}

	session, err := h.server.CompleteLogin(ctx, sessionID, username, password, clientIP)
	if err != nil {
		switch {
		case errors.Is(err, server.ErrInvalidCredentials):
			// Re-render the form; the session is still open.
			h.recordHTTPMetrics("login", r.Method, http.StatusUnauthorized, startTime)
			h.renderLoginPage(w, http.StatusUnauthorized, loginPageData{
				SessionID: sessionID,
				Error:     "Invalid username or password.",
			})
		case errors.Is(err, storage.ErrSessionNotFound), errors.Is(err, server.ErrInvalidSessionState):
			h.recordHTTPMetrics("login", r.Method, http.StatusBadRequest, startTime)
			h.writeError(w, ErrInvalidRequest("The login session is invalid or has already been used"))
		default:
			h.logger.Error("Login failed", "ip", clientIP, "error", err)
			h.recordHTTPMetrics("login", r.Method, http.StatusInternalServerError, startTime)
			instrumentation.RecordError(span, err)
			h.writeError(w, ErrServerError("Failed to process login"))
		}
		return
	}

	code, session, err := h.server.IssueCode(ctx, session.ID, clientIP)
	if err != nil {
		h.logger.Error("Failed to issue authorization code", "ip", clientIP, "error", err)
		h.recordHTTPMetrics("login", r.Method, http.StatusInternalServerError, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrServerError("Failed to issue authorization code"))
		return
	}

	redirect, err := url.Parse(session.RedirectURI)
	if err != nil {
		h.recordHTTPMetrics("login", r.Method, http.StatusInternalServerError, startTime)
		h.writeError(w, ErrServerError("Invalid redirect URI"))
		return
	}
	params := redirect.Query()
	params.Set("code", code.Code)
	if session.State != "" {
		params.Set("state", session.State)
	}
	redirect.RawQuery = params.Encode()

	h.recordHTTPMetrics("login", r.Method, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)
	security.SetNoStoreHeaders(w)
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (h *Handler) renderLoginPage(w http.ResponseWriter, status int, data loginPageData) {
	security.SetLoginPageHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := h.loginTmpl.Execute(w, data); err != nil {
		h.logger.Error("Failed to render login page", "error", err)
	}
}

// tokenRequest is the body of a token endpoint request, accepted as either
// a urlencoded form or JSON.
type tokenRequest struct {
	GrantType   string `json:"grant_type"`
	Code        string `json:"code"`
	RedirectURI string `json:"redirect_uri"`
}

// ServeToken handles POST /token. Clients authenticate with HTTP Basic; the
// body is accepted as application/x-www-form-urlencoded or application/json.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("token", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP, ok := h.checkIPRateLimit(ctx, w, r, "token")
	if !ok {
		h.recordHTTPMetrics("token", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	clientID, clientSecret, hasBasic := r.BasicAuth()
	if !hasBasic {
		h.recordHTTPMetrics("token", r.Method, http.StatusUnauthorized, startTime)
		h.writeError(w, ErrInvalidClient("Client authentication required"))
		return
	}

	req, oauthErr := parseTokenRequest(r)
	if oauthErr != nil {
		h.recordHTTPMetrics("token", r.Method, oauthErr.Status, startTime)
		h.writeError(w, oauthErr)
		return
	}

	client, err := h.server.AuthenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		h.logger.Warn("Client authentication failed", "client_id", clientID, "ip", clientIP)
		h.recordHTTPMetrics("token", r.Method, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrInvalidClient("Client authentication failed"))
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ID),
		attribute.String(instrumentation.AttrGrantType, req.GrantType),
	)

	switch {
	case req.GrantType == "":
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidRequest("grant_type is required"))
	case req.GrantType != "authorization_code":
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrUnsupportedGrantType(fmt.Sprintf("Grant type %s not supported", req.GrantType)))
	case client.GrantType != req.GrantType:
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrUnsupportedGrantType("Client is not registered for this grant type"))
	default:
		h.handleAuthorizationCodeGrant(ctx, w, r, span, req, client, clientIP, startTime)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(ctx context.Context, w http.ResponseWriter, r *http.Request, span trace.Span, req *tokenRequest, client *storage.Client, clientIP string, startTime time.Time) {
	if req.Code == "" {
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidRequest("Required parameter 'code' missing"))
		return
	}

	// Wrong-length codes cannot have been issued here; reject before
	// touching storage.
	if len(req.Code) != server.CodeLength {
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrInvalidGrant("Authorization code is invalid or expired"))
		return
	}

	pair, err := h.server.ExchangeAuthorizationCode(ctx, req.Code, client, req.RedirectURI, clientIP)
	if err != nil {
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		if errors.Is(err, server.ErrInvalidGrant) {
			// Details were logged and audited in the exchange.
			h.writeError(w, ErrInvalidGrant("Authorization code is invalid or expired"))
			return
		}
		h.logger.Error("Failed to exchange authorization code",
			"client_id", client.ID,
			"ip", clientIP,
			"error", err)
		h.writeError(w, ErrServerError("Failed to exchange authorization code"))
		return
	}

	h.logger.Info("Token exchange successful", "client_id", client.ID, "ip", clientIP)
	h.recordHTTPMetrics("token", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, pair)
}

// parseTokenRequest reads the token request body. Any content type other
// than urlencoded form or JSON is rejected as a client failure.
func parseTokenRequest(r *http.Request) (*tokenRequest, *Error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, ErrInvalidClient("Invalid Content-Type.")
	}

	switch mediaType {
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, ErrInvalidRequest("Failed to parse request")
		}
		return &tokenRequest{
			GrantType:   r.FormValue("grant_type"),
			Code:        r.FormValue("code"),
			RedirectURI: r.FormValue("redirect_uri"),
		}, nil
	case "application/json":
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, ErrInvalidRequest("Failed to parse request")
		}
		return &req, nil
	default:
		return nil, ErrInvalidClient("Invalid Content-Type.")
	}
}

// writeTokenResponse writes the RFC 6749 §5.1 success body. expires_in is
// measured from the token's own issuance, not the current wall clock.
func (h *Handler) writeTokenResponse(w http.ResponseWriter, pair *server.TokenPair) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	response := TokenResponse{
		AccessToken: pair.AccessToken.Value,
		IDToken:     pair.IDToken.Value,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   pair.AccessToken.ExpiresIn(),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func (h *Handler) writeError(w http.ResponseWriter, oauthErr *Error) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oauthErr.Status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

// checkIPRateLimit enforces the per-IP limiter. It returns the client IP and
// whether the request may proceed; the limit response is already written
// when it returns false.
func (h *Handler) checkIPRateLimit(ctx context.Context, w http.ResponseWriter, r *http.Request, endpoint string) (string, bool) {
	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	if h.server.RateLimiter == nil || h.server.RateLimiter.Allow(clientIP) {
		return clientIP, true
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	if inst := h.server.Instrumentation(); inst != nil {
		inst.Metrics().RecordRateLimitExceeded(ctx, "ip")
	}
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, "")
	}

	h.writeError(w, NewError(ErrorCodeRateLimitExceeded, "Too many requests", http.StatusTooManyRequests))
	return clientIP, false
}

func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	inst := h.server.Instrumentation()
	if inst == nil {
		return
	}

	durationMs := time.Since(startTime).Seconds() * 1000
	inst.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, durationMs)
}
