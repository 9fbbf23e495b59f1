package oauth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/idp-oauth/internal/testutil"
	"github.com/giantswarm/idp-oauth/server"
	"github.com/giantswarm/idp-oauth/storage/memory"
)

// newE2EStore seeds a memory store with the test client and user.
func newE2EStore(t *testing.T) *memory.Store {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	ctx := context.Background()
	testutil.AssertNoError(t, store.SaveClient(ctx, testutil.GenerateTestClient()))
	testutil.AssertNoError(t, store.SaveUser(ctx, testutil.GenerateTestUser(t)))
	return store
}

// TestAuthorizationCodeFlowEndToEnd drives the whole grant through a real
// HTTP server with the standard oauth2 client doing the token exchange.
func TestAuthorizationCodeFlowEndToEnd(t *testing.T) {
	store := newE2EStore(t)
	mux := http.NewServeMux()

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := server.New(store, store, store, store, store, &server.Config{
		Issuer: ts.URL,
	}, logger)
	testutil.AssertNoError(t, err)
	NewHandler(srv, logger).RegisterRoutes(mux)

	client := testutil.GenerateTestClient()

	cfg := &oauth2.Config{
		ClientID:     client.ID,
		ClientSecret: "secret",
		RedirectURL:  client.RedirectURIs[0],
		Endpoint: oauth2.Endpoint{
			AuthURL:   ts.URL + "/authorize",
			TokenURL:  ts.URL + "/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}

	// A browser that stops at redirects so the Location headers are visible.
	browser := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := browser.Get(cfg.AuthCodeURL("e2e-state"))
	testutil.AssertNoError(t, err)
	defer resp.Body.Close()
	testutil.AssertEqual(t, resp.StatusCode, http.StatusFound)

	loginURL, err := url.Parse(resp.Header.Get("Location"))
	testutil.AssertNoError(t, err)
	sessionID := loginURL.Query().Get("session_id")
	if sessionID == "" {
		t.Fatalf("login redirect %q carries no session_id", loginURL)
	}

	form := url.Values{
		"session_id": {sessionID},
		"username":   {"test-user"},
		"password":   {"hunter2"},
	}
	resp, err = browser.Post(ts.URL+"/login", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	testutil.AssertNoError(t, err)
	defer resp.Body.Close()
	testutil.AssertEqual(t, resp.StatusCode, http.StatusFound)

	callback, err := url.Parse(resp.Header.Get("Location"))
	testutil.AssertNoError(t, err)
	if !strings.HasPrefix(callback.String(), client.RedirectURIs[0]) {
		t.Fatalf("redirected to %q, want prefix %q", callback, client.RedirectURIs[0])
	}
	testutil.AssertEqual(t, callback.Query().Get("state"), "e2e-state")
	code := callback.Query().Get("code")
	testutil.AssertEqual(t, len(code), server.CodeLength)

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, ts.Client())
	tok, err := cfg.Exchange(ctx, code)
	testutil.AssertNoError(t, err)

	if !tok.Valid() {
		t.Error("exchanged token reports itself invalid")
	}
	testutil.AssertEqual(t, tok.Type(), "Bearer")
	if remaining := time.Until(tok.Expiry); remaining < 55*time.Minute || remaining > 61*time.Minute {
		t.Errorf("token expiry %v from now, want about an hour", remaining)
	}

	idToken, ok := tok.Extra("id_token").(string)
	if !ok || idToken == "" {
		t.Fatal("token response carries no id_token")
	}

	claims, err := srv.TokenIssuer().Verify(tok.AccessToken, client.SigningSecret)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, claims["aud"].(string), client.ID)
	testutil.AssertEqual(t, claims["iss"].(string), ts.URL)

	idClaims, err := srv.TokenIssuer().Verify(idToken, client.SigningSecret)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, idClaims["email"].(string), "test@example.com")

	// The code is single-use; a second exchange must fail.
	if _, err := cfg.Exchange(ctx, code); err == nil {
		t.Error("replayed code was exchanged a second time")
	}
}
