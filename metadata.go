package oauth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// ServeAuthorizationServerMetadata serves RFC 8414 authorization server
// metadata describing this server's endpoints and capabilities.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := strings.TrimSuffix(h.server.Config.Issuer, "/")

	metadata := AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/authorize",
		TokenEndpoint:                     issuer + "/token",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic"},
		IDTokenSigningAlgValuesSupported:  []string{"HS256"},
		SubjectTypesSupported:             []string{"public"},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if err := json.NewEncoder(w).Encode(metadata); err != nil {
		h.logger.Error("Failed to encode server metadata", "error", err)
	}
}

// ServeOpenIDConfiguration serves the same metadata under the OIDC discovery
// path for clients that only know openid-configuration.
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	h.ServeAuthorizationServerMetadata(w, r)
}
