package oauth

// TokenResponse is the success body of the token endpoint (RFC 6749 §5.1).
type TokenResponse struct {
	// AccessToken is the signed access token
	AccessToken string `json:"access_token"`

	// IDToken carries the user's identity claims
	IDToken string `json:"id_token,omitempty"`

	// TokenType is always "bearer"
	TokenType string `json:"token_type"`

	// ExpiresIn is the token lifetime in seconds
	ExpiresIn int64 `json:"expires_in"`
}

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server
// Metadata (RFC 8414)
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// ResponseTypesSupported lists the OAuth response types supported
	ResponseTypesSupported []string `json:"response_types_supported"`

	// GrantTypesSupported lists the OAuth grant types supported
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// TokenEndpointAuthMethodsSupported lists the client authentication
	// methods supported at the token endpoint
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	// IDTokenSigningAlgValuesSupported lists the JWS algorithms used for
	// ID tokens
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported,omitempty"`

	// SubjectTypesSupported lists supported subject identifier types
	SubjectTypesSupported []string `json:"subject_types_supported,omitempty"`
}
