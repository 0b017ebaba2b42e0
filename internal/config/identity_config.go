package config

import "strings"

type IdentityConfig interface {
	GetIssuerURL() string
	GetClientID() string
	GetClientSecret() string
	GetSignUpURL() string
	GetRevocationURL() string
	GetScopes() []string
	GetSignInsPerMinute() int
}

type Identity struct{}

var _ IdentityConfig = Identity{}

func (Identity) GetIssuerURL() string {
	return GetEnv("IDP_ISSUER_URL", "http://localhost:8080")
}

func (Identity) GetClientID() string {
	return GetEnv("IDP_CLIENT_ID", "storyteller-mobile")
}

func (Identity) GetClientSecret() string {
	return GetEnv("IDP_CLIENT_SECRET", "")
}

// GetSignUpURL is the account creation endpoint. Empty means sign-up is unsupported.
func (Identity) GetSignUpURL() string {
	return GetEnv("IDP_SIGNUP_URL", "")
}

func (Identity) GetRevocationURL() string {
	return GetEnv("IDP_REVOCATION_URL", "")
}

func (Identity) GetScopes() []string {
	return strings.Fields(GetEnv("IDP_SCOPES", "openid email profile offline_access"))
}

func (Identity) GetSignInsPerMinute() int {
	return GetInt("IDP_SIGNIN_PER_MINUTE", 10)
}
