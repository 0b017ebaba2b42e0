package config

import "time"

type SessionConfig interface {
	GetOperationTimeout() time.Duration
	GetDefaultCredentialTTL() time.Duration
}

type Session struct{}

var _ SessionConfig = Session{}

// GetOperationTimeout bounds each identity provider call made by the credential lifecycle.
func (Session) GetOperationTimeout() time.Duration {
	return GetDuration("AUTH_TIMEOUT", 15*time.Second)
}

// GetDefaultCredentialTTL is only used when the identity provider does not declare an expiry.
func (Session) GetDefaultCredentialTTL() time.Duration {
	return GetDuration("CREDENTIAL_TTL", 30*24*time.Hour)
}
