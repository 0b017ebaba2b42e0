package config

import (
	"strings"
	"time"
)

type BackendConfig interface {
	GetBackendBaseURL() string
	GetBackendTimeout() time.Duration
}

type Backend struct{}

var _ BackendConfig = Backend{}

// GetBackendBaseURL returns the storyteller API root without a trailing slash.
func (Backend) GetBackendBaseURL() string {
	return strings.TrimRight(GetEnv("BACKEND_BASE_URL", "http://0.0.0.0:8000"), "/")
}

func (Backend) GetBackendTimeout() time.Duration {
	return GetDuration("BACKEND_TIMEOUT", 15*time.Second)
}
