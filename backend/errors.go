package backend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidResponse is returned when a 2xx body cannot be decoded.
var ErrInvalidResponse = errors.New("invalid backend response")

// APIError is a non-2xx backend response.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Detail)
}

// IsCredentialRejected reports whether the backend refused the bearer credential itself,
// as opposed to refusing the request.
func (e *APIError) IsCredentialRejected() bool {
	if e.StatusCode == http.StatusUnauthorized {
		return true
	}
	if e.StatusCode < 400 || e.StatusCode >= 500 {
		return false
	}
	detail := strings.ToLower(e.Detail)
	return strings.Contains(detail, "expired") ||
		strings.Contains(detail, "invalid token") ||
		strings.Contains(detail, "revoked")
}

// IsServerError reports a 5xx.
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500
}

// IsCredentialRejected unwraps err looking for an APIError that rejects the credential.
func IsCredentialRejected(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsCredentialRejected()
}

// IsNotFound reports a 404 from the backend.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func newAPIError(status int, body []byte) *APIError {
	var payload struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
	}
	detail := ""
	if err := json.Unmarshal(body, &payload); err == nil {
		var s string
		switch {
		case len(payload.Detail) > 0 && json.Unmarshal(payload.Detail, &s) == nil:
			detail = s
		case len(payload.Detail) > 0:
			// Validation failures carry a structured detail.
			detail = string(payload.Detail)
		default:
			detail = payload.Message
		}
	}
	if detail == "" {
		detail = fmt.Sprintf("HTTP error! status: %d", status)
	}
	return &APIError{StatusCode: status, Detail: detail}
}
