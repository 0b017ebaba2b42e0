package auth

import (
	"context"

	"github.com/jrsteele09/go-storyteller-client/identity"
	interrors "github.com/jrsteele09/go-storyteller-client/internal/errors"
	"github.com/pkg/errors"
)

type Kind string

const (
	KindInvalidCredentials Kind = "invalid-credentials"
	KindAccountNotFound    Kind = "account-not-found"
	KindAlreadyExists      Kind = "already-exists"
	KindWeakSecret         Kind = "weak-secret"
	KindInvalidIdentifier  Kind = "invalid-identifier"
	KindRateLimited        Kind = "rate-limited"
	KindNetworkUnavailable Kind = "network-unavailable"
	KindUnknown            Kind = "unknown"
)

// Sentinels for errors.Is, matched by Kind.
var (
	ErrInvalidCredentials = &AuthError{Kind: KindInvalidCredentials}
	ErrAccountNotFound    = &AuthError{Kind: KindAccountNotFound}
	ErrAlreadyExists      = &AuthError{Kind: KindAlreadyExists}
	ErrWeakSecret         = &AuthError{Kind: KindWeakSecret}
	ErrInvalidIdentifier  = &AuthError{Kind: KindInvalidIdentifier}
	ErrRateLimited        = &AuthError{Kind: KindRateLimited}
	ErrNetworkUnavailable = &AuthError{Kind: KindNetworkUnavailable}
	ErrUnknown            = &AuthError{Kind: KindUnknown}
)

var kindMessages = map[Kind]string{
	KindInvalidCredentials: "Incorrect email or password.",
	KindAccountNotFound:    "No account found with this email address.",
	KindAlreadyExists:      "An account with this email address already exists.",
	KindWeakSecret:         "Password is too weak.",
	KindInvalidIdentifier:  "Please enter a valid email address.",
	KindRateLimited:        "Too many attempts. Please try again later.",
	KindNetworkUnavailable: "Unable to reach the server. Check your connection.",
	KindUnknown:            "Something went wrong. Please try again.",
}

// AuthError is the user facing failure of a credential lifecycle operation.
type AuthError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if msg, ok := kindMessages[e.Kind]; ok {
		return msg
	}
	return string(e.Kind)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Kind == e.Kind
}

func newAuthError(kind Kind, err error) *AuthError {
	return &AuthError{Kind: kind, Message: kindMessages[kind], Err: err}
}

// toAuthError classifies an identity provider failure.
func toAuthError(err error) *AuthError {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		return newAuthError(KindInvalidCredentials, err)
	case errors.Is(err, identity.ErrAccountNotFound):
		return newAuthError(KindAccountNotFound, err)
	case errors.Is(err, identity.ErrAccountExists):
		return newAuthError(KindAlreadyExists, err)
	case errors.Is(err, identity.ErrWeakPassword):
		// The provider explains which rule failed.
		return &AuthError{Kind: KindWeakSecret, Message: err.Error(), Err: err}
	case errors.Is(err, identity.ErrInvalidEmail):
		return newAuthError(KindInvalidIdentifier, err)
	case errors.Is(err, identity.ErrRateLimited):
		return newAuthError(KindRateLimited, err)
	case interrors.IsNetwork(err), errors.Is(err, context.Canceled):
		return newAuthError(KindNetworkUnavailable, err)
	default:
		return newAuthError(KindUnknown, err)
	}
}
