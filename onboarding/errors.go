package onboarding

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindNetworkUnavailable Kind = "network-unavailable"
	KindInvalidResponse    Kind = "invalid-response"
	KindCredentialRejected Kind = "credential-rejected"
	KindServerError        Kind = "server-error"
)

// Sentinels for errors.Is, matched by Kind.
var (
	ErrNetworkUnavailable = &ResolveError{Kind: KindNetworkUnavailable}
	ErrInvalidResponse    = &ResolveError{Kind: KindInvalidResponse}
	ErrCredentialRejected = &ResolveError{Kind: KindCredentialRejected}
	ErrServerError        = &ResolveError{Kind: KindServerError}
)

// ErrSessionLost means the credential was rejected and could not be replaced. The caller
// must reset the session to unauthenticated.
var ErrSessionLost = errors.New("session lost")

// ResolveError is a failed onboarding status query.
type ResolveError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *ResolveError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

func (e *ResolveError) Is(target error) bool {
	t, ok := target.(*ResolveError)
	return ok && t.Kind == e.Kind
}

func newResolveError(kind Kind, message string, err error) *ResolveError {
	return &ResolveError{Kind: kind, Message: message, Err: err}
}
