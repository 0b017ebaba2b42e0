// Package identity describes the external identity provider the client signs users in with.
package identity

import (
	"context"
	"errors"

	"github.com/jrsteele09/go-storyteller-client/credential"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountExists      = errors.New("account already exists")
	ErrWeakPassword       = errors.New("password too weak")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrRateLimited        = errors.New("too many attempts")
	ErrNoSession          = errors.New("no provider session")
)

// User is the provider's account record for the signed in user.
type User struct {
	SubjectID     string
	Email         *string
	EmailVerified bool
}

// SessionListener is told about the provider's current user; nil means signed out.
type SessionListener func(*User)

// Provider is the observable contract of the identity provider.
type Provider interface {
	// Ready blocks until the provider can serve the other calls, restoring any persisted session
	Ready(ctx context.Context) error

	// SignInWithPassword starts a session for an existing account
	SignInWithPassword(ctx context.Context, email, password string) (*User, error)

	// CreateAccountWithPassword creates an account and starts a session for it
	CreateAccountWithPassword(ctx context.Context, email, password string) (*User, error)

	// SignOut ends the provider session
	SignOut(ctx context.Context) error

	// SubscribeToSessionChanges calls fn once, synchronously, with the current user and
	// then again after every change. The returned function removes the subscription.
	SubscribeToSessionChanges(fn SessionListener) (unsubscribe func())

	// CurrentCredential returns a bearer credential for the current user, minting a new one
	// when forceRefresh is set or the held one has expired
	CurrentCredential(ctx context.Context, forceRefresh bool) (credential.Credential, error)
}
