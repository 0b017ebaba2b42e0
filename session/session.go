// Package session holds the process-wide authentication record that navigation is computed from.
package session

import (
	"github.com/jrsteele09/go-storyteller-client/credential"
)

// Identity is the identity provider's view of the signed in user.
type Identity struct {
	SubjectID     string  // Provider subject (uid)
	Email         *string // Nil when the account has no email
	EmailVerified bool
}

// Session is an immutable snapshot of the authentication state.
// Readers only ever receive copies; the Store is the sole writer.
type Session struct {
	Identity        *Identity             // Present iff a provider session exists
	Credential      credential.Credential // Zero unless a non-expired credential has been obtained
	SessionComplete bool                  // Backend-verified onboarding status; ignore when Identity is nil
	Initialized     bool                  // Set after the first resolution finishes, never cleared
	Loading         bool                  // A resolution is in flight
	LastError       string                // Description of the last failed operation
}

// IsAuthenticated reports whether a provider session is present.
func (s Session) IsAuthenticated() bool {
	return s.Identity != nil
}

// State is the state-machine position the snapshot corresponds to.
type State string

const (
	StateUninitialized                State = "uninitialized"
	StateLoading                      State = "loading"
	StateReadyAuthenticatedIncomplete State = "ready-authenticated-incomplete"
	StateReadyAuthenticatedComplete   State = "ready-authenticated-complete"
	StateReadyUnauthenticated         State = "ready-unauthenticated"
	// StateError is only ever passed through; a failure always settles into a ready state.
	StateError State = "error"
)

func (s Session) State() State {
	switch {
	case s.Loading:
		return StateLoading
	case !s.Initialized:
		return StateUninitialized
	case s.Identity == nil:
		return StateReadyUnauthenticated
	case s.SessionComplete:
		return StateReadyAuthenticatedComplete
	default:
		return StateReadyAuthenticatedIncomplete
	}
}

func (s Session) clone() Session {
	if s.Identity != nil {
		id := *s.Identity
		if id.Email != nil {
			email := *id.Email
			id.Email = &email
		}
		s.Identity = &id
	}
	return s
}
