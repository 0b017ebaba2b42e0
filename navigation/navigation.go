// Package navigation maps a session snapshot to the screen the app shell should show.
package navigation

import "github.com/jrsteele09/go-storyteller-client/session"

type Route string

const (
	RouteSplash     Route = "splash"
	RouteSignIn     Route = "sign-in"
	RouteOnboarding Route = "onboarding"
	RouteMain       Route = "main"
)

func (r Route) String() string {
	return string(r)
}

// Decide is a pure function of the snapshot.
func Decide(s session.Session) Route {
	switch {
	case !s.Initialized:
		return RouteSplash
	case s.Identity == nil:
		return RouteSignIn
	case !s.SessionComplete:
		return RouteOnboarding
	default:
		return RouteMain
	}
}
