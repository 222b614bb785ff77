// Package guard holds the route-admission rules. Guards are pure functions
// over an identity snapshot; the HTTP layer maps their decisions onto
// redirects, waits, and error responses.
package guard

import (
	"time"

	"planboard/internal/identity"
	"planboard/internal/rbac"
)

// Decision is the outcome of evaluating a guard.
type Decision int

const (
	// Allow admits the request.
	Allow Decision = iota
	// Wait means identity is still resolving; hold the request and retry.
	Wait
	// RedirectLogin sends the caller to the sign-in page.
	RedirectLogin
	// RedirectHome bounces an authenticated caller who lacks the role.
	RedirectHome
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Wait:
		return "wait"
	case RedirectLogin:
		return "redirect_login"
	case RedirectHome:
		return "redirect_home"
	default:
		return "unknown"
	}
}

// Session admits any signed-in caller. While identity is still loading it
// answers Wait, up to maxWait measured from when the caller first saw the
// loading state; past that it fails closed to the login redirect.
func Session(st identity.State, elapsed, maxWait time.Duration) Decision {
	if st.Loading {
		if elapsed >= maxWait {
			return RedirectLogin
		}
		return Wait
	}
	if st.Session == nil {
		return RedirectLogin
	}
	return Allow
}

// Roles admits callers whose resolved profile carries one of the allowed
// roles. A session without a resolved profile has no role yet, so it is
// treated as unauthenticated rather than under-privileged.
func Roles(st identity.State, allow []rbac.Role) Decision {
	if st.Loading {
		return Wait
	}
	if st.Session == nil || st.Profile == nil {
		return RedirectLogin
	}
	if !st.Profile.Role.In(allow) {
		return RedirectHome
	}
	return Allow
}
