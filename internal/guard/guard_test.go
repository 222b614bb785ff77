package guard

import (
	"testing"
	"time"

	"planboard/internal/identity"
	"planboard/internal/rbac"
	"planboard/internal/store"
)

func signedIn(role rbac.Role) identity.State {
	return identity.State{
		Session: &identity.Session{Token: "tok", UserID: "user-1"},
		Profile: &store.Profile{UserID: "user-1", Role: role},
	}
}

func TestSessionGuard(t *testing.T) {
	maxWait := 4 * time.Second

	cases := []struct {
		name    string
		state   identity.State
		elapsed time.Duration
		want    Decision
	}{
		{"loading waits", identity.State{Loading: true}, 0, Wait},
		{"loading just under deadline waits", identity.State{Loading: true}, maxWait - time.Millisecond, Wait},
		{"loading at deadline redirects to login", identity.State{Loading: true}, maxWait, RedirectLogin},
		{"signed out redirects to login", identity.State{}, 0, RedirectLogin},
		{"signed in allows", signedIn(rbac.RoleViewer), 0, Allow},
		{"signed in without profile still allows", identity.State{Session: &identity.Session{Token: "tok"}}, 0, Allow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Session(tc.state, tc.elapsed, maxWait); got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRolesGuard(t *testing.T) {
	adminOnly := []rbac.Role{rbac.RoleAdmin}
	adminOrEditor := []rbac.Role{rbac.RoleAdmin, rbac.RoleEditor}

	cases := []struct {
		name  string
		state identity.State
		allow []rbac.Role
		want  Decision
	}{
		{"loading waits", identity.State{Loading: true}, adminOnly, Wait},
		{"signed out redirects to login", identity.State{}, adminOnly, RedirectLogin},
		{"no profile redirects to login", identity.State{Session: &identity.Session{Token: "tok"}}, adminOnly, RedirectLogin},
		{"viewer bounced from admin route", signedIn(rbac.RoleViewer), adminOnly, RedirectHome},
		{"editor bounced from admin route", signedIn(rbac.RoleEditor), adminOnly, RedirectHome},
		{"admin allowed", signedIn(rbac.RoleAdmin), adminOnly, Allow},
		{"editor allowed on shared route", signedIn(rbac.RoleEditor), adminOrEditor, Allow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Roles(tc.state, tc.allow); got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}
