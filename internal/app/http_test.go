package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"planboard/internal/identity"
	"planboard/internal/idp"
	"planboard/internal/rbac"
	"planboard/internal/session"
	"planboard/internal/store"
)

type fakeUsers struct {
	user    store.User
	profile store.Profile
}

func (f *fakeUsers) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	if email == f.user.Email {
		return f.user, nil
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeUsers) GetUserByID(_ context.Context, id string) (store.User, error) {
	if id == f.user.ID {
		return f.user, nil
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeUsers) CreateUser(context.Context, store.User, store.Profile) error { return nil }
func (f *fakeUsers) CountUsers(context.Context) (int, error)                     { return 1, nil }

func (f *fakeUsers) FindProfileByUserID(_ context.Context, userID string) (*store.Profile, error) {
	if userID == f.profile.UserID {
		p := f.profile
		return &p, nil
	}
	return nil, nil
}

type testEnv struct {
	server   *httptest.Server
	resolver *identity.Resolver
}

func newTestEnv(t *testing.T, role rbac.Role, startResolver bool) *testEnv {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	users := &fakeUsers{
		user:    store.User{ID: "user-1", Email: "op@example.com", PasswordHash: string(hash)},
		profile: store.Profile{UserID: "user-1", DisplayName: "Operator", Role: role},
	}
	provider := idp.NewService(users, session.NewMemoryStore(), []byte("test-secret"), time.Hour, zerolog.Nop())
	resolver := identity.NewResolver(provider, users, zerolog.Nop())
	if startResolver {
		resolver.Start(context.Background())
		t.Cleanup(resolver.Close)
	}

	svc := newTestService(&fakeStore{})
	httpServer := NewHTTPServer(svc, provider, resolver, nil, zerolog.Nop(), "*", 4*time.Second)
	ts := httptest.NewServer(httpServer.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, resolver: resolver}
}

func (e *testEnv) waitUntil(t *testing.T, cond func(identity.State) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond(e.resolver.Snapshot()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("resolver never settled: %+v", e.resolver.Snapshot())
}

func (e *testEnv) signIn(t *testing.T) {
	t.Helper()
	resp, err := http.Post(e.server.URL+"/api/auth/signin", "application/json",
		strings.NewReader(`{"email":"op@example.com","password":"hunter2hunter2"}`))
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sign in status: %d", resp.StatusCode)
	}
	e.waitUntil(t, func(st identity.State) bool { return st.Profile != nil })
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestPagesRedirectToLoginWhenSignedOut(t *testing.T) {
	env := newTestEnv(t, rbac.RoleAdmin, true)
	env.waitUntil(t, func(st identity.State) bool { return !st.Loading })

	for _, path := range []string{"/", "/backlog", "/item/abc", "/categories", "/admin"} {
		resp := get(t, env.server.URL+path)
		if resp.StatusCode != http.StatusSeeOther {
			t.Fatalf("%s: got %d, want 303", path, resp.StatusCode)
		}
		if loc := resp.Header.Get("Location"); loc != "/login" {
			t.Fatalf("%s: redirected to %s", path, loc)
		}
	}
}

func TestAPIRejectsWhenSignedOut(t *testing.T) {
	env := newTestEnv(t, rbac.RoleAdmin, true)
	env.waitUntil(t, func(st identity.State) bool { return !st.Loading })

	resp := get(t, env.server.URL+"/api/items")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("got %d, want 401", resp.StatusCode)
	}
}

func TestGuardsHoldWhileIdentityLoads(t *testing.T) {
	// The resolver is never started, so it stays in its loading state.
	env := newTestEnv(t, rbac.RoleAdmin, false)

	resp := get(t, env.server.URL+"/backlog")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("page during loading: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("loading page content type: %s", ct)
	}

	apiResp := get(t, env.server.URL+"/api/items")
	if apiResp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("api during loading: got %d, want 503", apiResp.StatusCode)
	}
	if apiResp.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
}

func TestSignedInOperatorReachesPages(t *testing.T) {
	env := newTestEnv(t, rbac.RoleAdmin, true)
	env.waitUntil(t, func(st identity.State) bool { return !st.Loading })
	env.signIn(t)

	for _, path := range []string{"/", "/backlog", "/categories", "/admin"} {
		resp := get(t, env.server.URL+path)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: got %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestViewerBouncedFromRestrictedRoutes(t *testing.T) {
	env := newTestEnv(t, rbac.RoleViewer, true)
	env.waitUntil(t, func(st identity.State) bool { return !st.Loading })
	env.signIn(t)

	for _, path := range []string{"/categories", "/admin"} {
		resp := get(t, env.server.URL+path)
		if resp.StatusCode != http.StatusSeeOther {
			t.Fatalf("%s: got %d, want 303", path, resp.StatusCode)
		}
		if loc := resp.Header.Get("Location"); loc != "/" {
			t.Fatalf("%s: redirected to %s, want /", path, loc)
		}
	}

	resp, err := http.Post(env.server.URL+"/api/admin/cleanup", "application/json",
		strings.NewReader(`{"keepDays":90}`))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cleanup as viewer: got %d, want 403", resp.StatusCode)
	}
}

func TestEditorReachesCategoriesButNotAdmin(t *testing.T) {
	env := newTestEnv(t, rbac.RoleEditor, true)
	env.waitUntil(t, func(st identity.State) bool { return !st.Loading })
	env.signIn(t)

	if resp := get(t, env.server.URL+"/categories"); resp.StatusCode != http.StatusOK {
		t.Fatalf("/categories as editor: got %d, want 200", resp.StatusCode)
	}
	resp := get(t, env.server.URL+"/admin")
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/" {
		t.Fatalf("/admin as editor: got %d -> %s", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestSignOutTearsDownAccess(t *testing.T) {
	env := newTestEnv(t, rbac.RoleAdmin, true)
	env.waitUntil(t, func(st identity.State) bool { return !st.Loading })
	env.signIn(t)

	resp, err := http.Post(env.server.URL+"/api/auth/signout", "application/json", nil)
	if err != nil {
		t.Fatalf("sign out: %v", err)
	}
	resp.Body.Close()
	env.waitUntil(t, func(st identity.State) bool { return st.Session == nil })

	if resp := get(t, env.server.URL+"/"); resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("home after sign-out: got %d, want 303", resp.StatusCode)
	}
	if resp := get(t, env.server.URL+"/api/items"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("api after sign-out: got %d, want 401", resp.StatusCode)
	}
}

func TestSessionEndpointReportsState(t *testing.T) {
	env := newTestEnv(t, rbac.RoleEditor, true)
	env.waitUntil(t, func(st identity.State) bool { return !st.Loading })

	var before map[string]any
	resp := get(t, env.server.URL+"/api/session")
	if err := json.NewDecoder(resp.Body).Decode(&before); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if before["authenticated"] != false {
		t.Fatalf("expected unauthenticated, got %+v", before)
	}

	env.signIn(t)

	var after map[string]any
	resp = get(t, env.server.URL+"/api/session")
	if err := json.NewDecoder(resp.Body).Decode(&after); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if after["authenticated"] != true || after["role"] != "editor" {
		t.Fatalf("session payload: %+v", after)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, rbac.RoleAdmin, true)

	if resp := get(t, env.server.URL+"/api/health"); resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", resp.StatusCode)
	}
	if resp := get(t, env.server.URL+"/api/ready"); resp.StatusCode != http.StatusOK {
		t.Fatalf("ready: %d", resp.StatusCode)
	}
}
