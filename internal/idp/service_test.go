package idp

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"planboard/internal/identity"
	"planboard/internal/rbac"
	"planboard/internal/session"
	"planboard/internal/store"
)

type fakeUsers struct {
	byEmail map[string]store.User
	byID    map[string]store.User
	created []store.Profile
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byEmail: map[string]store.User{}, byID: map[string]store.User{}}
}

func (f *fakeUsers) add(t *testing.T, email, password string) store.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	user := store.User{ID: "user-" + email, Email: email, PasswordHash: string(hash)}
	f.byEmail[email] = user
	f.byID[user.ID] = user
	return user
}

func (f *fakeUsers) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	if u, ok := f.byEmail[email]; ok {
		return u, nil
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeUsers) GetUserByID(_ context.Context, id string) (store.User, error) {
	if u, ok := f.byID[id]; ok {
		return u, nil
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeUsers) CreateUser(_ context.Context, user store.User, profile store.Profile) error {
	f.byEmail[user.Email] = user
	f.byID[user.ID] = user
	f.created = append(f.created, profile)
	return nil
}

func (f *fakeUsers) CountUsers(context.Context) (int, error) {
	return len(f.byID), nil
}

func newTestService(users *fakeUsers) (*Service, session.Store) {
	sessions := session.NewMemoryStore()
	svc := NewService(users, sessions, []byte("test-secret"), time.Hour, zerolog.Nop())
	return svc, sessions
}

func TestSignInAndCurrentSession(t *testing.T) {
	users := newFakeUsers()
	user := users.add(t, "avery@example.com", "hunter2hunter2")
	svc, _ := newTestService(users)
	ctx := context.Background()

	sess, err := svc.SignIn(ctx, "  Avery@Example.com ", "hunter2hunter2")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if sess.UserID != user.ID || sess.Email != user.Email {
		t.Fatalf("unexpected session: %+v", sess)
	}

	recovered, err := svc.CurrentSession(ctx)
	if err != nil {
		t.Fatalf("current session: %v", err)
	}
	if recovered == nil || recovered.Token != sess.Token {
		t.Fatalf("session not recovered: %+v", recovered)
	}
}

func TestSignInRejectsBadCredentials(t *testing.T) {
	users := newFakeUsers()
	users.add(t, "avery@example.com", "hunter2hunter2")
	svc, _ := newTestService(users)
	ctx := context.Background()

	if _, err := svc.SignIn(ctx, "avery@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: got %v", err)
	}
	if _, err := svc.SignIn(ctx, "nobody@example.com", "hunter2hunter2"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email: got %v", err)
	}
}

func TestSignUpCreatesViewer(t *testing.T) {
	users := newFakeUsers()
	svc, _ := newTestService(users)
	ctx := context.Background()

	sess, err := svc.SignUp(ctx, "new@example.com", "longenough", "New Operator")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if sess.Email != "new@example.com" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if len(users.created) != 1 || users.created[0].Role != rbac.RoleViewer {
		t.Fatalf("profile not created as viewer: %+v", users.created)
	}

	if _, err := svc.SignUp(ctx, "new@example.com", "longenough", ""); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("duplicate email: got %v", err)
	}
	if _, err := svc.SignUp(ctx, "short@example.com", "tiny", ""); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("weak password: got %v", err)
	}
}

func TestSignOutClearsAndNotifies(t *testing.T) {
	users := newFakeUsers()
	users.add(t, "avery@example.com", "hunter2hunter2")
	svc, _ := newTestService(users)
	ctx := context.Background()

	var events []*identity.Session
	unsub := svc.Subscribe(func(sess *identity.Session) { events = append(events, sess) })
	defer unsub()

	if _, err := svc.SignIn(ctx, "avery@example.com", "hunter2hunter2"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if err := svc.SignOut(ctx); err != nil {
		t.Fatalf("sign out: %v", err)
	}

	if len(events) != 2 || events[0] == nil || events[1] != nil {
		t.Fatalf("expected sign-in then sign-out event, got %+v", events)
	}
	if sess, err := svc.CurrentSession(ctx); err != nil || sess != nil {
		t.Fatalf("session survived sign-out: %+v, %v", sess, err)
	}
}

func TestCurrentSessionDiscardsTamperedToken(t *testing.T) {
	users := newFakeUsers()
	svc, sessions := newTestService(users)
	ctx := context.Background()

	record := session.Record{Token: "not.signed-here", UserID: "user-1", CreatedAt: time.Now()}
	if err := sessions.Save(ctx, record, time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}

	sess, err := svc.CurrentSession(ctx)
	if err != nil {
		t.Fatalf("current session: %v", err)
	}
	if sess != nil {
		t.Fatalf("tampered token accepted: %+v", sess)
	}
	if _, err := sessions.Current(ctx); !errors.Is(err, session.ErrNoSession) {
		t.Fatal("tampered session not cleared from the store")
	}
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	users := newFakeUsers()
	users.add(t, "avery@example.com", "hunter2hunter2")
	svc, _ := newTestService(users)
	ctx := context.Background()

	count := 0
	unsub := svc.Subscribe(func(*identity.Session) { count++ })
	unsub()

	if _, err := svc.SignIn(ctx, "avery@example.com", "hunter2hunter2"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if count != 0 {
		t.Fatalf("unsubscribed listener still notified %d times", count)
	}
}

func TestBootstrapSeedsAdminOnce(t *testing.T) {
	users := newFakeUsers()
	svc, _ := newTestService(users)
	ctx := context.Background()

	if err := svc.Bootstrap(ctx, "root@example.com", "bootstrap-pw"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if len(users.created) != 1 || users.created[0].Role != rbac.RoleAdmin {
		t.Fatalf("admin not seeded: %+v", users.created)
	}

	// Second call sees a non-empty user table and does nothing.
	if err := svc.Bootstrap(ctx, "root@example.com", "bootstrap-pw"); err != nil {
		t.Fatalf("bootstrap again: %v", err)
	}
	if len(users.created) != 1 {
		t.Fatalf("bootstrap seeded twice: %+v", users.created)
	}

	if err := svc.Bootstrap(ctx, "", ""); err != nil {
		t.Fatalf("bootstrap without credentials: %v", err)
	}
}
