package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"planboard/internal/rbac"
	"planboard/internal/store"
)

type fakeProvider struct {
	currentFn func(ctx context.Context) (*Session, error)

	mu   sync.Mutex
	subs []func(*Session)
}

func (p *fakeProvider) CurrentSession(ctx context.Context) (*Session, error) {
	if p.currentFn != nil {
		return p.currentFn(ctx)
	}
	return nil, nil
}

func (p *fakeProvider) Subscribe(fn func(*Session)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, fn)
	return func() {}
}

func (p *fakeProvider) emit(sess *Session) {
	p.mu.Lock()
	subs := append([]func(*Session){}, p.subs...)
	p.mu.Unlock()
	for _, fn := range subs {
		fn(sess)
	}
}

type fakeDirectory struct {
	findFn func(ctx context.Context, userID string) (*store.Profile, error)
}

func (d *fakeDirectory) FindProfileByUserID(ctx context.Context, userID string) (*store.Profile, error) {
	if d.findFn != nil {
		return d.findFn(ctx, userID)
	}
	return nil, nil
}

func waitFor(t *testing.T, cond func(State) bool, r *Resolver) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := r.Snapshot()
		if cond(st) {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never met, last state: %+v", r.Snapshot())
	return State{}
}

func TestResolverBootsSignedOut(t *testing.T) {
	r := NewResolver(&fakeProvider{}, &fakeDirectory{}, zerolog.Nop())
	defer r.Close()
	r.Start(context.Background())

	st := waitFor(t, func(st State) bool { return !st.Loading }, r)
	if st.Session != nil || st.Profile != nil {
		t.Fatalf("expected signed-out state, got %+v", st)
	}
}

func TestResolverBootsSessionAndProfile(t *testing.T) {
	provider := &fakeProvider{
		currentFn: func(context.Context) (*Session, error) {
			return &Session{Token: "tok-1", UserID: "user-1", Email: "avery@example.com"}, nil
		},
	}
	dir := &fakeDirectory{
		findFn: func(_ context.Context, userID string) (*store.Profile, error) {
			if userID != "user-1" {
				t.Errorf("unexpected user id %q", userID)
			}
			return &store.Profile{UserID: userID, DisplayName: "Avery", Role: rbac.RoleEditor}, nil
		},
	}
	r := NewResolver(provider, dir, zerolog.Nop())
	defer r.Close()
	r.Start(context.Background())

	st := waitFor(t, func(st State) bool { return st.Profile != nil }, r)
	if st.Loading {
		t.Fatal("still loading after profile resolved")
	}
	if st.Session == nil || st.Session.UserID != "user-1" {
		t.Fatalf("session not installed: %+v", st.Session)
	}
	if st.Profile.Role != rbac.RoleEditor {
		t.Fatalf("wrong role: %s", st.Profile.Role)
	}
}

func TestResolverBootFailureResolvesSignedOut(t *testing.T) {
	provider := &fakeProvider{
		currentFn: func(context.Context) (*Session, error) {
			return nil, errors.New("redis down")
		},
	}
	r := NewResolver(provider, &fakeDirectory{}, zerolog.Nop())
	defer r.Close()
	r.Start(context.Background())

	st := waitFor(t, func(st State) bool { return !st.Loading }, r)
	if st.Session != nil {
		t.Fatalf("expected no session on boot failure, got %+v", st.Session)
	}
}

func TestResolverSignInEventSupersedesBoot(t *testing.T) {
	release := make(chan struct{})
	provider := &fakeProvider{
		currentFn: func(context.Context) (*Session, error) {
			<-release
			return &Session{Token: "stale", UserID: "old-user"}, nil
		},
	}
	r := NewResolver(provider, &fakeDirectory{}, zerolog.Nop())
	defer r.Close()
	r.Start(context.Background())

	// A sign-in lands while boot is still in flight.
	provider.emit(&Session{Token: "fresh", UserID: "new-user"})
	close(release)

	// The boot result must stay discarded even after it lands.
	time.Sleep(50 * time.Millisecond)
	st := r.Snapshot()
	if st.Session == nil || st.Session.Token != "fresh" {
		t.Fatalf("stale boot overwrote newer sign-in: %+v", st.Session)
	}
}

func TestResolverSignOutClearsProfile(t *testing.T) {
	dir := &fakeDirectory{
		findFn: func(_ context.Context, userID string) (*store.Profile, error) {
			return &store.Profile{UserID: userID, Role: rbac.RoleAdmin}, nil
		},
	}
	provider := &fakeProvider{}
	r := NewResolver(provider, dir, zerolog.Nop())
	defer r.Close()
	r.Start(context.Background())
	waitFor(t, func(st State) bool { return !st.Loading }, r)

	provider.emit(&Session{Token: "tok-1", UserID: "user-1"})
	waitFor(t, func(st State) bool { return st.Profile != nil }, r)

	provider.emit(nil)
	st := r.Snapshot()
	if st.Session != nil || st.Profile != nil {
		t.Fatalf("sign-out left state behind: %+v", st)
	}
}

func TestResolverProfileErrorLeavesProfileNil(t *testing.T) {
	dir := &fakeDirectory{
		findFn: func(context.Context, string) (*store.Profile, error) {
			return nil, errors.New("db down")
		},
	}
	provider := &fakeProvider{
		currentFn: func(context.Context) (*Session, error) {
			return &Session{Token: "tok-1", UserID: "user-1"}, nil
		},
	}
	r := NewResolver(provider, dir, zerolog.Nop())
	defer r.Close()
	r.Start(context.Background())

	waitFor(t, func(st State) bool { return !st.Loading && st.Session != nil }, r)
	time.Sleep(50 * time.Millisecond)
	if st := r.Snapshot(); st.Profile != nil {
		t.Fatalf("expected nil profile on lookup failure, got %+v", st.Profile)
	}
}

func TestResolverCloseDiscardsInFlightProfile(t *testing.T) {
	release := make(chan struct{})
	dir := &fakeDirectory{
		findFn: func(_ context.Context, userID string) (*store.Profile, error) {
			<-release
			return &store.Profile{UserID: userID, Role: rbac.RoleAdmin}, nil
		},
	}
	provider := &fakeProvider{
		currentFn: func(context.Context) (*Session, error) {
			return &Session{Token: "tok-1", UserID: "user-1"}, nil
		},
	}
	r := NewResolver(provider, dir, zerolog.Nop())
	r.Start(context.Background())
	waitFor(t, func(st State) bool { return st.Session != nil }, r)

	r.Close()
	close(release)

	time.Sleep(50 * time.Millisecond)
	if st := r.Snapshot(); st.Profile != nil {
		t.Fatalf("closed resolver accepted a profile: %+v", st.Profile)
	}
}
