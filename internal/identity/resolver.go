// Package identity tracks the signed-in operator for the whole process.
//
// A single Resolver owns the (session, profile, loading) triple. It boots
// from the identity provider's persisted session, then follows sign-in and
// sign-out events via the provider's subscription. Every route guard reads
// the same snapshot, so the process never disagrees with itself about who
// is signed in.
package identity

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"planboard/internal/store"
)

// Session is the authenticated-session view the resolver tracks. It carries
// only what guards and handlers need; credentials stay in the provider.
type Session struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// State is an immutable snapshot of the resolver. Loading is true from
// construction until the boot lookup settles, and again is never re-entered:
// session changes after boot resolve synchronously.
type State struct {
	Session *Session
	Profile *store.Profile
	Loading bool
}

// Provider hands out the current persisted session and a subscription for
// subsequent sign-in and sign-out events.
type Provider interface {
	CurrentSession(ctx context.Context) (*Session, error)
	Subscribe(fn func(*Session)) (unsubscribe func())
}

// ProfileDirectory looks up the profile row for a user. A missing profile is
// reported as (nil, nil), not an error.
type ProfileDirectory interface {
	FindProfileByUserID(ctx context.Context, userID string) (*store.Profile, error)
}

// Resolver owns the process-wide identity state.
type Resolver struct {
	provider Provider
	profiles ProfileDirectory
	log      zerolog.Logger

	mu      sync.Mutex
	state   State
	gen     uint64
	closed  bool
	unsub   func()
	started bool
}

// NewResolver returns a resolver in the loading state. Call Start to boot it.
func NewResolver(provider Provider, profiles ProfileDirectory, log zerolog.Logger) *Resolver {
	return &Resolver{
		provider: provider,
		profiles: profiles,
		log:      log,
		state:    State{Loading: true},
	}
}

// Start subscribes to the provider and kicks off the boot lookup. The boot
// result is discarded if a subscription event lands first; the subscription
// always wins because it is newer.
func (r *Resolver) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started || r.closed {
		r.mu.Unlock()
		return
	}
	r.started = true
	bootGen := r.gen
	r.mu.Unlock()

	unsub := r.provider.Subscribe(func(sess *Session) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			return
		}
		r.applySessionLocked(ctx, sess)
	})
	r.mu.Lock()
	r.unsub = unsub
	r.mu.Unlock()

	go r.boot(ctx, bootGen)
}

func (r *Resolver) boot(ctx context.Context, bootGen uint64) {
	sess, err := r.provider.CurrentSession(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.gen != bootGen {
		// A sign-in or sign-out already happened; this boot result is stale.
		return
	}
	if err != nil {
		r.log.Warn().Err(err).Msg("session boot failed, resolving signed out")
		sess = nil
	}
	r.applySessionLocked(ctx, sess)
}

// applySessionLocked installs a new session, clears the stale profile, ends
// loading, and spawns the profile fetch for the new generation. Callers hold
// r.mu.
func (r *Resolver) applySessionLocked(ctx context.Context, sess *Session) {
	r.gen++
	myGen := r.gen
	r.state = State{Session: sess, Profile: nil, Loading: false}
	if sess == nil {
		return
	}
	go r.fetchProfile(ctx, myGen, sess.UserID)
}

func (r *Resolver) fetchProfile(ctx context.Context, myGen uint64, userID string) {
	profile, err := r.profiles.FindProfileByUserID(ctx, userID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.gen != myGen {
		return
	}
	if err != nil {
		// Fail closed: a session without a resolvable profile has no role,
		// so role guards will bounce it.
		r.log.Warn().Err(err).Str("user_id", userID).Msg("profile lookup failed")
		return
	}
	r.state.Profile = profile
}

// Snapshot returns the current identity state. The returned pointers are
// shared and must be treated as read-only.
func (r *Resolver) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Close detaches the resolver from the provider and freezes its state. Any
// in-flight boot or profile lookup is discarded when it lands.
func (r *Resolver) Close() {
	r.mu.Lock()
	r.closed = true
	r.gen++
	unsub := r.unsub
	r.unsub = nil
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}
