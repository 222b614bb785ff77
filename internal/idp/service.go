// Package idp is the identity provider: it authenticates the operator
// against the users table, persists the resulting session, and notifies
// subscribers of sign-in and sign-out events.
package idp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"planboard/internal/auth"
	"planboard/internal/identity"
	"planboard/internal/rbac"
	"planboard/internal/session"
	"planboard/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailTaken         = errors.New("email already registered")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
)

// UserStore is the slice of the repository the provider needs.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	CreateUser(ctx context.Context, user store.User, profile store.Profile) error
	CountUsers(ctx context.Context) (int, error)
}

// Service implements identity.Provider over the user table and a session
// store.
type Service struct {
	users    UserStore
	sessions session.Store
	secret   []byte
	ttl      time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	subs    map[int]func(*identity.Session)
	nextSub int
}

func NewService(users UserStore, sessions session.Store, secret []byte, ttl time.Duration, log zerolog.Logger) *Service {
	return &Service{
		users:    users,
		sessions: sessions,
		secret:   secret,
		ttl:      ttl,
		log:      log,
		subs:     make(map[int]func(*identity.Session)),
	}
}

// SignIn authenticates by email and password. Unknown emails and wrong
// passwords are indistinguishable to the caller.
func (s *Service) SignIn(ctx context.Context, email, password string) (*identity.Session, error) {
	email = normalizeEmail(email)
	user, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("look up user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return s.establish(ctx, user)
}

// SignUp registers a new account with the viewer role and signs it in. An
// admin later raises the role through the profile table.
func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (*identity.Session, error) {
	email = normalizeEmail(email)
	if len(password) < 8 {
		return nil, ErrWeakPassword
	}
	if _, err := s.users.GetUserByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("look up user: %w", err)
	}

	user, err := s.createUser(ctx, email, password, displayName, rbac.RoleViewer)
	if err != nil {
		return nil, err
	}
	return s.establish(ctx, user)
}

// SignOut clears the persisted session and notifies subscribers.
func (s *Service) SignOut(ctx context.Context) error {
	if err := s.sessions.Clear(ctx); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	s.emit(nil)
	return nil
}

// CurrentSession recovers the persisted session, if any. A stored token
// that no longer verifies is discarded rather than surfaced as an error.
func (s *Service) CurrentSession(ctx context.Context) (*identity.Session, error) {
	record, err := s.sessions.Current(ctx)
	if errors.Is(err, session.ErrNoSession) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	claims, err := auth.ParseToken(s.secret, record.Token)
	if err != nil {
		s.log.Warn().Err(err).Msg("discarding unverifiable stored session")
		_ = s.sessions.Clear(ctx)
		return nil, nil
	}
	return &identity.Session{Token: record.Token, UserID: claims.Sub, Email: claims.Email}, nil
}

// Subscribe registers a sign-in/sign-out listener. Events are delivered
// synchronously on the goroutine that triggered them.
func (s *Service) Subscribe(fn func(*identity.Session)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Bootstrap seeds an admin account on an empty user table. It is a no-op
// when users already exist or no bootstrap credentials are configured.
func (s *Service) Bootstrap(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return nil
	}
	count, err := s.users.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil
	}
	if _, err := s.createUser(ctx, normalizeEmail(email), password, "Admin", rbac.RoleAdmin); err != nil {
		return err
	}
	s.log.Info().Str("email", email).Msg("seeded bootstrap admin account")
	return nil
}

func (s *Service) createUser(ctx context.Context, email, password, displayName string, role rbac.Role) (store.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}
	user := store.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
	}
	if displayName == "" {
		displayName = email
	}
	profile := store.Profile{UserID: user.ID, DisplayName: displayName, Role: role}
	if err := s.users.CreateUser(ctx, user, profile); err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func (s *Service) establish(ctx context.Context, user store.User) (*identity.Session, error) {
	token, err := auth.IssueToken(s.secret, auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		Exp:   time.Now().Add(s.ttl).Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	record := session.Record{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.sessions.Save(ctx, record, s.ttl); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	sess := &identity.Session{Token: token, UserID: user.ID, Email: user.Email}
	s.log.Debug().Str("user_id", user.ID).Str("token_hash", auth.HashToken(token)).Msg("session issued")
	s.emit(sess)
	return sess, nil
}

func (s *Service) emit(sess *identity.Session) {
	s.mu.Lock()
	subs := make([]func(*identity.Session), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(sess)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
