// Package session persists the operator's active session so the dashboard
// recovers it across restarts.
package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoSession is returned when no session is stored or it has expired.
var ErrNoSession = errors.New("no active session")

// Record is what the identity provider persists per sign-in.
type Record struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

type Store interface {
	Save(ctx context.Context, record Record, ttl time.Duration) error
	Current(ctx context.Context) (Record, error)
	Clear(ctx context.Context) error
}

// MemoryStore keeps the session in process memory. Used when Redis is not
// configured; a restart logs the operator out.
type MemoryStore struct {
	mu        sync.Mutex
	record    Record
	expiresAt time.Time
	present   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(_ context.Context, record Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = record
	s.expiresAt = time.Now().Add(ttl)
	s.present = true
	return nil
}

func (s *MemoryStore) Current(_ context.Context) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.present || time.Now().After(s.expiresAt) {
		s.present = false
		return Record{}, ErrNoSession
	}
	return s.record, nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.present = false
	s.record = Record{}
	return nil
}
