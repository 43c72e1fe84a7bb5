// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

// Package authtest provides in-memory test doubles for auth storage.
package authtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/keyfold/keyfold/internal/auth"
)

// UserStore is an in-memory auth.UserRepository.
// Setting Err makes every call fail with it, for outage tests.
type UserStore struct {
	mu    sync.Mutex
	users map[ulid.ULID]*auth.User

	Err error
}

// NewUserStore creates an empty UserStore.
func NewUserStore() *UserStore {
	return &UserStore{users: make(map[ulid.ULID]*auth.User)}
}

// Create stores a copy of the user.
func (s *UserStore) Create(_ context.Context, user *auth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for _, existing := range s.users {
		if existing.Email == user.Email {
			return auth.ErrEmailTaken
		}
	}
	clone := *user
	s.users[user.ID] = &clone
	return nil
}

// GetByID returns a copy of the user.
func (s *UserStore) GetByID(_ context.Context, id ulid.ULID) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	user, ok := s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	clone := *user
	return &clone, nil
}

// GetByEmail returns a copy of the user with the given normalized email.
func (s *UserStore) GetByEmail(_ context.Context, email string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, user := range s.users {
		if user.Email == auth.NormalizeEmail(email) {
			clone := *user
			return &clone, nil
		}
	}
	return nil, auth.ErrNotFound
}

// Update replaces the stored user.
func (s *UserStore) Update(_ context.Context, user *auth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.users[user.ID]; !ok {
		return auth.ErrNotFound
	}
	clone := *user
	s.users[user.ID] = &clone
	return nil
}

// UpdatePassword replaces only the password hash.
func (s *UserStore) UpdatePassword(_ context.Context, id ulid.ULID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	user, ok := s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	user.PasswordHash = passwordHash
	user.UpdatedAt = time.Now()
	return nil
}

// MarkEmailVerified sets the verified flag.
func (s *UserStore) MarkEmailVerified(_ context.Context, id ulid.ULID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	user, ok := s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	user.EmailVerified = true
	user.UpdatedAt = time.Now()
	return nil
}

// CodeStore is an in-memory auth.CodeRepository.
// Setting Err makes every call fail with it.
type CodeStore struct {
	mu    sync.Mutex
	codes map[ulid.ULID]*auth.OneTimeCode

	Err error
}

// NewCodeStore creates an empty CodeStore.
func NewCodeStore() *CodeStore {
	return &CodeStore{codes: make(map[ulid.ULID]*auth.OneTimeCode)}
}

// Create invalidates unconsumed codes of the same (user, purpose) and
// stores a copy of the new code, mirroring the transactional repository.
func (s *CodeStore) Create(_ context.Context, code *auth.OneTimeCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for _, existing := range s.codes {
		if existing.UserID == code.UserID && existing.Purpose == code.Purpose && !existing.Consumed {
			existing.Consumed = true
		}
	}
	clone := *code
	s.codes[code.ID] = &clone
	return nil
}

// GetActive returns the unconsumed code for (user, purpose), expired or not.
func (s *CodeStore) GetActive(_ context.Context, userID ulid.ULID, purpose auth.CodePurpose) (*auth.OneTimeCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, code := range s.codes {
		if code.UserID == userID && code.Purpose == purpose && !code.Consumed {
			clone := *code
			return &clone, nil
		}
	}
	return nil, auth.ErrNotFound
}

// Consume marks a code consumed exactly once.
func (s *CodeStore) Consume(_ context.Context, id ulid.ULID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	code, ok := s.codes[id]
	if !ok || code.Consumed {
		return auth.ErrNotFound
	}
	code.Consumed = true
	return nil
}

// DeleteExpired removes consumed codes and codes expired before the cutoff.
func (s *CodeStore) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	var count int64
	for id, code := range s.codes {
		if code.Consumed || code.ExpiresAt.Before(cutoff) {
			delete(s.codes, id)
			count++
		}
	}
	return count, nil
}

// SessionStore is an in-memory auth.SessionRepository with the same
// compare-and-swap rotation semantics as the SQL implementation.
// Setting Err makes every call fail with it.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[ulid.ULID]*auth.Session

	Err error
}

// NewSessionStore creates an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[ulid.ULID]*auth.Session)}
}

// Create stores a copy of the session.
func (s *SessionStore) Create(_ context.Context, session *auth.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	clone := *session
	s.sessions[session.ID] = &clone
	return nil
}

// GetByID returns a copy of the session.
func (s *SessionStore) GetByID(_ context.Context, id ulid.ULID) (*auth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	session, ok := s.sessions[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	clone := *session
	return &clone, nil
}

// GetByTokenHash returns the session holding the hash, revoked or not.
func (s *SessionStore) GetByTokenHash(_ context.Context, refreshHash string) (*auth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, session := range s.sessions {
		if session.RefreshHash == refreshHash {
			clone := *session
			return &clone, nil
		}
	}
	return nil, auth.ErrNotFound
}

// ListActiveByUser returns unrevoked, unexpired sessions, newest first.
func (s *SessionStore) ListActiveByUser(_ context.Context, userID ulid.ULID) ([]*auth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var active []*auth.Session
	for _, session := range s.sessions {
		if session.UserID == userID && session.IsActive() {
			clone := *session
			active = append(active, &clone)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.After(active[j].CreatedAt)
	})
	return active, nil
}

// Rotate swaps the refresh hash keyed on (id, oldHash), exactly like the
// SQL conditional update: of two concurrent calls with the same oldHash,
// one succeeds and the other observes ErrRotationConflict.
func (s *SessionStore) Rotate(_ context.Context, id ulid.ULID, oldHash, newHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	session, ok := s.sessions[id]
	if !ok {
		return auth.ErrNotFound
	}
	if session.Revoked || session.RefreshHash != oldHash {
		return auth.ErrRotationConflict
	}
	session.RefreshHash = newHash
	session.ExpiresAt = expiresAt
	session.LastUsedAt = time.Now()
	return nil
}

// Revoke marks a session revoked.
func (s *SessionStore) Revoke(_ context.Context, id ulid.ULID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	session, ok := s.sessions[id]
	if !ok {
		return auth.ErrNotFound
	}
	session.Revoked = true
	return nil
}

// RevokeUserSession marks a session revoked, scoped to its owner.
func (s *SessionStore) RevokeUserSession(_ context.Context, userID, id ulid.ULID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	session, ok := s.sessions[id]
	if !ok || session.UserID != userID {
		return auth.ErrNotFound
	}
	session.Revoked = true
	return nil
}

// RevokeAllByUser revokes the user's unrevoked sessions except the optional exception.
func (s *SessionStore) RevokeAllByUser(_ context.Context, userID ulid.ULID, exceptID *ulid.ULID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	var count int64
	for _, session := range s.sessions {
		if session.UserID != userID || session.Revoked {
			continue
		}
		if exceptID != nil && session.ID == *exceptID {
			continue
		}
		session.Revoked = true
		count++
	}
	return count, nil
}

// UpdateLastUsed updates the LastUsedAt timestamp.
func (s *SessionStore) UpdateLastUsed(_ context.Context, id ulid.ULID, lastUsed time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	session, ok := s.sessions[id]
	if !ok {
		return auth.ErrNotFound
	}
	session.LastUsedAt = lastUsed
	return nil
}

// DeleteExpired removes sessions expired before the cutoff.
func (s *SessionStore) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	var count int64
	for id, session := range s.sessions {
		if session.ExpiresAt.Before(cutoff) {
			delete(s.sessions, id)
			count++
		}
	}
	return count, nil
}

// Seed inserts a session directly, bypassing validation. Useful for
// arranging revoked or expired states.
func (s *SessionStore) Seed(session *auth.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *session
	s.sessions[session.ID] = &clone
}

// Compile-time interface checks.
var (
	_ auth.UserRepository    = (*UserStore)(nil)
	_ auth.CodeRepository    = (*CodeStore)(nil)
	_ auth.SessionRepository = (*SessionStore)(nil)
)
