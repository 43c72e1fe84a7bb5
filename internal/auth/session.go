// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Session lifetime configuration.
const (
	DefaultSessionTTL     = 30 * 24 * time.Hour // sliding refresh window
	DefaultRotationWindow = 7 * 24 * time.Hour  // rotate when less than this remains
	MaxDeviceLabelLength  = 100
)

// Session represents one device's refresh-token lineage. Each rotation
// replaces RefreshHash in place, so the session ID is stable across
// rotations for listing and revocation.
type Session struct {
	ID          ulid.ULID
	UserID      ulid.ULID
	RefreshHash string
	DeviceLabel string
	Revoked     bool
	ExpiresAt   time.Time
	CreatedAt   time.Time
	LastUsedAt  time.Time
}

// NewSession creates a validated Session instance.
// DeviceLabel is optional and truncated to MaxDeviceLabelLength.
func NewSession(userID ulid.ULID, refreshHash, deviceLabel string, expiresAt time.Time) (*Session, error) {
	if userID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("SESSION_INVALID_USER").Errorf("user ID cannot be zero")
	}
	if refreshHash == "" {
		return nil, oops.Code("SESSION_INVALID_HASH").Errorf("refresh hash cannot be empty")
	}
	if expiresAt.IsZero() {
		return nil, oops.Code("SESSION_INVALID_EXPIRY").Errorf("expiry time cannot be zero")
	}
	if len(deviceLabel) > MaxDeviceLabelLength {
		deviceLabel = deviceLabel[:MaxDeviceLabelLength]
	}

	now := time.Now()
	return &Session{
		ID:          ulid.Make(),
		UserID:      userID,
		RefreshHash: refreshHash,
		DeviceLabel: deviceLabel,
		Revoked:     false,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
		LastUsedAt:  now,
	}, nil
}

// IsExpired returns true if the session has expired.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// IsExpiredAt returns true if the session would be expired at the given time.
// Useful for testing with deterministic time values.
func (s *Session) IsExpiredAt(t time.Time) bool {
	return t.After(s.ExpiresAt)
}

// IsActive returns true if the session is neither revoked nor expired.
func (s *Session) IsActive() bool {
	return !s.Revoked && !s.IsExpired()
}

// RemainingAt returns the lifetime left at the given time. Negative when
// already expired.
func (s *Session) RemainingAt(t time.Time) time.Duration {
	return s.ExpiresAt.Sub(t)
}

// SessionSummary is the listing view of a session. It never exposes the
// refresh hash.
type SessionSummary struct {
	ID          ulid.ULID
	DeviceLabel string
	LastUsedAt  time.Time
	ExpiresAt   time.Time
}

// Summary returns the listing view of the session.
func (s *Session) Summary() SessionSummary {
	return SessionSummary{
		ID:          s.ID,
		DeviceLabel: s.DeviceLabel,
		LastUsedAt:  s.LastUsedAt,
		ExpiresAt:   s.ExpiresAt,
	}
}

// SessionRepository manages session persistence.
type SessionRepository interface {
	// Create stores a new session.
	Create(ctx context.Context, session *Session) error

	// GetByID retrieves a session by its ID.
	GetByID(ctx context.Context, id ulid.ULID) (*Session, error)

	// GetByTokenHash retrieves a session by its current refresh hash,
	// including revoked and expired sessions so callers can distinguish
	// those states from absence.
	GetByTokenHash(ctx context.Context, refreshHash string) (*Session, error)

	// ListActiveByUser retrieves all sessions for a user that are neither
	// revoked nor expired, most recent first.
	ListActiveByUser(ctx context.Context, userID ulid.ULID) ([]*Session, error)

	// Rotate atomically replaces the refresh hash and extends expiry,
	// keyed on (id, oldHash). Returns ErrRotationConflict when the stored
	// hash does not match oldHash or the session is revoked; exactly one
	// of two concurrent rotations with the same oldHash can succeed.
	Rotate(ctx context.Context, id ulid.ULID, oldHash, newHash string, expiresAt time.Time) error

	// Revoke marks a session revoked. Revoking an already revoked session
	// succeeds; ErrNotFound only when no such session exists.
	Revoke(ctx context.Context, id ulid.ULID) error

	// RevokeUserSession marks a session revoked, scoped to the owning
	// user. Returns ErrNotFound when the session does not exist or
	// belongs to a different user.
	RevokeUserSession(ctx context.Context, userID, id ulid.ULID) error

	// RevokeAllByUser revokes every unrevoked session for a user except
	// the optional exception. Returns the count of sessions revoked.
	RevokeAllByUser(ctx context.Context, userID ulid.ULID, exceptID *ulid.ULID) (int64, error)

	// UpdateLastUsed updates the LastUsedAt timestamp for a session.
	UpdateLastUsed(ctx context.Context, id ulid.ULID, lastUsed time.Time) error

	// DeleteExpired removes sessions that expired before the cutoff and
	// returns the count of deleted records.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}
