// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/keyfold/keyfold/internal/auth"
)

// SessionRepository implements auth.SessionRepository using PostgreSQL.
type SessionRepository struct {
	pool poolIface
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(pool poolIface) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// Create stores a new session.
func (r *SessionRepository) Create(ctx context.Context, session *auth.Session) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, refresh_hash, device_label, revoked, expires_at, created_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		session.ID.String(),
		session.UserID.String(),
		session.RefreshHash,
		session.DeviceLabel,
		session.Revoked,
		session.ExpiresAt,
		session.CreatedAt,
		session.LastUsedAt,
	)
	if err != nil {
		return oops.Code("SESSION_CREATE_FAILED").
			With("operation", "insert session").
			With("user_id", session.UserID.String()).
			Wrap(err)
	}
	return nil
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, user_id, refresh_hash, device_label, revoked, expires_at, created_at, last_used_at
		FROM sessions
		WHERE id = $1
	`, id.String())

	session, err := r.scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("SESSION_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("SESSION_GET_FAILED").
			With("operation", "get session by id").
			With("id", id.String()).
			Wrap(err)
	}
	return session, nil
}

// GetByTokenHash retrieves a session by its current refresh hash. Revoked
// and expired sessions are returned so callers can distinguish those
// states from absence.
func (r *SessionRepository) GetByTokenHash(ctx context.Context, refreshHash string) (*auth.Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, user_id, refresh_hash, device_label, revoked, expires_at, created_at, last_used_at
		FROM sessions
		WHERE refresh_hash = $1
	`, refreshHash)

	session, err := r.scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("SESSION_GET_FAILED").
			With("operation", "get session by token hash").
			Wrap(err)
	}
	return session, nil
}

// ListActiveByUser retrieves all sessions for a user that are neither
// revoked nor expired, most recent first.
func (r *SessionRepository) ListActiveByUser(ctx context.Context, userID ulid.ULID) ([]*auth.Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, refresh_hash, device_label, revoked, expires_at, created_at, last_used_at
		FROM sessions
		WHERE user_id = $1 AND NOT revoked AND expires_at > $2
		ORDER BY created_at DESC
	`, userID.String(), time.Now())
	if err != nil {
		return nil, oops.Code("SESSION_LIST_FAILED").
			With("operation", "list active sessions").
			With("user_id", userID.String()).
			Wrap(err)
	}
	defer rows.Close()

	var sessions []*auth.Session
	for rows.Next() {
		session, err := r.scanSessionRow(rows)
		if err != nil {
			return nil, oops.Code("SESSION_LIST_FAILED").
				With("operation", "scan session row").
				With("user_id", userID.String()).
				Wrap(err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("SESSION_LIST_FAILED").
			With("operation", "iterate session rows").
			With("user_id", userID.String()).
			Wrap(err)
	}
	return sessions, nil
}

// Rotate atomically replaces the refresh hash and extends expiry, keyed
// on (id, oldHash). The WHERE clause is the compare-and-swap: when the
// stored hash no longer matches oldHash, or the session is revoked, zero
// rows change and the caller gets ErrRotationConflict. Exactly one of
// two concurrent rotations with the same oldHash can win.
func (r *SessionRepository) Rotate(ctx context.Context, id ulid.ULID, oldHash, newHash string, expiresAt time.Time) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE sessions
		SET refresh_hash = $3, expires_at = $4, last_used_at = $5
		WHERE id = $1 AND refresh_hash = $2 AND NOT revoked
	`, id.String(), oldHash, newHash, expiresAt, time.Now())
	if err != nil {
		return oops.Code("SESSION_ROTATE_FAILED").
			With("operation", "rotate refresh hash").
			With("id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		// Zero rows means either the swap lost or the session is gone.
		var exists bool
		err := r.pool.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)
		`, id.String()).Scan(&exists)
		if err != nil {
			return oops.Code("SESSION_ROTATE_FAILED").
				With("operation", "check session existence").
				With("id", id.String()).
				Wrap(err)
		}
		if exists {
			return oops.Code("SESSION_ROTATION_CONFLICT").
				With("id", id.String()).
				Wrap(auth.ErrRotationConflict)
		}
		return oops.Code("SESSION_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// Revoke marks a session revoked. Revoking an already revoked session
// succeeds; ErrNotFound only when no such session exists.
func (r *SessionRepository) Revoke(ctx context.Context, id ulid.ULID) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE sessions SET revoked = TRUE
		WHERE id = $1
	`, id.String())
	if err != nil {
		return oops.Code("SESSION_REVOKE_FAILED").
			With("operation", "revoke session").
			With("id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("SESSION_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// RevokeUserSession marks a session revoked, scoped to the owning user.
// A session belonging to a different user reports ErrNotFound rather
// than revealing its existence.
func (r *SessionRepository) RevokeUserSession(ctx context.Context, userID, id ulid.ULID) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE sessions SET revoked = TRUE
		WHERE id = $1 AND user_id = $2
	`, id.String(), userID.String())
	if err != nil {
		return oops.Code("SESSION_REVOKE_FAILED").
			With("operation", "revoke user session").
			With("id", id.String()).
			With("user_id", userID.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("SESSION_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// RevokeAllByUser revokes every unrevoked session for a user except the
// optional exception, returning the count of sessions revoked.
func (r *SessionRepository) RevokeAllByUser(ctx context.Context, userID ulid.ULID, exceptID *ulid.ULID) (int64, error) {
	var (
		result pgconn.CommandTag
		err    error
	)
	if exceptID != nil {
		result, err = r.pool.Exec(ctx, `
			UPDATE sessions SET revoked = TRUE
			WHERE user_id = $1 AND NOT revoked AND id <> $2
		`, userID.String(), exceptID.String())
	} else {
		result, err = r.pool.Exec(ctx, `
			UPDATE sessions SET revoked = TRUE
			WHERE user_id = $1 AND NOT revoked
		`, userID.String())
	}
	if err != nil {
		return 0, oops.Code("SESSION_REVOKE_ALL_FAILED").
			With("operation", "revoke all sessions").
			With("user_id", userID.String()).
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

// UpdateLastUsed updates the LastUsedAt timestamp for a session.
func (r *SessionRepository) UpdateLastUsed(ctx context.Context, id ulid.ULID, lastUsed time.Time) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE sessions SET last_used_at = $2
		WHERE id = $1
	`, id.String(), lastUsed)
	if err != nil {
		return oops.Code("SESSION_UPDATE_FAILED").
			With("operation", "update last used").
			With("id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("SESSION_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// DeleteExpired removes sessions that expired before the cutoff and
// returns the count of deleted records.
func (r *SessionRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		DELETE FROM sessions
		WHERE expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, oops.Code("SESSION_DELETE_EXPIRED_FAILED").
			With("operation", "delete expired sessions").
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

// scanSession scans a single row into a Session.
// Callers are responsible for handling pgx.ErrNoRows.
func (r *SessionRepository) scanSession(row pgx.Row) (*auth.Session, error) {
	var (
		idStr       string
		userIDStr   string
		refreshHash string
		deviceLabel string
		revoked     bool
		expiresAt   time.Time
		createdAt   time.Time
		lastUsedAt  time.Time
	)

	err := row.Scan(&idStr, &userIDStr, &refreshHash, &deviceLabel, &revoked, &expiresAt, &createdAt, &lastUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("SESSION_SCAN_FAILED").
			With("operation", "scan session").
			Wrap(err)
	}

	return r.buildSession(idStr, userIDStr, refreshHash, deviceLabel, revoked, expiresAt, createdAt, lastUsedAt)
}

// scanSessionRow scans from a pgx.Rows iterator into a Session.
func (r *SessionRepository) scanSessionRow(rows pgx.Rows) (*auth.Session, error) {
	var (
		idStr       string
		userIDStr   string
		refreshHash string
		deviceLabel string
		revoked     bool
		expiresAt   time.Time
		createdAt   time.Time
		lastUsedAt  time.Time
	)

	err := rows.Scan(&idStr, &userIDStr, &refreshHash, &deviceLabel, &revoked, &expiresAt, &createdAt, &lastUsedAt)
	if err != nil {
		return nil, oops.Code("SESSION_SCAN_FAILED").
			With("operation", "scan session row").
			Wrap(err)
	}

	return r.buildSession(idStr, userIDStr, refreshHash, deviceLabel, revoked, expiresAt, createdAt, lastUsedAt)
}

// buildSession constructs a Session from scanned column values.
func (r *SessionRepository) buildSession(idStr, userIDStr, refreshHash, deviceLabel string, revoked bool, expiresAt, createdAt, lastUsedAt time.Time) (*auth.Session, error) {
	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("SESSION_INVALID_ID").
			With("operation", "parse session id").
			With("id", idStr).
			Wrap(err)
	}
	userID, err := ulid.Parse(userIDStr)
	if err != nil {
		return nil, oops.Code("SESSION_INVALID_ID").
			With("operation", "parse session user id").
			With("user_id", userIDStr).
			Wrap(err)
	}

	return &auth.Session{
		ID:          id,
		UserID:      userID,
		RefreshHash: refreshHash,
		DeviceLabel: deviceLabel,
		Revoked:     revoked,
		ExpiresAt:   expiresAt,
		CreatedAt:   createdAt,
		LastUsedAt:  lastUsedAt,
	}, nil
}

// Compile-time interface check.
var _ auth.SessionRepository = (*SessionRepository)(nil)
