// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/keyfold/keyfold/internal/auth"
)

// CodeRepository implements auth.CodeRepository using PostgreSQL.
type CodeRepository struct {
	pool poolIface
}

// NewCodeRepository creates a new CodeRepository.
func NewCodeRepository(pool poolIface) *CodeRepository {
	return &CodeRepository{pool: pool}
}

// Create stores a new code, retiring any unconsumed codes for the same
// (user, purpose) in the same transaction. The partial unique index on
// unconsumed (user_id, purpose) rows holds because the UPDATE clears the
// slot before the INSERT fills it.
func (r *CodeRepository) Create(ctx context.Context, code *auth.OneTimeCode) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return oops.Code("CODE_CREATE_FAILED").
			With("operation", "begin transaction").
			Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.Exec(ctx, `
		UPDATE one_time_codes SET consumed = TRUE
		WHERE user_id = $1 AND purpose = $2 AND NOT consumed
	`, code.UserID.String(), string(code.Purpose))
	if err != nil {
		return oops.Code("CODE_CREATE_FAILED").
			With("operation", "retire previous codes").
			Wrap(err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO one_time_codes (id, user_id, purpose, code_hash, expires_at, consumed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		code.ID.String(),
		code.UserID.String(),
		string(code.Purpose),
		code.CodeHash,
		code.ExpiresAt,
		code.Consumed,
		code.CreatedAt,
	)
	if err != nil {
		return oops.Code("CODE_CREATE_FAILED").
			With("operation", "insert code").
			Wrap(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return oops.Code("CODE_CREATE_FAILED").
			With("operation", "commit transaction").
			Wrap(err)
	}
	return nil
}

// GetActive retrieves the unconsumed code for (user, purpose), regardless
// of expiry. The partial unique index guarantees at most one such row.
func (r *CodeRepository) GetActive(ctx context.Context, userID ulid.ULID, purpose auth.CodePurpose) (*auth.OneTimeCode, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, user_id, purpose, code_hash, expires_at, consumed, created_at
		FROM one_time_codes
		WHERE user_id = $1 AND purpose = $2 AND NOT consumed
	`, userID.String(), string(purpose))

	code, err := r.scanCode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("CODE_NOT_FOUND").
			With("user_id", userID.String()).
			With("purpose", string(purpose)).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("CODE_GET_ACTIVE_FAILED").
			With("operation", "get active code").
			With("user_id", userID.String()).
			Wrap(err)
	}
	return code, nil
}

// Consume marks a code consumed. The NOT consumed guard makes consumption
// exactly-once: a second call affects zero rows and reports ErrNotFound.
func (r *CodeRepository) Consume(ctx context.Context, id ulid.ULID) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE one_time_codes SET consumed = TRUE
		WHERE id = $1 AND NOT consumed
	`, id.String())
	if err != nil {
		return oops.Code("CODE_CONSUME_FAILED").
			With("operation", "consume code").
			With("id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("CODE_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// DeleteExpired removes consumed codes and codes that expired before the
// cutoff, returning the count of deleted records.
func (r *CodeRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		DELETE FROM one_time_codes
		WHERE consumed OR expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, oops.Code("CODE_DELETE_EXPIRED_FAILED").
			With("operation", "delete expired codes").
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

// scanCode scans a single row into a OneTimeCode.
// Callers are responsible for handling pgx.ErrNoRows.
func (r *CodeRepository) scanCode(row pgx.Row) (*auth.OneTimeCode, error) {
	var (
		idStr     string
		userIDStr string
		purpose   string
		codeHash  string
		expiresAt time.Time
		consumed  bool
		createdAt time.Time
	)

	err := row.Scan(&idStr, &userIDStr, &purpose, &codeHash, &expiresAt, &consumed, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("CODE_SCAN_FAILED").
			With("operation", "scan code").
			Wrap(err)
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("CODE_INVALID_ID").
			With("operation", "parse code id").
			With("id", idStr).
			Wrap(err)
	}
	userID, err := ulid.Parse(userIDStr)
	if err != nil {
		return nil, oops.Code("CODE_INVALID_ID").
			With("operation", "parse code user id").
			With("user_id", userIDStr).
			Wrap(err)
	}

	return &auth.OneTimeCode{
		ID:        id,
		UserID:    userID,
		Purpose:   auth.CodePurpose(purpose),
		CodeHash:  codeHash,
		ExpiresAt: expiresAt,
		Consumed:  consumed,
		CreatedAt: createdAt,
	}, nil
}

// Compile-time interface check.
var _ auth.CodeRepository = (*CodeRepository)(nil)
