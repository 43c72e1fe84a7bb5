// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"math/big"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// CodePurpose identifies what a one-time code proves.
type CodePurpose string

// Supported code purposes.
const (
	PurposeEmailVerify   CodePurpose = "email_verify"
	PurposePasswordReset CodePurpose = "password_reset"
)

// Valid reports whether the purpose is one of the supported values.
func (p CodePurpose) Valid() bool {
	return p == PurposeEmailVerify || p == PurposePasswordReset
}

// One-time code configuration.
const (
	CodeLength     = 6                // digits
	DefaultCodeTTL = 15 * time.Minute // expiry window
)

// OneTimeCode is a single-use emailed code proving control of an address.
// Only the hash of the code value is persisted.
type OneTimeCode struct {
	ID        ulid.ULID
	UserID    ulid.ULID
	Purpose   CodePurpose
	CodeHash  string
	ExpiresAt time.Time
	Consumed  bool
	CreatedAt time.Time
}

// NewOneTimeCode creates a validated OneTimeCode instance.
func NewOneTimeCode(userID ulid.ULID, purpose CodePurpose, codeHash string, expiresAt time.Time) (*OneTimeCode, error) {
	if userID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("CODE_INVALID_USER").Errorf("user ID cannot be zero")
	}
	if !purpose.Valid() {
		return nil, oops.Code("CODE_INVALID_PURPOSE").
			With("purpose", string(purpose)).
			Errorf("unknown code purpose")
	}
	if codeHash == "" {
		return nil, oops.Code("CODE_INVALID_HASH").Errorf("code hash cannot be empty")
	}
	if expiresAt.IsZero() {
		return nil, oops.Code("CODE_INVALID_EXPIRY").Errorf("expiry time cannot be zero")
	}

	return &OneTimeCode{
		ID:        ulid.Make(),
		UserID:    userID,
		Purpose:   purpose,
		CodeHash:  codeHash,
		ExpiresAt: expiresAt,
		Consumed:  false,
		CreatedAt: time.Now(),
	}, nil
}

// IsExpired returns true if the code has expired.
func (c *OneTimeCode) IsExpired() bool {
	return time.Now().After(c.ExpiresAt)
}

// IsExpiredAt returns true if the code would be expired at the given time.
// Useful for testing with deterministic time values.
func (c *OneTimeCode) IsExpiredAt(t time.Time) bool {
	return t.After(c.ExpiresAt)
}

// GenerateCode creates a random numeric code and its hash.
// Returns (plaintext_code, sha256_hash, error).
// The plaintext is delivered by email; only the hash is stored.
func GenerateCode() (code, hash string, err error) {
	digits := make([]byte, CodeLength)
	for i := range digits {
		n, randErr := rand.Int(rand.Reader, big.NewInt(10))
		if randErr != nil {
			return "", "", oops.Code("CODE_GENERATE_FAILED").
				With("operation", "crypto/rand.Int").
				Wrap(randErr)
		}
		digits[i] = byte('0' + n.Int64())
	}

	code = string(digits)
	hash = HashCode(code)

	return code, hash, nil
}

// HashCode computes the SHA256 hash of a code value for storage.
func HashCode(code string) string {
	h := sha256.Sum256([]byte(code))
	return hex.EncodeToString(h[:])
}

// VerifyCode checks if the supplied code matches the stored hash.
// Uses constant-time comparison to prevent timing attacks.
// Returns (true, nil) on match, (false, nil) on mismatch, or (false, error) on invalid input.
func VerifyCode(code, hash string) (bool, error) {
	if code == "" {
		return false, oops.Code("CODE_EMPTY").Errorf("code cannot be empty")
	}
	if hash == "" {
		return false, oops.Code("CODE_HASH_EMPTY").Errorf("stored hash cannot be empty")
	}
	computed := HashCode(code)
	// Both are hex-encoded SHA256 hashes (64 chars), use constant-time compare
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1, nil
}

// CodeRepository manages one-time code persistence.
type CodeRepository interface {
	// Create stores a new code, marking any unconsumed codes of the same
	// (user, purpose) as consumed in the same transaction. At most one
	// unconsumed code per (user, purpose) exists at any instant.
	Create(ctx context.Context, code *OneTimeCode) error

	// GetActive retrieves the unconsumed code for (user, purpose),
	// regardless of expiry. Returns ErrNotFound if none exists.
	GetActive(ctx context.Context, userID ulid.ULID, purpose CodePurpose) (*OneTimeCode, error)

	// Consume marks a code consumed. Returns ErrNotFound if the code does
	// not exist or was already consumed, making consumption exactly-once.
	Consume(ctx context.Context, id ulid.ULID) error

	// DeleteExpired removes consumed codes and codes that expired before
	// the cutoff. Returns the count of deleted records.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}
