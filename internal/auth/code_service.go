// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// CodeService issues and consumes one-time codes.
type CodeService struct {
	codes CodeRepository
	ttl   time.Duration
}

// NewCodeService creates a CodeService. A non-positive ttl falls back to
// DefaultCodeTTL.
func NewCodeService(codes CodeRepository, ttl time.Duration) *CodeService {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	return &CodeService{codes: codes, ttl: ttl}
}

// Issue generates a new code for (user, purpose) and persists its hash.
// Any previously unconsumed code of the same purpose is invalidated by
// the repository in the same transaction. Returns the plaintext code for
// delivery; the plaintext is never stored.
func (s *CodeService) Issue(ctx context.Context, userID ulid.ULID, purpose CodePurpose) (string, error) {
	code, hash, err := GenerateCode()
	if err != nil {
		return "", oops.Code("CODE_ISSUE_FAILED").
			With("operation", "generate code").
			With("purpose", string(purpose)).
			Wrap(err)
	}

	otc, err := NewOneTimeCode(userID, purpose, hash, time.Now().Add(s.ttl))
	if err != nil {
		return "", oops.Code("CODE_ISSUE_FAILED").
			With("operation", "create one-time code").
			With("purpose", string(purpose)).
			Wrap(err)
	}

	if err := s.codes.Create(ctx, otc); err != nil {
		return "", oops.Code("CODE_ISSUE_FAILED").
			With("operation", "persist one-time code").
			With("purpose", string(purpose)).
			Wrap(err)
	}

	return code, nil
}

// Consume validates a supplied code and marks it consumed exactly once.
// The value check runs before the expiry check so a wrong guess never
// learns whether a code is still live:
//   - AUTH_CODE_INVALID when no unconsumed code exists, the value
//     differs, or the code was consumed concurrently
//   - AUTH_CODE_EXPIRED when the value matches but the code expired
func (s *CodeService) Consume(ctx context.Context, userID ulid.ULID, purpose CodePurpose, supplied string) error {
	active, err := s.codes.GetActive(ctx, userID, purpose)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("AUTH_CODE_INVALID").Errorf("code is invalid")
		}
		return oops.Code("CODE_CONSUME_FAILED").
			With("operation", "get active code").
			With("purpose", string(purpose)).
			Wrap(err)
	}

	match, err := VerifyCode(supplied, active.CodeHash)
	if err != nil || !match {
		return oops.Code("AUTH_CODE_INVALID").Errorf("code is invalid")
	}

	if active.IsExpired() {
		return oops.Code("AUTH_CODE_EXPIRED").Errorf("code has expired")
	}

	if err := s.codes.Consume(ctx, active.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			// Lost a race with a concurrent consume of the same code.
			return oops.Code("AUTH_CODE_INVALID").Errorf("code is invalid")
		}
		return oops.Code("CODE_CONSUME_FAILED").
			With("operation", "mark code consumed").
			With("purpose", string(purpose)).
			Wrap(err)
	}

	return nil
}
