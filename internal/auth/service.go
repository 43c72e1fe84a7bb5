// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// mailDispatchTimeout bounds a single asynchronous code delivery.
const mailDispatchTimeout = 30 * time.Second

// dummyPasswordHash is used when a user doesn't exist to prevent timing attacks.
// We still run password verification to make response time consistent.
// This is NOT a real credential - it's a fake hash that will never match any password.
//
//nolint:gosec // G101: This is an intentionally fake hash for timing attack prevention, not a credential.
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// CodeMailer delivers one-time codes to an email address.
type CodeMailer interface {
	// SendCode delivers the plaintext code for the given purpose.
	SendCode(ctx context.Context, email string, purpose CodePurpose, code string) error
}

// TokenPair is the credential set returned by Login and Refresh.
// RefreshToken is empty on refreshes that did not rotate; the client
// keeps using its current refresh token in that case.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	SessionID        ulid.ULID
}

// ServiceConfig bundles the orchestrator's policy knobs. Zero values
// fall back to the package defaults.
type ServiceConfig struct {
	// SessionTTL is the sliding refresh-token lifetime.
	SessionTTL time.Duration

	// RotationWindow is the remaining lifetime below which a refresh
	// rotates the token. Refreshes with more time remaining only mint a
	// new access token.
	RotationWindow time.Duration
}

// Service coordinates registration, verification, login, token refresh,
// logout, password reset, and session queries. It is the sole owner of
// the cross-component invariants: rotated-away refresh tokens never
// validate again, at most one unconsumed code exists per (user, purpose),
// and unverified users cannot log in.
type Service struct {
	users    UserRepository
	sessions SessionRepository
	codes    *CodeService
	hasher   PasswordHasher
	tokens   *TokenIssuer
	mailer   CodeMailer

	sessionTTL     time.Duration
	rotationWindow time.Duration

	// dispatches tracks in-flight asynchronous mail deliveries so Close
	// can drain them.
	dispatches sync.WaitGroup
}

// NewService creates the auth orchestrator.
func NewService(
	users UserRepository,
	sessions SessionRepository,
	codes *CodeService,
	hasher PasswordHasher,
	tokens *TokenIssuer,
	mailer CodeMailer,
	cfg ServiceConfig,
) *Service {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.RotationWindow <= 0 {
		cfg.RotationWindow = DefaultRotationWindow
	}
	return &Service{
		users:          users,
		sessions:       sessions,
		codes:          codes,
		hasher:         hasher,
		tokens:         tokens,
		mailer:         mailer,
		sessionTTL:     cfg.SessionTTL,
		rotationWindow: cfg.RotationWindow,
	}
}

// Register creates an unverified account and dispatches a verification
// code to the address. No session is created; login is refused until the
// email is verified.
func (s *Service) Register(ctx context.Context, email, password string) error {
	if err := ValidateEmail(email); err != nil {
		return err
	}
	if err := ValidatePassword(password); err != nil {
		return err
	}

	normalized := NormalizeEmail(email)

	_, err := s.users.GetByEmail(ctx, normalized)
	if err == nil {
		return oops.Code("AUTH_EMAIL_TAKEN").Errorf("email is already registered")
	}
	if !errors.Is(err, ErrNotFound) {
		return oops.Code("AUTH_UNAVAILABLE").
			With("operation", "get user by email").
			Wrap(err)
	}

	passwordHash, err := s.hasher.Hash(password)
	if err != nil {
		return oops.Code("AUTH_UNAVAILABLE").
			With("operation", "hash password").
			Wrap(err)
	}

	user, err := NewUser(normalized, passwordHash)
	if err != nil {
		return err
	}

	if err := s.users.Create(ctx, user); err != nil {
		// The unique index is the backstop for concurrent registrations
		// with the same address.
		if errors.Is(err, ErrEmailTaken) {
			return oops.Code("AUTH_EMAIL_TAKEN").Errorf("email is already registered")
		}
		return oops.Code("AUTH_UNAVAILABLE").
			With("operation", "create user").
			Wrap(err)
	}

	code, err := s.codes.Issue(ctx, user.ID, PurposeEmailVerify)
	if err != nil {
		// The account exists; the client recovers via ResendVerification.
		return oops.Code("AUTH_UNAVAILABLE").
			With("operation", "issue verification code").
			Wrap(err)
	}
	CodesIssued.WithLabelValues(string(PurposeEmailVerify)).Inc()

	s.dispatchCode(ctx, user.Email, PurposeEmailVerify, code)

	Registrations.Inc()
	slog.Info("user registered", "user_id", user.ID.String())
	return nil
}

// VerifyEmail consumes a verification code and marks the address
// verified. The flag flips true exactly once; codes presented for an
// already verified account are rejected as invalid.
func (s *Service) VerifyEmail(ctx context.Context, email, code string) error {
	user, err := s.userByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Unknown addresses are indistinguishable from a wrong code.
			return oops.Code("AUTH_CODE_INVALID").Errorf("code is invalid")
		}
		return err
	}

	if user.EmailVerified {
		return oops.Code("AUTH_CODE_INVALID").Errorf("code is invalid")
	}

	if err := s.consumeCode(ctx, user.ID, PurposeEmailVerify, code); err != nil {
		return err
	}

	if err := s.users.MarkEmailVerified(ctx, user.ID); err != nil {
		return oops.Code("AUTH_UNAVAILABLE").
			With("operation", "mark email verified").
			Wrap(err)
	}

	slog.Info("email verified", "user_id", user.ID.String())
	return nil
}

// ResendVerification issues a fresh verification code for an unverified
// account. The response shape never reveals whether the address is
// registered or already verified; a real code is only issued when
// applicable. Issuing a new code invalidates any prior unconsumed one.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	user, err := s.userByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if user.EmailVerified {
		return nil
	}

	code, err := s.codes.Issue(ctx, user.ID, PurposeEmailVerify)
	if err != nil {
		return oops.Code("AUTH_UNAVAILABLE").
			With("operation", "issue verification code").
			Wrap(err)
	}
	CodesIssued.WithLabelValues(string(PurposeEmailVerify)).Inc()

	s.dispatchCode(ctx, user.Email, PurposeEmailVerify, code)
	return nil
}

// Login authenticates a user and creates a device session. Unknown
// addresses and wrong passwords produce the same error, and password
// verification always runs, so response timing does not reveal which
// failed. Verified accounts receive an access token, a refresh token,
// and the session metadata.
func (s *Service) Login(ctx context.Context, email, password, deviceLabel string) (*TokenPair, error) {
	user, lookupErr := s.users.GetByEmail(ctx, NormalizeEmail(email))

	// Determine which hash to verify against (real or dummy for timing attack prevention)
	targetHash := dummyPasswordHash
	userExists := false

	if lookupErr != nil {
		if !errors.Is(lookupErr, ErrNotFound) {
			RecordLogin(LoginOutcomeError)
			return nil, oops.Code("AUTH_UNAVAILABLE").
				With("operation", "get user by email").
				Wrap(lookupErr)
		}
	} else {
		targetHash = user.PasswordHash
		userExists = true
	}

	// Always verify password (constant-time operation for timing attack prevention)
	valid, verifyErr := s.hasher.Verify(password, targetHash)
	if verifyErr != nil {
		if !userExists {
			RecordLogin(LoginOutcomeInvalidCredentials)
			return nil, oops.Code("AUTH_INVALID_CREDENTIALS").Errorf("invalid email or password")
		}
		RecordLogin(LoginOutcomeError)
		return nil, oops.Code("AUTH_UNAVAILABLE").
			With("operation", "verify password").
			Wrap(verifyErr)
	}

	if !userExists || !valid {
		RecordLogin(LoginOutcomeInvalidCredentials)
		return nil, oops.Code("AUTH_INVALID_CREDENTIALS").Errorf("invalid email or password")
	}

	// Check verification AFTER password verification so the check cannot
	// be used to probe for registered addresses with arbitrary passwords.
	if !user.EmailVerified {
		RecordLogin(LoginOutcomeUnverified)
		return nil, oops.Code("AUTH_EMAIL_NOT_VERIFIED").Errorf("email address is not verified")
	}

	// Transparent parameter upgrade. Login succeeds even if the update fails.
	if s.hasher.NeedsRehash(user.PasswordHash) {
		if newHash, hashErr := s.hasher.Hash(password); hashErr == nil {
			user.PasswordHash = newHash
			_ = s.users.Update(ctx, user) //nolint:errcheck // Best effort
		}
	}

	refreshToken, refreshHash, err := GenerateRefreshSecret()
	if err != nil {
		RecordLogin(LoginOutcomeError)
		return nil, oops.Code("AUTH_UNAVAILABLE").
			With("operation", "generate refresh secret").
			Wrap(err)
	}

	session, err := NewSession(user.ID, refreshHash, deviceLabel, time.Now().Add(s.sessionTTL))
	if err != nil {
		RecordLogin(LoginOutcomeError)
		return nil, oops.Code("AUTH_UNAVAILABLE").
			With("operation", "create session").
			Wrap(err)
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		RecordLogin(LoginOutcomeError)
		return nil, oops.Code("AUTH_UNAVAILABLE").
			With("operation", "persist session").
			Wrap(err)
	}

	accessToken, accessExpiresAt, err := s.tokens.IssueAccessToken(user.ID, session.ID)
	if err != nil {
		RecordLogin(LoginOutcomeError)
		return nil, oops.Code("AUTH_UNAVAILABLE").
			With("operation", "issue access token").
			Wrap(err)
	}

	RecordLogin(LoginOutcomeSuccess)
	slog.Info("login succeeded",
		"user_id", user.ID.String(),
		"session_id", session.ID.String(),
	)

	return &TokenPair{
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExpiresAt,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: session.ExpiresAt,
		SessionID:        session.ID,
	}, nil
}

// Refresh exchanges a refresh token for a fresh access token. When less
// than the rotation window remains, the refresh token itself rotates:
// the stored hash is swapped atomically keyed on the presented hash, so
// of two concurrent refreshes with the same token exactly one advances
// the chain. Losing that swap means the presented token was already
// rotated away; the whole session is revoked and the caller sees a plain
// invalid-token error. The replay signal stays in logs and metrics.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if refreshToken == "" {
		RecordRefresh(RefreshOutcomeInvalid)
		return nil, oops.Code("AUTH_TOKEN_INVALID").Errorf("invalid refresh token")
	}

	presentedHash := HashRefreshSecret(refreshToken)

	session, err := s.sessions.GetByTokenHash(ctx, presentedHash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			RecordRefresh(RefreshOutcomeInvalid)
			return nil, oops.Code("AUTH_TOKEN_INVALID").Errorf("invalid refresh token")
		}
		RecordRefresh(RefreshOutcomeError)
		return nil, oops.Code("AUTH_UNAVAILABLE").
			With("operation", "get session by token hash").
			Wrap(err)
	}

	if session.Revoked || session.IsExpired() {
		RecordRefresh(RefreshOutcomeInvalid)
		return nil, oops.Code("AUTH_TOKEN_INVALID").Errorf("invalid refresh token")
	}

	now := time.Now()
	if session.RemainingAt(now) > s.rotationWindow {
		// Plenty of lifetime left: mint a new access token only.
		accessToken, accessExpiresAt, err := s.tokens.IssueAccessToken(session.UserID, session.ID)
		if err != nil {
			RecordRefresh(RefreshOutcomeError)
			return nil, oops.Code("AUTH_UNAVAILABLE").
				With("operation", "issue access token").
				Wrap(err)
		}

		_ = s.sessions.UpdateLastUsed(ctx, session.ID, now) //nolint:errcheck // Best effort

		RecordRefresh(RefreshOutcomeStatic)
		return &TokenPair{
			AccessToken:      accessToken,
			AccessExpiresAt:  accessExpiresAt,
			RefreshExpiresAt: session.ExpiresAt,
			SessionID:        session.ID,
		}, nil
	}

	newToken, newHash, err := GenerateRefreshSecret()
	if err != nil {
		RecordRefresh(RefreshOutcomeError)
		return nil, oops.Code("AUTH_UNAVAILABLE").
			With("operation", "generate refresh secret").
			Wrap(err)
	}

	newExpiresAt := now.Add(s.sessionTTL)
	if err := s.sessions.Rotate(ctx, session.ID, presentedHash, newHash, newExpiresAt); err != nil {
		switch {
		case errors.Is(err, ErrRotationConflict):
			// The stored hash moved between lookup and swap: the token we
			// were presented was replayed after a rotation. Kill the whole
			// session so neither holder can continue.
			slog.Warn("refresh token replay detected, revoking session",
				"user_id", session.UserID.String(),
				"session_id", session.ID.String(),
			)
			_ = s.sessions.Revoke(ctx, session.ID) //nolint:errcheck // Best effort
			RecordRefresh(RefreshOutcomeReuseDetected)
			RecordSessionsRevoked(RevokeReasonReuse, 1)
			return nil, oops.Code("AUTH_TOKEN_INVALID").Errorf("invalid refresh token")
		case errors.Is(err, ErrNotFound):
			RecordRefresh(RefreshOutcomeInvalid)
			return nil, oops.Code("AUTH_TOKEN_INVALID").Errorf("invalid refresh token")
		default:
			RecordRefresh(RefreshOutcomeError)
			return nil, oops.Code("AUTH_UNAVAILABLE").
				With("operation", "rotate refresh token").
				Wrap(err)
		}
	}

	accessToken, accessExpiresAt, err := s.tokens.IssueAccessToken(session.UserID, session.ID)
	if err != nil {
		RecordRefresh(RefreshOutcomeError)
		return nil, oops.Code("AUTH_UNAVAILABLE").
			With("operation", "issue access token").
			Wrap(err)
	}

	RecordRefresh(RefreshOutcomeRotated)
	return &TokenPair{
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExpiresAt,
		RefreshToken:     newToken,
		RefreshExpiresAt: newExpiresAt,
		SessionID:        session.ID,
	}, nil
}

// Logout revokes the session matching the presented refresh token.
// Idempotent: unknown or already revoked tokens succeed.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}

	session, err := s.sessions.GetByTokenHash(ctx, HashRefreshSecret(refreshToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return oops.Code("AUTH_UNAVAILABLE").
			With("operation", "get session by token hash").
			Wrap(err)
	}

	if session.Revoked {
		return nil
	}

	if err := s.sessions.Revoke(ctx, session.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return oops.Code("AUTH_UNAVAILABLE").
			With("operation", "revoke session").
			Wrap(err)
	}

	RecordSessionsRevoked(RevokeReasonLogout, 1)
	slog.Info("session logged out",
		"user_id", session.UserID.String(),
		"session_id", session.ID.String(),
	)
	return nil
}

// ListSessions returns summaries of the user's active sessions, most
// recent first. Revoked and expired sessions are excluded.
func (s *Service) ListSessions(ctx context.Context, userID ulid.ULID) ([]SessionSummary, error) {
	sessions, err := s.sessions.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, oops.Code("AUTH_UNAVAILABLE").
			With("operation", "list sessions").
			Wrap(err)
	}

	summaries := make([]SessionSummary, 0, len(sessions))
	for _, session := range sessions {
		summaries = append(summaries, session.Summary())
	}
	return summaries, nil
}

// RevokeSession revokes one of the user's own sessions. Session IDs
// belonging to other users are reported as not found, never as
// forbidden, so IDs cannot be probed for existence.
func (s *Service) RevokeSession(ctx context.Context, userID, sessionID ulid.ULID) error {
	if err := s.sessions.RevokeUserSession(ctx, userID, sessionID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("AUTH_SESSION_NOT_FOUND").
				With("session_id", sessionID.String()).
				Errorf("session not found")
		}
		return oops.Code("AUTH_UNAVAILABLE").
			With("operation", "revoke session").
			Wrap(err)
	}

	RecordSessionsRevoked(RevokeReasonUser, 1)
	return nil
}

// RevokeAllOtherSessions revokes every active session for the user
// except the current one. Returns the number of sessions revoked.
func (s *Service) RevokeAllOtherSessions(ctx context.Context, userID, currentSessionID ulid.ULID) (int64, error) {
	count, err := s.sessions.RevokeAllByUser(ctx, userID, &currentSessionID)
	if err != nil {
		return 0, oops.Code("AUTH_UNAVAILABLE").
			With("operation", "revoke other sessions").
			Wrap(err)
	}

	RecordSessionsRevoked(RevokeReasonUser, count)
	slog.Info("revoked other sessions",
		"user_id", userID.String(),
		"count", count,
	)
	return count, nil
}

// RequestPasswordReset issues a reset code for a registered address.
// Always returns success so the response cannot be used to enumerate
// accounts; a code is only issued and mailed when the address exists.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	user, err := s.userByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	code, err := s.codes.Issue(ctx, user.ID, PurposePasswordReset)
	if err != nil {
		return oops.Code("AUTH_UNAVAILABLE").
			With("operation", "issue reset code").
			Wrap(err)
	}
	CodesIssued.WithLabelValues(string(PurposePasswordReset)).Inc()

	s.dispatchCode(ctx, user.Email, PurposePasswordReset, code)
	return nil
}

// ResetPassword consumes a reset code and replaces the password. Every
// session for the user is revoked, forcing re-login on all devices.
func (s *Service) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}

	user, err := s.userByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("AUTH_CODE_INVALID").Errorf("code is invalid")
		}
		return err
	}

	if err := s.consumeCode(ctx, user.ID, PurposePasswordReset, code); err != nil {
		return err
	}

	passwordHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("AUTH_UNAVAILABLE").
			With("operation", "hash password").
			Wrap(err)
	}

	if err := s.users.UpdatePassword(ctx, user.ID, passwordHash); err != nil {
		return oops.Code("AUTH_UNAVAILABLE").
			With("operation", "update password").
			Wrap(err)
	}

	// Invalidate every session so a credential thief is logged out
	// everywhere. Not optional.
	count, err := s.sessions.RevokeAllByUser(ctx, user.ID, nil)
	if err != nil {
		return oops.Code("AUTH_UNAVAILABLE").
			With("operation", "revoke sessions after reset").
			Wrap(err)
	}

	RecordSessionsRevoked(RevokeReasonPasswordReset, count)
	slog.Info("password reset completed",
		"user_id", user.ID.String(),
		"sessions_revoked", count,
	)
	return nil
}

// Close drains in-flight mail dispatches. Returns the context error if
// it expires first.
func (s *Service) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.dispatches.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return oops.Code("AUTH_CLOSE_TIMEOUT").
			With("operation", "drain mail dispatches").
			Wrap(ctx.Err())
	}
}

// consumeCode consumes a one-time code, passing the caller-facing
// outcomes through and wrapping storage failures as unavailable.
func (s *Service) consumeCode(ctx context.Context, userID ulid.ULID, purpose CodePurpose, code string) error {
	err := s.codes.Consume(ctx, userID, purpose, code)
	if err == nil {
		return nil
	}
	if oopsErr, ok := oops.AsOops(err); ok {
		switch oopsErr.Code() {
		case "AUTH_CODE_INVALID", "AUTH_CODE_EXPIRED":
			return err //nolint:wrapcheck // Already carries the boundary code
		}
	}
	return oops.Code("AUTH_UNAVAILABLE").
		With("operation", "consume code").
		With("purpose", string(purpose)).
		Wrap(err)
}

// userByEmail normalizes the address and loads the user. Callers handle
// ErrNotFound; other failures are wrapped as unavailable.
func (s *Service) userByEmail(ctx context.Context, email string) (*User, error) {
	user, err := s.users.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err //nolint:wrapcheck // Sentinel for callers to branch on
		}
		return nil, oops.Code("AUTH_UNAVAILABLE").
			With("operation", "get user by email").
			Wrap(err)
	}
	return user, nil
}

// dispatchCode delivers a code asynchronously. Delivery runs detached
// from the request so registration and reset responses do not wait on
// SMTP, and a failure never surfaces to the caller.
func (s *Service) dispatchCode(ctx context.Context, email string, purpose CodePurpose, code string) {
	// Keep request-scoped values (trace IDs) but not the request deadline.
	detached := context.WithoutCancel(ctx)

	s.dispatches.Add(1)
	go func() {
		defer s.dispatches.Done()

		sendCtx, cancel := context.WithTimeout(detached, mailDispatchTimeout)
		defer cancel()

		if err := s.mailer.SendCode(sendCtx, email, purpose, code); err != nil {
			slog.Error("code delivery failed",
				"purpose", string(purpose),
				"error", err,
			)
		}
	}()
}
