// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Token configuration.
const (
	DefaultAccessTokenTTL = 24 * time.Hour
	RefreshSecretBytes    = 32 // 32 bytes = 64 hex chars
	MinSigningKeyBytes    = 32 // HS256 keys below this are rejected
	accessTokenIssuer     = "keyfold"
)

// AccessClaims are the verified contents of an access token.
type AccessClaims struct {
	UserID    ulid.ULID
	SessionID ulid.ULID
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// accessTokenClaims is the JWT wire form of AccessClaims.
type accessTokenClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies signed access tokens.
// Access tokens are stateless: verification checks signature and expiry
// only and never consults session storage.
type TokenIssuer struct {
	signingKey []byte
	ttl        time.Duration
}

// NewTokenIssuer creates a TokenIssuer with the given HS256 signing key.
// A non-positive ttl falls back to DefaultAccessTokenTTL.
func NewTokenIssuer(signingKey []byte, ttl time.Duration) (*TokenIssuer, error) {
	if len(signingKey) < MinSigningKeyBytes {
		return nil, oops.Code("AUTH_WEAK_SIGNING_KEY").
			With("min_bytes", MinSigningKeyBytes).
			Errorf("signing key must be at least %d bytes", MinSigningKeyBytes)
	}
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}
	return &TokenIssuer{signingKey: signingKey, ttl: ttl}, nil
}

// AccessTokenTTL returns the configured access token lifetime.
func (t *TokenIssuer) AccessTokenTTL() time.Duration {
	return t.ttl
}

// IssueAccessToken signs a new access token for the user and session.
// Returns the compact token and its expiry.
func (t *TokenIssuer) IssueAccessToken(userID, sessionID ulid.ULID) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(t.ttl)

	claims := accessTokenClaims{
		SessionID: sessionID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    accessTokenIssuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        ulid.Make().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.signingKey)
	if err != nil {
		return "", time.Time{}, oops.Code("AUTH_TOKEN_SIGN_FAILED").
			With("operation", "sign access token").
			Wrap(err)
	}

	return signed, expiresAt, nil
}

// VerifyAccessToken checks signature and expiry and returns the claims:
//   - AUTH_TOKEN_EXPIRED when the token is past its expiry
//   - AUTH_TOKEN_INVALID for any other verification failure
func (t *TokenIssuer) VerifyAccessToken(tokenString string) (*AccessClaims, error) {
	if tokenString == "" {
		return nil, oops.Code("AUTH_TOKEN_INVALID").Errorf("access token cannot be empty")
	}

	var claims accessTokenClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims,
		func(_ *jwt.Token) (any, error) {
			return t.signingKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(accessTokenIssuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, oops.Code("AUTH_TOKEN_EXPIRED").Errorf("access token has expired")
		}
		return nil, oops.Code("AUTH_TOKEN_INVALID").Errorf("access token is invalid")
	}

	userID, err := ulid.Parse(claims.Subject)
	if err != nil {
		return nil, oops.Code("AUTH_TOKEN_INVALID").Errorf("access token is invalid")
	}
	sessionID, err := ulid.Parse(claims.SessionID)
	if err != nil {
		return nil, oops.Code("AUTH_TOKEN_INVALID").Errorf("access token is invalid")
	}

	return &AccessClaims{
		UserID:    userID,
		SessionID: sessionID,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// GenerateRefreshSecret creates a secure random refresh token and its hash.
// Returns (plaintext_token, sha256_hash, error).
// The plaintext token is sent to the client; only the hash is stored.
func GenerateRefreshSecret() (token, hash string, err error) {
	tokenBytes := make([]byte, RefreshSecretBytes)
	if _, err = rand.Read(tokenBytes); err != nil {
		return "", "", oops.Code("AUTH_REFRESH_GENERATE_FAILED").
			With("operation", "crypto/rand.Read").
			With("requested_bytes", RefreshSecretBytes).
			Wrap(err)
	}

	token = hex.EncodeToString(tokenBytes)
	hash = HashRefreshSecret(token)

	return token, hash, nil
}

// HashRefreshSecret computes the SHA256 hash of a refresh token.
// This is used to securely store tokens in the database.
func HashRefreshSecret(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// VerifyRefreshSecret checks if the plaintext token matches the stored hash.
// Uses constant-time comparison to prevent timing attacks.
func VerifyRefreshSecret(token, hash string) bool {
	if token == "" || hash == "" {
		return false
	}
	computed := HashRefreshSecret(token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}
