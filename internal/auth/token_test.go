// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth_test

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/keyfold/internal/auth"
	"github.com/keyfold/keyfold/pkg/errutil"
)

var testSigningKey = []byte(strings.Repeat("k", auth.MinSigningKeyBytes))

// craftToken signs arbitrary claims with the test key so verification
// failure paths can be exercised with full control over the payload.
func craftToken(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestNewTokenIssuer(t *testing.T) {
	t.Run("accepts key at minimum length", func(t *testing.T) {
		issuer, err := auth.NewTokenIssuer(testSigningKey, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, time.Hour, issuer.AccessTokenTTL())
	})

	t.Run("rejects short key", func(t *testing.T) {
		_, err := auth.NewTokenIssuer([]byte("tooshort"), time.Hour)
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "AUTH_WEAK_SIGNING_KEY")
	})

	t.Run("non-positive ttl falls back to default", func(t *testing.T) {
		issuer, err := auth.NewTokenIssuer(testSigningKey, 0)
		require.NoError(t, err)
		assert.Equal(t, auth.DefaultAccessTokenTTL, issuer.AccessTokenTTL())
	})
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	issuer, err := auth.NewTokenIssuer(testSigningKey, time.Hour)
	require.NoError(t, err)

	userID := ulid.Make()
	sessionID := ulid.Make()

	t.Run("round trip preserves identities", func(t *testing.T) {
		token, expiresAt, err := issuer.IssueAccessToken(userID, sessionID)
		require.NoError(t, err)
		assert.NotEmpty(t, token)
		assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

		claims, err := issuer.VerifyAccessToken(token)
		require.NoError(t, err)
		assert.Equal(t, userID, claims.UserID)
		assert.Equal(t, sessionID, claims.SessionID)
		assert.False(t, claims.IssuedAt.IsZero())
		assert.WithinDuration(t, expiresAt, claims.ExpiresAt, time.Second)
	})

	t.Run("tokens are unique per issuance", func(t *testing.T) {
		token1, _, err := issuer.IssueAccessToken(userID, sessionID)
		require.NoError(t, err)
		token2, _, err := issuer.IssueAccessToken(userID, sessionID)
		require.NoError(t, err)
		assert.NotEqual(t, token1, token2)
	})
}

func TestVerifyAccessToken_Failures(t *testing.T) {
	issuer, err := auth.NewTokenIssuer(testSigningKey, time.Hour)
	require.NoError(t, err)

	validSub := ulid.Make().String()
	validSid := ulid.Make().String()

	t.Run("rejects empty token", func(t *testing.T) {
		_, err := issuer.VerifyAccessToken("")
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "AUTH_TOKEN_INVALID")
	})

	t.Run("rejects garbage token", func(t *testing.T) {
		_, err := issuer.VerifyAccessToken("not.a.jwt")
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "AUTH_TOKEN_INVALID")
	})

	t.Run("rejects token signed with different key", func(t *testing.T) {
		otherKey := []byte(strings.Repeat("x", auth.MinSigningKeyBytes))
		token := craftToken(t, jwt.SigningMethodHS256, otherKey, jwt.MapClaims{
			"iss": "keyfold",
			"sub": validSub,
			"sid": validSid,
			"iat": jwt.NewNumericDate(time.Now()),
			"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})

		_, err := issuer.VerifyAccessToken(token)
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "AUTH_TOKEN_INVALID")
	})

	t.Run("rejects unsigned token", func(t *testing.T) {
		token := craftToken(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, jwt.MapClaims{
			"iss": "keyfold",
			"sub": validSub,
			"sid": validSid,
			"iat": jwt.NewNumericDate(time.Now()),
			"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})

		_, err := issuer.VerifyAccessToken(token)
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "AUTH_TOKEN_INVALID")
	})

	t.Run("reports expired token distinctly", func(t *testing.T) {
		token := craftToken(t, jwt.SigningMethodHS256, testSigningKey, jwt.MapClaims{
			"iss": "keyfold",
			"sub": validSub,
			"sid": validSid,
			"iat": jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			"exp": jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		})

		_, err := issuer.VerifyAccessToken(token)
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "AUTH_TOKEN_EXPIRED")
	})

	t.Run("rejects wrong issuer", func(t *testing.T) {
		token := craftToken(t, jwt.SigningMethodHS256, testSigningKey, jwt.MapClaims{
			"iss": "someone-else",
			"sub": validSub,
			"sid": validSid,
			"iat": jwt.NewNumericDate(time.Now()),
			"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})

		_, err := issuer.VerifyAccessToken(token)
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "AUTH_TOKEN_INVALID")
	})

	t.Run("rejects token without expiry", func(t *testing.T) {
		token := craftToken(t, jwt.SigningMethodHS256, testSigningKey, jwt.MapClaims{
			"iss": "keyfold",
			"sub": validSub,
			"sid": validSid,
			"iat": jwt.NewNumericDate(time.Now()),
		})

		_, err := issuer.VerifyAccessToken(token)
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "AUTH_TOKEN_INVALID")
	})

	t.Run("rejects non-ULID subject", func(t *testing.T) {
		token := craftToken(t, jwt.SigningMethodHS256, testSigningKey, jwt.MapClaims{
			"iss": "keyfold",
			"sub": "42",
			"sid": validSid,
			"iat": jwt.NewNumericDate(time.Now()),
			"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})

		_, err := issuer.VerifyAccessToken(token)
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "AUTH_TOKEN_INVALID")
	})

	t.Run("rejects missing session claim", func(t *testing.T) {
		token := craftToken(t, jwt.SigningMethodHS256, testSigningKey, jwt.MapClaims{
			"iss": "keyfold",
			"sub": validSub,
			"iat": jwt.NewNumericDate(time.Now()),
			"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})

		_, err := issuer.VerifyAccessToken(token)
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "AUTH_TOKEN_INVALID")
	})
}

func TestGenerateRefreshSecret(t *testing.T) {
	t.Run("generates secure token", func(t *testing.T) {
		token, hash, err := auth.GenerateRefreshSecret()
		require.NoError(t, err)
		assert.Len(t, token, 64) // 32 bytes hex-encoded
		assert.Len(t, hash, 64)  // SHA256 hex-encoded
		assert.NotEqual(t, token, hash)
	})

	t.Run("generates unique tokens", func(t *testing.T) {
		token1, hash1, err := auth.GenerateRefreshSecret()
		require.NoError(t, err)

		token2, hash2, err := auth.GenerateRefreshSecret()
		require.NoError(t, err)

		assert.NotEqual(t, token1, token2)
		assert.NotEqual(t, hash1, hash2)
	})
}

func TestHashRefreshSecret(t *testing.T) {
	t.Run("produces consistent hash", func(t *testing.T) {
		assert.Equal(t, auth.HashRefreshSecret("token"), auth.HashRefreshSecret("token"))
	})

	t.Run("produces different hashes for different tokens", func(t *testing.T) {
		assert.NotEqual(t, auth.HashRefreshSecret("token1"), auth.HashRefreshSecret("token2"))
	})
}

func TestVerifyRefreshSecret(t *testing.T) {
	t.Run("verifies correct token", func(t *testing.T) {
		token, hash, err := auth.GenerateRefreshSecret()
		require.NoError(t, err)
		assert.True(t, auth.VerifyRefreshSecret(token, hash))
	})

	t.Run("rejects incorrect token", func(t *testing.T) {
		_, hash, err := auth.GenerateRefreshSecret()
		require.NoError(t, err)
		assert.False(t, auth.VerifyRefreshSecret("wrongtoken", hash))
	})

	t.Run("rejects empty token", func(t *testing.T) {
		assert.False(t, auth.VerifyRefreshSecret("", "somehash"))
	})

	t.Run("rejects empty hash", func(t *testing.T) {
		assert.False(t, auth.VerifyRefreshSecret("sometoken", ""))
	})
}
