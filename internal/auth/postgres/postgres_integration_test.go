// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

//go:build integration

package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/keyfold/keyfold/internal/auth"
	"github.com/keyfold/keyfold/internal/auth/postgres"
	"github.com/keyfold/keyfold/internal/database"
)

// testPool is the shared database pool for integration tests.
var testPool *pgxpool.Pool

// TestMain sets up a PostgreSQL testcontainer for integration tests.
func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("keyfold_test"),
		tcpostgres.WithUsername("keyfold"),
		tcpostgres.WithPassword("keyfold"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		panic("failed to start postgres container: " + err.Error())
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		panic("failed to get connection string: " + err.Error())
	}

	migrator, err := database.NewMigrator(connStr)
	if err != nil {
		_ = container.Terminate(ctx)
		panic("failed to create migrator: " + err.Error())
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		_ = container.Terminate(ctx)
		panic("failed to run migrations: " + err.Error())
	}
	if err := migrator.Close(); err != nil {
		_ = container.Terminate(ctx)
		panic("failed to close migrator: " + err.Error())
	}

	pool, err := database.Connect(ctx, connStr)
	if err != nil {
		_ = container.Terminate(ctx)
		panic("failed to create pool: " + err.Error())
	}

	testPool = pool
	code := m.Run()

	pool.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

// createTestUser inserts a user row for repository tests.
func createTestUser(ctx context.Context, t *testing.T, email string) ulid.ULID {
	t.Helper()
	userID := ulid.Make()
	_, err := testPool.Exec(ctx, `
		INSERT INTO users (id, email, password_hash, email_verified, created_at, updated_at)
		VALUES ($1, $2, 'testhash', TRUE, NOW(), NOW())
	`, userID.String(), email)
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = testPool.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID.String())
	})

	return userID
}

// createTestSession inserts a session row owned by userID.
func createTestSession(ctx context.Context, t *testing.T, repo *postgres.SessionRepository, userID ulid.ULID, refreshHash string, expiresAt time.Time) *auth.Session {
	t.Helper()
	session, err := auth.NewSession(userID, refreshHash, "integration test", expiresAt)
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, session))

	t.Cleanup(func() {
		_, _ = testPool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, session.ID.String())
	})

	return session
}

func TestUserRepository_Integration(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewUserRepository(testPool)

	t.Run("create and fetch round trip", func(t *testing.T) {
		user, err := auth.NewUser("round-trip@example.com", "$argon2id$v=19$m=65536,t=1,p=4$c$h")
		require.NoError(t, err)
		require.NoError(t, repo.Create(ctx, user))

		t.Cleanup(func() {
			_, _ = testPool.Exec(ctx, `DELETE FROM users WHERE id = $1`, user.ID.String())
		})

		stored, err := repo.GetByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, user.Email, stored.Email)
		assert.Equal(t, user.PasswordHash, stored.PasswordHash)
		assert.False(t, stored.EmailVerified)
	})

	t.Run("email uniqueness is case-insensitive", func(t *testing.T) {
		first, err := auth.NewUser("casing@example.com", "hash-1")
		require.NoError(t, err)
		require.NoError(t, repo.Create(ctx, first))

		t.Cleanup(func() {
			_, _ = testPool.Exec(ctx, `DELETE FROM users WHERE id = $1`, first.ID.String())
		})

		second := &auth.User{
			ID:           ulid.Make(),
			Email:        "CASING@example.com",
			PasswordHash: "hash-2",
			CreatedAt:    time.Now(),
			UpdatedAt:    time.Now(),
		}
		err = repo.Create(ctx, second)
		assert.ErrorIs(t, err, auth.ErrEmailTaken)
	})

	t.Run("lookup by email ignores case", func(t *testing.T) {
		userID := createTestUser(ctx, t, "lookup@example.com")

		stored, err := repo.GetByEmail(ctx, "LOOKUP@EXAMPLE.COM")
		require.NoError(t, err)
		assert.Equal(t, userID, stored.ID)
	})

	t.Run("mark verified persists", func(t *testing.T) {
		user, err := auth.NewUser("verifyme@example.com", "hash")
		require.NoError(t, err)
		require.NoError(t, repo.Create(ctx, user))

		t.Cleanup(func() {
			_, _ = testPool.Exec(ctx, `DELETE FROM users WHERE id = $1`, user.ID.String())
		})

		require.NoError(t, repo.MarkEmailVerified(ctx, user.ID))

		stored, err := repo.GetByID(ctx, user.ID)
		require.NoError(t, err)
		assert.True(t, stored.EmailVerified)
	})

	t.Run("password update persists", func(t *testing.T) {
		userID := createTestUser(ctx, t, "newpass@example.com")

		require.NoError(t, repo.UpdatePassword(ctx, userID, "rotated-hash"))

		stored, err := repo.GetByID(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, "rotated-hash", stored.PasswordHash)
	})
}

func TestCodeRepository_Integration(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewCodeRepository(testPool)

	t.Run("new code retires the previous one", func(t *testing.T) {
		userID := createTestUser(ctx, t, "code-reissue@example.com")

		first, err := auth.NewOneTimeCode(userID, auth.PurposeEmailVerify, "hash-1", time.Now().Add(15*time.Minute))
		require.NoError(t, err)
		require.NoError(t, repo.Create(ctx, first))

		second, err := auth.NewOneTimeCode(userID, auth.PurposeEmailVerify, "hash-2", time.Now().Add(15*time.Minute))
		require.NoError(t, err)
		require.NoError(t, repo.Create(ctx, second))

		active, err := repo.GetActive(ctx, userID, auth.PurposeEmailVerify)
		require.NoError(t, err)
		assert.Equal(t, second.ID, active.ID)
		assert.Equal(t, "hash-2", active.CodeHash)
	})

	t.Run("purposes are independent", func(t *testing.T) {
		userID := createTestUser(ctx, t, "code-purposes@example.com")

		verify, err := auth.NewOneTimeCode(userID, auth.PurposeEmailVerify, "verify-hash", time.Now().Add(15*time.Minute))
		require.NoError(t, err)
		require.NoError(t, repo.Create(ctx, verify))

		reset, err := auth.NewOneTimeCode(userID, auth.PurposePasswordReset, "reset-hash", time.Now().Add(15*time.Minute))
		require.NoError(t, err)
		require.NoError(t, repo.Create(ctx, reset))

		activeVerify, err := repo.GetActive(ctx, userID, auth.PurposeEmailVerify)
		require.NoError(t, err)
		assert.Equal(t, verify.ID, activeVerify.ID)

		activeReset, err := repo.GetActive(ctx, userID, auth.PurposePasswordReset)
		require.NoError(t, err)
		assert.Equal(t, reset.ID, activeReset.ID)
	})

	t.Run("consume is exactly-once", func(t *testing.T) {
		userID := createTestUser(ctx, t, "code-consume@example.com")

		code, err := auth.NewOneTimeCode(userID, auth.PurposeEmailVerify, "consume-hash", time.Now().Add(15*time.Minute))
		require.NoError(t, err)
		require.NoError(t, repo.Create(ctx, code))

		require.NoError(t, repo.Consume(ctx, code.ID))

		err = repo.Consume(ctx, code.ID)
		assert.ErrorIs(t, err, auth.ErrNotFound)

		_, err = repo.GetActive(ctx, userID, auth.PurposeEmailVerify)
		assert.ErrorIs(t, err, auth.ErrNotFound)
	})

	t.Run("delete expired removes consumed and stale codes", func(t *testing.T) {
		userID := createTestUser(ctx, t, "code-sweep@example.com")

		stale, err := auth.NewOneTimeCode(userID, auth.PurposeEmailVerify, "stale-hash", time.Now().Add(-time.Hour))
		require.NoError(t, err)
		require.NoError(t, repo.Create(ctx, stale))

		live, err := auth.NewOneTimeCode(userID, auth.PurposePasswordReset, "live-hash", time.Now().Add(15*time.Minute))
		require.NoError(t, err)
		require.NoError(t, repo.Create(ctx, live))

		count, err := repo.DeleteExpired(ctx, time.Now())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, count, int64(1))

		_, err = repo.GetActive(ctx, userID, auth.PurposeEmailVerify)
		assert.ErrorIs(t, err, auth.ErrNotFound)

		active, err := repo.GetActive(ctx, userID, auth.PurposePasswordReset)
		require.NoError(t, err)
		assert.Equal(t, live.ID, active.ID)
	})
}

func TestSessionRepository_Integration(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewSessionRepository(testPool)

	t.Run("create and fetch by token hash", func(t *testing.T) {
		userID := createTestUser(ctx, t, "session-create@example.com")
		hash := "hash-" + ulid.Make().String()
		session := createTestSession(ctx, t, repo, userID, hash, time.Now().Add(time.Hour))

		stored, err := repo.GetByTokenHash(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, session.ID, stored.ID)
		assert.Equal(t, userID, stored.UserID)
		assert.False(t, stored.Revoked)
	})

	t.Run("revoked sessions are still findable by hash", func(t *testing.T) {
		userID := createTestUser(ctx, t, "session-revoked-find@example.com")
		hash := "hash-" + ulid.Make().String()
		session := createTestSession(ctx, t, repo, userID, hash, time.Now().Add(time.Hour))

		require.NoError(t, repo.Revoke(ctx, session.ID))

		stored, err := repo.GetByTokenHash(ctx, hash)
		require.NoError(t, err)
		assert.True(t, stored.Revoked)
	})

	t.Run("rotate swaps hash and extends expiry", func(t *testing.T) {
		userID := createTestUser(ctx, t, "session-rotate@example.com")
		oldHash := "hash-" + ulid.Make().String()
		newHash := "hash-" + ulid.Make().String()
		session := createTestSession(ctx, t, repo, userID, oldHash, time.Now().Add(time.Hour))

		newExpiry := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Microsecond)
		require.NoError(t, repo.Rotate(ctx, session.ID, oldHash, newHash, newExpiry))

		_, err := repo.GetByTokenHash(ctx, oldHash)
		assert.ErrorIs(t, err, auth.ErrNotFound)

		stored, err := repo.GetByTokenHash(ctx, newHash)
		require.NoError(t, err)
		assert.Equal(t, session.ID, stored.ID)
		assert.Equal(t, newExpiry, stored.ExpiresAt.UTC().Truncate(time.Microsecond))
	})

	t.Run("rotate with stale hash reports conflict", func(t *testing.T) {
		userID := createTestUser(ctx, t, "session-stale@example.com")
		oldHash := "hash-" + ulid.Make().String()
		session := createTestSession(ctx, t, repo, userID, oldHash, time.Now().Add(time.Hour))

		require.NoError(t, repo.Rotate(ctx, session.ID, oldHash, "hash-next", time.Now().Add(time.Hour)))

		err := repo.Rotate(ctx, session.ID, oldHash, "hash-replayed", time.Now().Add(time.Hour))
		assert.ErrorIs(t, err, auth.ErrRotationConflict)
	})

	t.Run("rotate on revoked session reports conflict", func(t *testing.T) {
		userID := createTestUser(ctx, t, "session-rotate-revoked@example.com")
		hash := "hash-" + ulid.Make().String()
		session := createTestSession(ctx, t, repo, userID, hash, time.Now().Add(time.Hour))

		require.NoError(t, repo.Revoke(ctx, session.ID))

		err := repo.Rotate(ctx, session.ID, hash, "hash-next", time.Now().Add(time.Hour))
		assert.ErrorIs(t, err, auth.ErrRotationConflict)
	})

	t.Run("rotate on missing session reports not found", func(t *testing.T) {
		err := repo.Rotate(ctx, ulid.Make(), "hash-any", "hash-next", time.Now().Add(time.Hour))
		assert.ErrorIs(t, err, auth.ErrNotFound)
	})

	t.Run("exactly one concurrent rotation wins", func(t *testing.T) {
		userID := createTestUser(ctx, t, "session-race@example.com")
		oldHash := "hash-" + ulid.Make().String()
		session := createTestSession(ctx, t, repo, userID, oldHash, time.Now().Add(time.Hour))

		var wg sync.WaitGroup
		results := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				results[n] = repo.Rotate(ctx, session.ID, oldHash, "hash-winner-"+ulid.Make().String(), time.Now().Add(time.Hour))
			}(i)
		}
		wg.Wait()

		var wins, conflicts int
		for _, err := range results {
			switch {
			case err == nil:
				wins++
			default:
				require.ErrorIs(t, err, auth.ErrRotationConflict)
				conflicts++
			}
		}
		assert.Equal(t, 1, wins, "exactly one rotation should win")
		assert.Equal(t, 1, conflicts, "the loser should observe a conflict")
	})

	t.Run("list active excludes revoked and expired", func(t *testing.T) {
		userID := createTestUser(ctx, t, "session-list@example.com")

		live := createTestSession(ctx, t, repo, userID, "hash-live-"+ulid.Make().String(), time.Now().Add(time.Hour))
		revoked := createTestSession(ctx, t, repo, userID, "hash-revoked-"+ulid.Make().String(), time.Now().Add(time.Hour))
		require.NoError(t, repo.Revoke(ctx, revoked.ID))
		createTestSession(ctx, t, repo, userID, "hash-expired-"+ulid.Make().String(), time.Now().Add(-time.Minute))

		sessions, err := repo.ListActiveByUser(ctx, userID)
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.Equal(t, live.ID, sessions[0].ID)
	})

	t.Run("revoke all spares the exception", func(t *testing.T) {
		userID := createTestUser(ctx, t, "session-revoke-all@example.com")

		keep := createTestSession(ctx, t, repo, userID, "hash-keep-"+ulid.Make().String(), time.Now().Add(time.Hour))
		createTestSession(ctx, t, repo, userID, "hash-a-"+ulid.Make().String(), time.Now().Add(time.Hour))
		createTestSession(ctx, t, repo, userID, "hash-b-"+ulid.Make().String(), time.Now().Add(time.Hour))

		count, err := repo.RevokeAllByUser(ctx, userID, &keep.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)

		sessions, err := repo.ListActiveByUser(ctx, userID)
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.Equal(t, keep.ID, sessions[0].ID)
	})

	t.Run("cross-user revoke reports not found", func(t *testing.T) {
		aliceID := createTestUser(ctx, t, "session-alice@example.com")
		malloryID := createTestUser(ctx, t, "session-mallory@example.com")
		session := createTestSession(ctx, t, repo, aliceID, "hash-alice-"+ulid.Make().String(), time.Now().Add(time.Hour))

		err := repo.RevokeUserSession(ctx, malloryID, session.ID)
		assert.ErrorIs(t, err, auth.ErrNotFound)

		stored, err := repo.GetByID(ctx, session.ID)
		require.NoError(t, err)
		assert.False(t, stored.Revoked)
	})

	t.Run("delete expired removes only stale sessions", func(t *testing.T) {
		userID := createTestUser(ctx, t, "session-sweep@example.com")

		stale := createTestSession(ctx, t, repo, userID, "hash-stale-"+ulid.Make().String(), time.Now().Add(-time.Hour))
		live := createTestSession(ctx, t, repo, userID, "hash-alive-"+ulid.Make().String(), time.Now().Add(time.Hour))

		count, err := repo.DeleteExpired(ctx, time.Now())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, count, int64(1))

		_, err = repo.GetByID(ctx, stale.ID)
		assert.ErrorIs(t, err, auth.ErrNotFound)

		stored, err := repo.GetByID(ctx, live.ID)
		require.NoError(t, err)
		assert.Equal(t, live.ID, stored.ID)
	})
}
