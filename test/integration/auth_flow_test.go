// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

//go:build integration

// Package integration provides end-to-end integration tests for keyfold.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/keyfold/keyfold/internal/auth"
	"github.com/keyfold/keyfold/internal/auth/authtest"
	authpg "github.com/keyfold/keyfold/internal/auth/postgres"
	"github.com/keyfold/keyfold/internal/database"
	"github.com/keyfold/keyfold/internal/httpapi"
)

// testEnv holds all the resources needed for integration tests.
type testEnv struct {
	ctx       context.Context
	cancel    context.CancelFunc
	container testcontainers.Container
	connStr   string
	pool      *pgxpool.Pool
	users     auth.UserRepository
	sessions  auth.SessionRepository
	svc       *auth.Service
	tokens    *auth.TokenIssuer
	mailer    *authtest.RecorderMailer
	api       *httpapi.Server
	baseURL   string
	client    *http.Client
}

// setupTestEnv starts PostgreSQL, migrates it, and serves the API on a
// random port.
func setupTestEnv(cfg auth.ServiceConfig) (*testEnv, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	env := &testEnv{
		ctx:    ctx,
		cancel: cancel,
		client: &http.Client{Timeout: 5 * time.Second},
	}

	container, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("keyfold_test"),
		postgres.WithUsername("keyfold"),
		postgres.WithPassword("keyfold"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		cancel()
		return nil, err
	}
	env.container = container

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		env.cleanup()
		return nil, err
	}
	env.connStr = connStr

	migrator, err := database.NewMigrator(connStr)
	if err != nil {
		env.cleanup()
		return nil, err
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		env.cleanup()
		return nil, err
	}
	_ = migrator.Close()

	env.pool, err = database.Connect(ctx, connStr)
	if err != nil {
		env.cleanup()
		return nil, err
	}

	env.tokens, err = auth.NewTokenIssuer([]byte(strings.Repeat("k", auth.MinSigningKeyBytes)), time.Hour)
	if err != nil {
		env.cleanup()
		return nil, err
	}

	env.users = authpg.NewUserRepository(env.pool)
	env.sessions = authpg.NewSessionRepository(env.pool)
	env.mailer = authtest.NewRecorderMailer()

	env.svc = auth.NewService(
		env.users,
		env.sessions,
		auth.NewCodeService(authpg.NewCodeRepository(env.pool), 15*time.Minute),
		auth.NewArgon2idHasher(),
		env.tokens,
		env.mailer,
		cfg,
	)

	env.api = httpapi.NewServer(env.svc, env.tokens, httpapi.Options{Addr: "127.0.0.1:0"})
	if _, err := env.api.Start(); err != nil {
		env.cleanup()
		return nil, err
	}
	env.baseURL = "http://" + env.api.Addr()

	return env, nil
}

// cleanup releases all test resources.
func (env *testEnv) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if env.api != nil {
		_ = env.api.Stop(ctx)
	}

	if env.svc != nil {
		_ = env.svc.Close(ctx)
	}

	if env.pool != nil {
		env.pool.Close()
	}

	if env.container != nil {
		_ = env.container.Terminate(ctx)
	}

	env.cancel()
}

// request sends a JSON request and returns the response with its body
// read and closed.
func (env *testEnv) request(method, path, bearer string, payload any) (*http.Response, []byte) {
	GinkgoHelper()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		Expect(err).NotTo(HaveOccurred())
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(env.ctx, method, env.baseURL+path, body)
	Expect(err).NotTo(HaveOccurred())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := env.client.Do(req)
	Expect(err).NotTo(HaveOccurred())
	data, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	Expect(resp.Body.Close()).To(Succeed())

	return resp, data
}

// codeFor waits for in-flight mail and returns the latest code sent to
// the address.
func (env *testEnv) codeFor(email string, purpose auth.CodePurpose) string {
	GinkgoHelper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	Expect(env.svc.Close(ctx)).To(Succeed())

	code := env.mailer.LastCode(auth.NormalizeEmail(email), purpose)
	Expect(code).NotTo(BeEmpty(), "no %s code was mailed to %s", purpose, email)
	return code
}

// registerVerified provisions a verified account over the API.
func (env *testEnv) registerVerified(email, password string) {
	GinkgoHelper()

	resp, _ := env.request(http.MethodPost, "/v1/auth/register", "", map[string]string{
		"email":    email,
		"password": password,
	})
	Expect(resp.StatusCode).To(Equal(http.StatusCreated))

	code := env.codeFor(email, auth.PurposeEmailVerify)
	resp, _ = env.request(http.MethodPost, "/v1/auth/verify-email", "", map[string]string{
		"email": email,
		"code":  code,
	})
	Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
}

// login returns the decoded token response for an account.
func (env *testEnv) login(email, password, deviceLabel string) map[string]any {
	GinkgoHelper()

	resp, body := env.request(http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email":        email,
		"password":     password,
		"device_label": deviceLabel,
	})
	Expect(resp.StatusCode).To(Equal(http.StatusOK), "login failed: %s", string(body))

	var tokens map[string]any
	Expect(json.Unmarshal(body, &tokens)).To(Succeed())
	return tokens
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

var _ = Describe("Keyfold API", func() {
	var env *testEnv

	BeforeEach(func() {
		var err error
		env, err = setupTestEnv(auth.ServiceConfig{})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		env.cleanup()
	})

	Describe("Schema Migrations", func() {
		It("applies every migration and reports a clean version", func() {
			migrator, err := database.NewMigrator(env.connStr)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = migrator.Close() }()

			version, dirty, err := migrator.Version()
			Expect(err).NotTo(HaveOccurred())
			Expect(dirty).To(BeFalse())
			Expect(version).To(BeNumerically(">", 0))

			pending, err := migrator.PendingMigrations()
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeEmpty())
		})
	})

	Describe("Account Lifecycle", func() {
		It("completes the register, verify, login workflow", func() {
			email := "ada@example.com"
			password := "correct horse battery staple"

			By("registering a new account")
			resp, _ := env.request(http.MethodPost, "/v1/auth/register", "", map[string]string{
				"email":    email,
				"password": password,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			By("refusing login before the address is verified")
			resp, body := env.request(http.MethodPost, "/v1/auth/login", "", map[string]string{
				"email":    email,
				"password": password,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
			Expect(string(body)).To(ContainSubstring("AUTH_EMAIL_NOT_VERIFIED"))

			By("verifying the address with the mailed code")
			code := env.codeFor(email, auth.PurposeEmailVerify)
			resp, _ = env.request(http.MethodPost, "/v1/auth/verify-email", "", map[string]string{
				"email": email,
				"code":  code,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			By("logging in")
			tokens := env.login(email, password, "laptop")
			access := asString(tokens["access_token"])
			Expect(access).NotTo(BeEmpty())
			Expect(asString(tokens["refresh_token"])).NotTo(BeEmpty())
			Expect(asString(tokens["token_type"])).To(Equal("Bearer"))

			By("using the access token to list sessions")
			resp, body = env.request(http.MethodGet, "/v1/sessions", access, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var listing struct {
				Sessions []struct {
					ID          string `json:"id"`
					DeviceLabel string `json:"device_label"`
					Current     bool   `json:"current"`
				} `json:"sessions"`
			}
			Expect(json.Unmarshal(body, &listing)).To(Succeed())
			Expect(listing.Sessions).To(HaveLen(1))
			Expect(listing.Sessions[0].Current).To(BeTrue())
			Expect(listing.Sessions[0].DeviceLabel).To(Equal("laptop"))

			By("matching the token claims against the stored session")
			claims, err := env.tokens.VerifyAccessToken(access)
			Expect(err).NotTo(HaveOccurred())
			Expect(claims.SessionID.String()).To(Equal(listing.Sessions[0].ID))
		})

		It("rejects a duplicate registration", func() {
			env.registerVerified("ada@example.com", "correct horse battery staple")

			resp, body := env.request(http.MethodPost, "/v1/auth/register", "", map[string]string{
				"email":    "ada@example.com",
				"password": "another long password",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			Expect(string(body)).To(ContainSubstring("AUTH_EMAIL_TAKEN"))
		})
	})

	Describe("Static Refresh", func() {
		It("mints a new access token without rotating a young session", func() {
			email := "grace@example.com"
			password := "long enough password"
			env.registerVerified(email, password)
			tokens := env.login(email, password, "")
			refresh := asString(tokens["refresh_token"])

			resp, body := env.request(http.MethodPost, "/v1/auth/refresh", "", map[string]string{
				"refresh_token": refresh,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var refreshed map[string]any
			Expect(json.Unmarshal(body, &refreshed)).To(Succeed())
			Expect(asString(refreshed["access_token"])).NotTo(BeEmpty())
			// Far from expiry the refresh token is left alone
			Expect(refreshed).NotTo(HaveKey("refresh_token"))

			// The same refresh token keeps working
			resp, _ = env.request(http.MethodPost, "/v1/auth/refresh", "", map[string]string{
				"refresh_token": refresh,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("Password Reset", func() {
		It("replaces the password and revokes every session", func() {
			email := "margaret@example.com"
			oldPassword := "the old password"
			newPassword := "the new password"

			env.registerVerified(email, oldPassword)
			tokens := env.login(email, oldPassword, "")
			refresh := asString(tokens["refresh_token"])

			By("requesting a reset code")
			resp, _ := env.request(http.MethodPost, "/v1/auth/password-reset/request", "", map[string]string{
				"email": email,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			By("confirming with the mailed code")
			code := env.codeFor(email, auth.PurposePasswordReset)
			resp, _ = env.request(http.MethodPost, "/v1/auth/password-reset/confirm", "", map[string]string{
				"email":        email,
				"code":         code,
				"new_password": newPassword,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			By("rejecting the pre-reset refresh token")
			resp, body := env.request(http.MethodPost, "/v1/auth/refresh", "", map[string]string{
				"refresh_token": refresh,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(string(body)).To(ContainSubstring("AUTH_TOKEN_INVALID"))

			By("rejecting the old password")
			resp, _ = env.request(http.MethodPost, "/v1/auth/login", "", map[string]string{
				"email":    email,
				"password": oldPassword,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))

			By("accepting the new password")
			env.login(email, newPassword, "")
		})

		It("answers unknown addresses exactly like known ones", func() {
			env.registerVerified("real@example.com", "a long password here")

			resp1, body1 := env.request(http.MethodPost, "/v1/auth/password-reset/request", "", map[string]string{
				"email": "real@example.com",
			})
			resp2, body2 := env.request(http.MethodPost, "/v1/auth/password-reset/request", "", map[string]string{
				"email": "nobody@example.com",
			})

			Expect(resp1.StatusCode).To(Equal(http.StatusAccepted))
			Expect(resp2.StatusCode).To(Equal(http.StatusAccepted))
			Expect(string(body1)).To(MatchJSON(string(body2)))
		})
	})

	Describe("Session Management", func() {
		It("lists and revokes sessions across devices", func() {
			email := "katherine@example.com"
			password := "a long password here"
			env.registerVerified(email, password)

			env.login(email, password, "laptop")
			env.login(email, password, "phone")
			current := env.login(email, password, "tablet")
			access := asString(current["access_token"])

			By("listing all three sessions")
			resp, body := env.request(http.MethodGet, "/v1/sessions", access, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var listing struct {
				Sessions []struct {
					ID          string `json:"id"`
					DeviceLabel string `json:"device_label"`
					Current     bool   `json:"current"`
				} `json:"sessions"`
			}
			Expect(json.Unmarshal(body, &listing)).To(Succeed())
			Expect(listing.Sessions).To(HaveLen(3))

			By("revoking the laptop session by ID")
			var laptopID string
			for _, s := range listing.Sessions {
				if s.DeviceLabel == "laptop" {
					laptopID = s.ID
				}
			}
			Expect(laptopID).NotTo(BeEmpty())
			resp, _ = env.request(http.MethodDelete, "/v1/sessions/"+laptopID, access, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			By("revoking the remaining other session")
			resp, body = env.request(http.MethodPost, "/v1/sessions/revoke-others", access, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var revoked struct {
				Revoked int64 `json:"revoked"`
			}
			Expect(json.Unmarshal(body, &revoked)).To(Succeed())
			Expect(revoked.Revoked).To(Equal(int64(1)))

			By("leaving only the caller's session active")
			resp, body = env.request(http.MethodGet, "/v1/sessions", access, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(json.Unmarshal(body, &listing)).To(Succeed())
			Expect(listing.Sessions).To(HaveLen(1))
			Expect(listing.Sessions[0].Current).To(BeTrue())
		})

		It("deletes expired sessions from the database", func() {
			email := "dorothy@example.com"
			env.registerVerified(email, "a long password here")

			user, err := env.users.GetByEmail(env.ctx, auth.NormalizeEmail(email))
			Expect(err).NotTo(HaveOccurred())

			now := time.Now().UTC()
			expired := &auth.Session{
				ID:          ulid.Make(),
				UserID:      user.ID,
				RefreshHash: strings.Repeat("0", 64),
				ExpiresAt:   now.Add(-time.Hour),
				CreatedAt:   now.Add(-2 * time.Hour),
				LastUsedAt:  now.Add(-2 * time.Hour),
			}
			Expect(env.sessions.Create(env.ctx, expired)).To(Succeed())

			deleted, err := env.sessions.DeleteExpired(env.ctx, now)
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted).To(BeNumerically(">=", 1))

			_, err = env.sessions.GetByID(env.ctx, expired.ID)
			Expect(err).To(MatchError(auth.ErrNotFound))
		})
	})
})

var _ = Describe("Refresh Rotation", func() {
	var env *testEnv

	BeforeEach(func() {
		var err error
		// A rotation window wider than the session TTL forces every
		// refresh to rotate.
		env, err = setupTestEnv(auth.ServiceConfig{
			SessionTTL:     time.Hour,
			RotationWindow: 2 * time.Hour,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		env.cleanup()
	})

	It("rotates the refresh token and kills the session on reuse", func() {
		email := "ada@example.com"
		password := "correct horse battery staple"
		env.registerVerified(email, password)
		tokens := env.login(email, password, "")
		oldRefresh := asString(tokens["refresh_token"])

		By("rotating on refresh")
		resp, body := env.request(http.MethodPost, "/v1/auth/refresh", "", map[string]string{
			"refresh_token": oldRefresh,
		})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var rotated map[string]any
		Expect(json.Unmarshal(body, &rotated)).To(Succeed())
		newRefresh := asString(rotated["refresh_token"])
		Expect(newRefresh).NotTo(BeEmpty())
		Expect(newRefresh).NotTo(Equal(oldRefresh))

		By("treating replay of the rotated-out token as compromise")
		resp, body = env.request(http.MethodPost, "/v1/auth/refresh", "", map[string]string{
			"refresh_token": oldRefresh,
		})
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		Expect(string(body)).To(ContainSubstring("AUTH_TOKEN_INVALID"))

		By("rejecting the current token for the revoked session")
		resp, _ = env.request(http.MethodPost, "/v1/auth/refresh", "", map[string]string{
			"refresh_token": newRefresh,
		})
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
	})
})
