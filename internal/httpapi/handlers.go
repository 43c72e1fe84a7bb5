// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"

	"github.com/keyfold/keyfold/internal/auth"
)

const (
	refreshCookieName = "keyfold_refresh"

	// refreshCookiePath scopes the cookie to the endpoints that
	// consume it, so it is not replayed on every API call.
	refreshCookiePath = "/v1/auth"
)

type registerRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type verifyEmailRequest struct {
	Email string `json:"email" binding:"required"`
	Code  string `json:"code" binding:"required"`
}

type emailRequest struct {
	Email string `json:"email" binding:"required"`
}

type loginRequest struct {
	Email       string `json:"email" binding:"required"`
	Password    string `json:"password" binding:"required"`
	DeviceLabel string `json:"device_label"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type resetConfirmRequest struct {
	Email       string `json:"email" binding:"required"`
	Code        string `json:"code" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type tokenResponse struct {
	TokenType        string    `json:"token_type"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type sessionResponse struct {
	ID          string    `json:"id"`
	DeviceLabel string    `json:"device_label,omitempty"`
	LastUsedAt  time.Time `json:"last_used_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Current     bool      `json:"current"`
}

type sessionsResponse struct {
	Sessions []sessionResponse `json:"sessions"`
}

type revokeOthersResponse struct {
	Revoked int64 `json:"revoked"`
}

func tokenResponseFrom(pair *auth.TokenPair) tokenResponse {
	return tokenResponse{
		TokenType:        "Bearer",
		AccessToken:      pair.AccessToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshToken:     pair.RefreshToken,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalidPayload(c)
		return
	}

	if err := s.svc.Register(c.Request.Context(), req.Email, req.Password); err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, messageResponse{Message: "verification code sent"})
}

func (s *Server) handleVerifyEmail(c *gin.Context) {
	var req verifyEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalidPayload(c)
		return
	}

	if err := s.svc.VerifyEmail(c.Request.Context(), req.Email, req.Code); err != nil {
		s.respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) handleResendVerification(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalidPayload(c)
		return
	}

	if err := s.svc.ResendVerification(c.Request.Context(), req.Email); err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, messageResponse{Message: "if the address is registered, a code has been sent"})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalidPayload(c)
		return
	}

	pair, err := s.svc.Login(c.Request.Context(), req.Email, req.Password, req.DeviceLabel)
	if err != nil {
		s.respondError(c, err)
		return
	}

	s.setRefreshCookie(c, pair.RefreshToken, pair.RefreshExpiresAt)
	c.JSON(http.StatusOK, tokenResponseFrom(pair))
}

func (s *Server) handleRefresh(c *gin.Context) {
	var req refreshRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		respondInvalidPayload(c)
		return
	}

	token, fromCookie := s.refreshTokenFrom(c, req.RefreshToken)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, codeResponses["AUTH_TOKEN_INVALID"])
		return
	}

	pair, err := s.svc.Refresh(c.Request.Context(), token)
	if err != nil {
		// A dead cookie token would otherwise be replayed forever.
		if fromCookie && isUnauthorized(err) {
			s.clearRefreshCookie(c)
		}
		s.respondError(c, err)
		return
	}

	if pair.RefreshToken != "" {
		s.setRefreshCookie(c, pair.RefreshToken, pair.RefreshExpiresAt)
	}
	c.JSON(http.StatusOK, tokenResponseFrom(pair))
}

func (s *Server) handleLogout(c *gin.Context) {
	var req refreshRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		respondInvalidPayload(c)
		return
	}

	// Logout without a token still clears the cookie and succeeds.
	token, _ := s.refreshTokenFrom(c, req.RefreshToken)
	if token != "" {
		if err := s.svc.Logout(c.Request.Context(), token); err != nil {
			s.respondError(c, err)
			return
		}
	}

	s.clearRefreshCookie(c)
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePasswordResetRequest(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalidPayload(c)
		return
	}

	if err := s.svc.RequestPasswordReset(c.Request.Context(), req.Email); err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, messageResponse{Message: "if the address is registered, a code has been sent"})
}

func (s *Server) handlePasswordResetConfirm(c *gin.Context) {
	var req resetConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalidPayload(c)
		return
	}

	if err := s.svc.ResetPassword(c.Request.Context(), req.Email, req.Code, req.NewPassword); err != nil {
		s.respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) handleListSessions(c *gin.Context) {
	claims, ok := s.mustClaims(c)
	if !ok {
		return
	}

	summaries, err := s.svc.ListSessions(c.Request.Context(), claims.UserID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	resp := sessionsResponse{Sessions: make([]sessionResponse, 0, len(summaries))}
	for _, sum := range summaries {
		resp.Sessions = append(resp.Sessions, sessionResponse{
			ID:          sum.ID.String(),
			DeviceLabel: sum.DeviceLabel,
			LastUsedAt:  sum.LastUsedAt,
			ExpiresAt:   sum.ExpiresAt,
			Current:     sum.ID == claims.SessionID,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRevokeSession(c *gin.Context) {
	claims, ok := s.mustClaims(c)
	if !ok {
		return
	}

	// A malformed ID gets the same response as an unknown one.
	sessionID, err := ulid.Parse(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, codeResponses["AUTH_SESSION_NOT_FOUND"])
		return
	}

	if err := s.svc.RevokeSession(c.Request.Context(), claims.UserID, sessionID); err != nil {
		s.respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) handleRevokeOthers(c *gin.Context) {
	claims, ok := s.mustClaims(c)
	if !ok {
		return
	}

	revoked, err := s.svc.RevokeAllOtherSessions(c.Request.Context(), claims.UserID, claims.SessionID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, revokeOthersResponse{Revoked: revoked})
}

// mustClaims returns the verified claims or writes a 401. Handlers are
// registered behind authenticated(), so the failure path means a
// routing mistake rather than a client error.
func (s *Server) mustClaims(c *gin.Context) (*auth.AccessClaims, bool) {
	claims := claimsFrom(c)
	if claims == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, codeResponses["AUTH_TOKEN_INVALID"])
		return nil, false
	}
	return claims, true
}

// bindOptionalJSON decodes the body into dst when one is present.
// Refresh and logout accept an empty body when the cookie carries the
// token.
func bindOptionalJSON(c *gin.Context, dst any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(dst) //nolint:wrapcheck // Binding errors all map to one response
}

// refreshTokenFrom resolves the refresh token, preferring the request
// body over the cookie. The bool reports whether the cookie supplied it.
func (s *Server) refreshTokenFrom(c *gin.Context, bodyToken string) (string, bool) {
	if bodyToken != "" {
		return bodyToken, false
	}
	cookie, err := c.Cookie(refreshCookieName)
	if err != nil || cookie == "" {
		return "", false
	}
	return cookie, true
}

func (s *Server) setRefreshCookie(c *gin.Context, token string, expiresAt time.Time) {
	maxAge := int(time.Until(expiresAt).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(refreshCookieName, token, maxAge, refreshCookiePath, "", s.secureCookies, true)
}

func (s *Server) clearRefreshCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(refreshCookieName, "", -1, refreshCookiePath, "", s.secureCookies, true)
}
