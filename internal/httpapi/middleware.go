// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package httpapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/keyfold/keyfold/internal/auth"
	"github.com/keyfold/keyfold/internal/observability"
)

// claimsKey is the gin context key the bearer middleware stores the
// verified access claims under.
const claimsKey = "keyfold.claims"

// requestLogger logs one line per request after it completes. Server
// faults log at error, client faults at warn, everything else at info.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}

		logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"elapsed", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// requestMetrics records request counts and latency. The route label is
// the registered pattern, not the raw path, to keep cardinality bounded.
func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		observability.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

// authenticated verifies the bearer access token and stores its claims
// in the request context for handlers behind it.
func (s *Server) authenticated() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{
				Error: "authorization header must be of the form 'Bearer <token>'",
				Code:  "AUTH_TOKEN_INVALID",
			})
			return
		}

		claims, err := s.tokens.VerifyAccessToken(token)
		if err != nil {
			s.respondError(c, err)
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// bearerToken extracts the token from an Authorization header value.
func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}

// claimsFrom returns the access claims the bearer middleware stored.
// Handlers must only call this behind authenticated().
func claimsFrom(c *gin.Context) *auth.AccessClaims {
	claims, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	ac, ok := claims.(*auth.AccessClaims)
	if !ok {
		return nil
	}
	return ac
}
