// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/samber/oops"

	"github.com/keyfold/keyfold/pkg/errutil"
)

// errorResponse is the JSON envelope for every failed request.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// codeInvalidPayload is used for requests that fail before reaching the
// service (malformed JSON, missing fields).
const codeInvalidPayload = "INVALID_PAYLOAD"

// codeResponses maps service error codes to wire responses. Bodies are
// fixed per code so internal detail never reaches the client.
var codeResponses = map[string]errorResponse{
	"AUTH_INVALID_EMAIL":       {Error: "email address is invalid", Code: "AUTH_INVALID_EMAIL"},
	"AUTH_INVALID_PASSWORD":    {Error: "password does not meet requirements", Code: "AUTH_INVALID_PASSWORD"},
	"AUTH_EMPTY_PASSWORD":      {Error: "password does not meet requirements", Code: "AUTH_EMPTY_PASSWORD"},
	"AUTH_EMAIL_TAKEN":         {Error: "email address is already registered", Code: "AUTH_EMAIL_TAKEN"},
	"AUTH_CODE_INVALID":        {Error: "code is invalid", Code: "AUTH_CODE_INVALID"},
	"AUTH_CODE_EXPIRED":        {Error: "code has expired", Code: "AUTH_CODE_EXPIRED"},
	"AUTH_INVALID_CREDENTIALS": {Error: "invalid email or password", Code: "AUTH_INVALID_CREDENTIALS"},
	"AUTH_EMAIL_NOT_VERIFIED":  {Error: "email address is not verified", Code: "AUTH_EMAIL_NOT_VERIFIED"},
	"AUTH_TOKEN_INVALID":       {Error: "token is invalid", Code: "AUTH_TOKEN_INVALID"},
	"AUTH_TOKEN_EXPIRED":       {Error: "token has expired", Code: "AUTH_TOKEN_EXPIRED"},
	"AUTH_SESSION_NOT_FOUND":   {Error: "session not found", Code: "AUTH_SESSION_NOT_FOUND"},
	"AUTH_UNAVAILABLE":         {Error: "service temporarily unavailable", Code: "AUTH_UNAVAILABLE"},
}

var codeStatuses = map[string]int{
	"AUTH_INVALID_EMAIL":       http.StatusBadRequest,
	"AUTH_INVALID_PASSWORD":    http.StatusBadRequest,
	"AUTH_EMPTY_PASSWORD":      http.StatusBadRequest,
	"AUTH_EMAIL_TAKEN":         http.StatusConflict,
	"AUTH_CODE_INVALID":        http.StatusBadRequest,
	"AUTH_CODE_EXPIRED":        http.StatusBadRequest,
	"AUTH_INVALID_CREDENTIALS": http.StatusUnauthorized,
	"AUTH_EMAIL_NOT_VERIFIED":  http.StatusForbidden,
	"AUTH_TOKEN_INVALID":       http.StatusUnauthorized,
	"AUTH_TOKEN_EXPIRED":       http.StatusUnauthorized,
	"AUTH_SESSION_NOT_FOUND":   http.StatusNotFound,
	"AUTH_UNAVAILABLE":         http.StatusServiceUnavailable,
}

// errorCode extracts the oops code, or "" for plain errors.
func errorCode(err error) string {
	if oopsErr, ok := oops.AsOops(err); ok {
		return oopsErr.Code()
	}
	return ""
}

// isUnauthorized reports whether err maps to a 401.
func isUnauthorized(err error) bool {
	return codeStatuses[errorCode(err)] == http.StatusUnauthorized
}

// respondError writes the mapped response for a service error and
// aborts the handler chain. Unmapped errors become a 500 and are the
// only ones logged here, the rest are expected request outcomes.
func (s *Server) respondError(c *gin.Context, err error) {
	code := errorCode(err)

	if resp, known := codeResponses[code]; known {
		c.AbortWithStatusJSON(codeStatuses[code], resp)
		return
	}

	errutil.LogError(s.logger, "unmapped api error", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{
		Error: "internal server error",
		Code:  "INTERNAL",
	})
}

// respondInvalidPayload rejects a request whose body failed binding.
func respondInvalidPayload(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{
		Error: "request body is missing or malformed",
		Code:  codeInvalidPayload,
	})
}
