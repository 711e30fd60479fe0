// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package web

import (
	"net/http"

	"github.com/holomush/authsvc/pkg/errutil"
)

const (
	codeInvalidOrigin  = "INVALID_ORIGIN"
	codeInvalidRequest = "INVALID_REQUEST"
	codeInternal       = "INTERNAL_ERROR"
)

// errorStatus maps client-facing error codes to HTTP status codes.
// Codes not listed are internal errors.
var errorStatus = map[string]int{
	codeInvalidOrigin:  http.StatusForbidden,
	codeInvalidRequest: http.StatusBadRequest,

	"AUTH_EMAIL_PASSWORD_DISABLED": http.StatusBadRequest,
	"AUTH_RESET_DISABLED":          http.StatusBadRequest,
	"AUTH_PASSWORD_TOO_SHORT":      http.StatusBadRequest,
	"AUTH_PASSWORD_TOO_LONG":       http.StatusBadRequest,
	"AUTH_INVALID_REDIRECT":        http.StatusBadRequest,
	"USER_INVALID_EMAIL":           http.StatusBadRequest,
	"USER_INVALID_NAME":            http.StatusBadRequest,
	"RESET_TOKEN_EMPTY":            http.StatusBadRequest,
	"RESET_TOKEN_INVALID":          http.StatusBadRequest,
	"RESET_TOKEN_EXPIRED":          http.StatusBadRequest,
	"AUTH_USER_ALREADY_EXISTS":     http.StatusUnprocessableEntity,
	"AUTH_INVALID_CREDENTIALS":     http.StatusUnauthorized,
	"SESSION_TOKEN_EMPTY":          http.StatusUnauthorized,
	"SESSION_INVALID":              http.StatusUnauthorized,
	"SESSION_EXPIRED":              http.StatusUnauthorized,
	"AUTH_ACCOUNT_LOCKED":          http.StatusLocked,
}

// errorBody is the JSON error response.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes err as JSON and returns the code it reported.
// Internal errors are logged and their details withheld.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) string {
	code := errutil.Code(err)
	status, known := errorStatus[code]
	if !known {
		errutil.LogErrorContext(r.Context(), h.logger, "auth request failed", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Code: codeInternal, Message: "internal server error"})
		return codeInternal
	}
	writeJSON(w, status, errorBody{Code: code, Message: err.Error()})
	return code
}
