// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/authsvc/internal/auth"
	"github.com/holomush/authsvc/pkg/errutil"
)

type userJSON struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"emailVerified"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type sessionJSON struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
	UserAgent string    `json:"userAgent,omitempty"`
	IPAddress string    `json:"ipAddress,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toUserJSON(u *auth.User) userJSON {
	return userJSON{
		ID:            u.ID.String(),
		Name:          u.Name,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

func toSessionJSON(s *auth.Session) sessionJSON {
	return sessionJSON{
		ID:        s.ID.String(),
		UserID:    s.UserID.String(),
		ExpiresAt: s.ExpiresAt,
		UserAgent: s.UserAgent,
		IPAddress: s.IPAddress,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

type signUpRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signInRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe *bool  `json:"rememberMe"`
}

type requestPasswordResetRequest struct {
	Email      string `json:"email"`
	RedirectTo string `json:"redirectTo"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

// authResponse answers sign-up and sign-in. Token is null when no session
// was created.
type authResponse struct {
	Token *string  `json:"token"`
	User  userJSON `json:"user"`
}

type sessionResponse struct {
	Session sessionJSON `json:"session"`
	User    userJSON    `json:"user"`
}

type statusResponse struct {
	Status bool `json:"status"`
}

func (h *Handler) ok(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	return nil
}

func (h *Handler) signUp(w http.ResponseWriter, r *http.Request) error {
	var req signUpRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	result, err := h.svc.SignUpEmail(r.Context(), auth.SignUpInput{
		Name:      req.Name,
		Email:     req.Email,
		Password:  req.Password,
		UserAgent: r.UserAgent(),
		IPAddress: clientIP(r),
	})
	if err != nil {
		return err
	}

	resp := authResponse{User: toUserJSON(result.User)}
	if result.Session != nil {
		h.setSessionCookie(w, result.Token, result.Session.ExpiresAt, true)
		resp.Token = &result.Token
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) signIn(w http.ResponseWriter, r *http.Request) error {
	var req signInRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	rememberMe := req.RememberMe == nil || *req.RememberMe

	session, token, err := h.svc.SignInEmail(r.Context(), auth.SignInInput{
		Email:      req.Email,
		Password:   req.Password,
		RememberMe: rememberMe,
		UserAgent:  r.UserAgent(),
		IPAddress:  clientIP(r),
	})
	if err != nil {
		return err
	}

	resolved, err := h.svc.GetSession(r.Context(), token)
	if err != nil {
		return err
	}

	h.setSessionCookie(w, token, session.ExpiresAt, rememberMe)
	writeJSON(w, http.StatusOK, authResponse{Token: &token, User: toUserJSON(resolved.User)})
	return nil
}

func (h *Handler) signOut(w http.ResponseWriter, r *http.Request) error {
	if token := sessionToken(r); token != "" {
		if err := h.svc.SignOut(r.Context(), token); err != nil {
			return err
		}
	}
	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	return nil
}

// getSession answers null for a missing, invalid or expired session.
func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) error {
	token := sessionToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, nil)
		return nil
	}

	resolved, err := h.svc.GetSession(r.Context(), token)
	if err != nil {
		switch errutil.Code(err) {
		case "SESSION_INVALID", "SESSION_EXPIRED":
			h.clearSessionCookie(w)
			writeJSON(w, http.StatusOK, nil)
			return nil
		}
		return err
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		Session: toSessionJSON(resolved.Session),
		User:    toUserJSON(resolved.User),
	})
	return nil
}

func (h *Handler) requestPasswordReset(w http.ResponseWriter, r *http.Request) error {
	var req requestPasswordResetRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if err := h.svc.RequestPasswordReset(r.Context(), req.Email, req.RedirectTo); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: true})
	return nil
}

func (h *Handler) resetPassword(w http.ResponseWriter, r *http.Request) error {
	var req resetPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Token == "" {
		req.Token = r.URL.Query().Get("token")
	}
	if err := h.svc.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: true})
	return nil
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return oops.Code(codeInvalidRequest).Errorf("request body is required")
		}
		return oops.Code(codeInvalidRequest).Errorf("invalid JSON body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // client may have disconnected
	json.NewEncoder(w).Encode(v)
}
