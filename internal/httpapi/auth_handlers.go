package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"openshelf.org/internal/auth"
	"openshelf.org/internal/membership"
)

type tokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
}

const tokenTTL = 15 * time.Minute

// handleAuthToken exchanges member credentials for a bearer token.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !auth.TokensEnabled() {
		writeError(w, r, http.StatusServiceUnavailable, "token issuance disabled")
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	user, err := a.users.GetUserByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, membership.ErrNotFound) {
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if err := auth.VerifyPassword(user.PasswordHash, req.Password); err != nil {
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if user.Status != membership.StatusActive {
		writeError(w, r, http.StatusForbidden, "account is not active")
		return
	}

	token, err := auth.GenerateToken(user.ID, []string{string(user.Role)}, tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	expiresAt := time.Now().UTC().Add(tokenTTL)

	if a.recorder != nil {
		if err := a.recorder.Record(r.Context(), "auth.token.issued", "users", user.ID, map[string]any{
			"role":       string(user.Role),
			"expires_at": expiresAt.Format(time.RFC3339),
		}); err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		UserID:    user.ID,
		Role:      string(user.Role),
	})
}
