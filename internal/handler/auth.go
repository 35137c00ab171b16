package handler

import (
	"errors"
	"net/http"

	"github.com/patientbuddy/chat-platform/internal/middleware"
	"github.com/patientbuddy/chat-platform/internal/model"
	"github.com/patientbuddy/chat-platform/internal/service"
	"github.com/patientbuddy/chat-platform/pkg/logger"
)

const maxCredentialsBodyBytes = 4 << 10

// AuthHandler handles signup, login and credential verification.
type AuthHandler struct {
	users  *service.UserService
	logger *logger.Logger
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(users *service.UserService, log *logger.Logger) *AuthHandler {
	return &AuthHandler{users: users, logger: log}
}

func (h *AuthHandler) credentials(w http.ResponseWriter, r *http.Request) (*model.CredentialsRequest, bool) {
	var req model.CredentialsRequest
	if err := decodeJSON(w, r, maxCredentialsBodyBytes, &req); err != nil {
		respondError(w, h.logger, err)
		return nil, false
	}
	if err := middleware.ValidateRequest(&req); err != nil {
		respondError(w, h.logger, err)
		return nil, false
	}
	return &req, true
}

// Signup handles POST /api/auth/signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	req, ok := h.credentials(w, r)
	if !ok {
		return
	}

	resp, err := h.users.Signup(r.Context(), req)
	if errors.Is(err, model.ErrConflict) {
		writeError(w, http.StatusBadRequest, "User already exists.")
		return
	}
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

// Login handles POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req model.CredentialsRequest
	if err := decodeJSON(w, r, maxCredentialsBodyBytes, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required.")
		return
	}

	resp, err := h.users.Login(r.Context(), &req)
	if errors.Is(err, service.ErrInvalidCredentials) {
		writeError(w, http.StatusBadRequest, "Invalid credentials.")
		return
	}
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Verify handles GET /api/auth/verify. It runs behind middleware.Auth.
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.Get(r.Context(), middleware.GetUserID(r.Context()))
	if errors.Is(err, model.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid": true,
		"user":  user,
	})
}
