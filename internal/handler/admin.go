package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/patientbuddy/chat-platform/internal/middleware"
	"github.com/patientbuddy/chat-platform/internal/model"
	"github.com/patientbuddy/chat-platform/internal/service"
	"github.com/patientbuddy/chat-platform/pkg/logger"
)

// AdminHandler serves the administrator read surface and role updates.
// Routes are expected behind middleware.RequireRole.
type AdminHandler struct {
	users         *service.UserService
	conversations *service.ConversationService
	logger        *logger.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(users *service.UserService, convs *service.ConversationService, log *logger.Logger) *AdminHandler {
	return &AdminHandler{users: users, conversations: convs, logger: log}
}

// ListUsers handles GET /api/admin/users
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.List(r.Context())
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// UpdateRole handles PUT /api/admin/users/{id}
func (h *AdminHandler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateUserID(id); err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}

	var req model.UpdateRoleRequest
	if err := decodeJSON(w, r, 4<<10, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}

	user, err := h.users.SetRole(r.Context(), id, req.Role)
	switch {
	case errors.Is(err, model.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, `Invalid role. Must be "user" or "admin".`)
		return
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "User not found")
		return
	case err != nil:
		respondError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// ListConversations handles GET /api/admin/conversations
func (h *AdminHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.conversations.ListAll(r.Context())
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}
