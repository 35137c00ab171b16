package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/patientbuddy/chat-platform/internal/middleware"
	"github.com/patientbuddy/chat-platform/internal/model"
	"github.com/patientbuddy/chat-platform/internal/service"
	"github.com/patientbuddy/chat-platform/pkg/logger"
)

// ConversationHandler handles the caller's own conversations.
type ConversationHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log,
	}
}

// List handles GET /api/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	convs, err := h.service.List(ctx, middleware.GetUserID(ctx))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	if convs == nil {
		convs = []model.ConversationSummary{}
	}

	writeJSON(w, http.StatusOK, convs)
}

// Get handles GET /api/conversations/{threadId}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conv, err := h.service.Get(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "threadId"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}
