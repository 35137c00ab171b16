// Package service provides business logic for the chat platform.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/patientbuddy/chat-platform/internal/model"
	"github.com/patientbuddy/chat-platform/internal/store"
	"github.com/patientbuddy/chat-platform/pkg/logger"
)

// ConversationService is the read surface over stored conversations.
type ConversationService struct {
	store  store.ConversationStore
	logger *logger.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(st store.ConversationStore, log *logger.Logger) *ConversationService {
	return &ConversationService{store: st, logger: log}
}

// List returns the caller's conversations, most recent first.
func (s *ConversationService) List(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	convs, err := s.store.ListByOwner(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return convs, nil
}

// Get returns the full message log of a conversation the caller owns.
func (s *ConversationService) Get(ctx context.Context, userID, threadID string) (*model.Conversation, error) {
	if err := model.ValidateThreadID(threadID); err != nil {
		return nil, model.ErrNotFound
	}

	conv, err := s.store.FindByOwnerAndThread(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}
	if !conv.IsOwnedBy(userID) {
		return nil, model.ErrNotFound
	}
	return conv, nil
}

// ListAll returns every conversation with its owner for administrative audit.
func (s *ConversationService) ListAll(ctx context.Context) ([]model.Conversation, error) {
	convs, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list all conversations: %w", err)
	}
	s.logger.Debug("admin conversation listing", zap.Int("count", len(convs)))
	return convs, nil
}
