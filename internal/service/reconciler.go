package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/patientbuddy/chat-platform/internal/lock"
	"github.com/patientbuddy/chat-platform/internal/model"
	natsclient "github.com/patientbuddy/chat-platform/internal/nats"
	"github.com/patientbuddy/chat-platform/internal/store"
	"github.com/patientbuddy/chat-platform/pkg/logger"
	"github.com/patientbuddy/chat-platform/pkg/metrics"
)

// TurnSource delivers queued unsaved turns.
type TurnSource interface {
	ConsumeUnsavedTurns(ctx context.Context, handle natsclient.TurnHandler) error
}

// Reconciler replays turns whose durable write failed during the chat request.
type Reconciler struct {
	store  store.ConversationStore
	locker lock.Locker
	outbox Outbox
	logger *logger.Logger
}

// NewReconciler creates a reconciler. outbox may be nil.
func NewReconciler(st store.ConversationStore, locker lock.Locker, outbox Outbox, log *logger.Logger) *Reconciler {
	return &Reconciler{store: st, locker: locker, outbox: outbox, logger: log}
}

// Run consumes from source until ctx is done.
func (r *Reconciler) Run(ctx context.Context, source TurnSource) error {
	r.logger.Info("turn reconciler started")
	return source.ConsumeUnsavedTurns(ctx, r.Handle)
}

// Handle stores one unsaved turn. The thread lease keeps the replay from
// interleaving with a live turn; message ids make it idempotent.
func (r *Reconciler) Handle(ctx context.Context, turn *model.UnsavedTurn) error {
	for _, msg := range turn.Messages {
		if msg.ID == "" || !msg.Role.Valid() {
			metrics.ReconciledTurnsTotal.WithLabelValues("dropped").Inc()
			return fmt.Errorf("%w: malformed message in turn %s", model.ErrInvalidArgument, turn.TurnID)
		}
	}

	release, err := r.locker.TryAcquire(ctx, turn.ThreadID)
	if err != nil {
		metrics.ReconciledTurnsTotal.WithLabelValues("deferred").Inc()
		return err
	}
	defer release()

	conv := &model.Conversation{ThreadID: turn.ThreadID, UserID: turn.UserID}
	if _, err := r.store.AppendMessages(ctx, conv, turn.Messages); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			metrics.ReconciledTurnsTotal.WithLabelValues("dropped").Inc()
			return fmt.Errorf("%w: conversation %s no longer exists", model.ErrInvalidArgument, turn.ThreadID)
		}
		metrics.ReconciledTurnsTotal.WithLabelValues("failed").Inc()
		return err
	}

	metrics.ReconciledTurnsTotal.WithLabelValues("stored").Inc()
	r.logger.ForThread(turn.ThreadID).Info("unsaved turn reconciled", zap.String("turn_id", turn.TurnID))

	if r.outbox != nil {
		err := r.outbox.PublishTurnEvent(ctx, &model.TurnEvent{
			ID:        newID(),
			ThreadID:  turn.ThreadID,
			UserID:    turn.UserID,
			TurnID:    turn.TurnID,
			Type:      model.TurnEventReconciled,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			r.logger.Warn("failed to publish turn event", zap.Error(err))
		}
	}
	return nil
}
