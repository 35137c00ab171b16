package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patientbuddy/chat-platform/internal/gateway"
	"github.com/patientbuddy/chat-platform/internal/lock"
	"github.com/patientbuddy/chat-platform/internal/model"
	"github.com/patientbuddy/chat-platform/internal/store"
	"github.com/patientbuddy/chat-platform/pkg/logger"
	"github.com/patientbuddy/chat-platform/pkg/metrics"
)

// FragmentSink is the live client side of a chat turn.
type FragmentSink interface {
	// Begin is called once the assistant accepted the turn, before the first
	// fragment. After Begin the response can no longer carry an error status.
	Begin(threadID string) error
	// Write relays one fragment. An error means the client is gone.
	Write(fragment string) error
}

// Outbox queues turns that could not be stored and publishes turn events.
type Outbox interface {
	PublishUnsavedTurn(ctx context.Context, turn *model.UnsavedTurn) error
	PublishTurnEvent(ctx context.Context, event *model.TurnEvent) error
}

// ChatConfig tunes the chat turn lifecycle.
type ChatConfig struct {
	TurnTimeout    time.Duration
	PersistRetries int
	PersistBackoff time.Duration
}

// TurnResult describes a finished chat turn.
type TurnResult struct {
	ThreadID  string
	Content   string
	Status    model.TurnStatus
	Fragments int
}

// ChatService runs chat turns: resolve the conversation, stream the assistant
// reply to the client while accumulating it, then persist the turn.
type ChatService struct {
	store   store.ConversationStore
	gateway gateway.Gateway
	locker  lock.Locker
	outbox  Outbox
	cfg     ChatConfig
	logger  *logger.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewChatService creates a chat service. outbox may be nil.
func NewChatService(
	st store.ConversationStore,
	gw gateway.Gateway,
	locker lock.Locker,
	outbox Outbox,
	cfg ChatConfig,
	log *logger.Logger,
) *ChatService {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 5 * time.Minute
	}
	if cfg.PersistBackoff <= 0 {
		cfg.PersistBackoff = 200 * time.Millisecond
	}
	return &ChatService{
		store:   st,
		gateway: gw,
		locker:  locker,
		outbox:  outbox,
		cfg:     cfg,
		logger:  log,
		tracer:  otel.Tracer("github.com/patientbuddy/chat-platform/internal/service"),
		now:     time.Now,
	}
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Send runs one chat turn for userID.
//
// Errors returned before sink.Begin leave nothing behind except, for a new
// thread, the empty conversation. Once Begin has been called the returned
// result always carries the terminal status.
func (s *ChatService) Send(ctx context.Context, userID string, req *model.ChatRequest, sink FragmentSink) (*TurnResult, error) {
	if err := model.ValidateMessageContent(req.Message); err != nil {
		return nil, err
	}
	if req.ThreadID != "" {
		if err := model.ValidateThreadID(req.ThreadID); err != nil {
			return nil, err
		}
	}

	ctx, span := s.tracer.Start(ctx, "chat.turn", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("backend", s.gateway.Name()),
	))
	defer span.End()

	start := time.Now()
	log := s.logger.ForUser(userID)

	span.AddEvent("resolving")
	conv, release, err := s.resolve(ctx, userID, req.ThreadID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve")
		return nil, err
	}
	defer release()

	span.SetAttributes(attribute.String("thread.id", conv.ThreadID))
	log = log.ForThread(conv.ThreadID)

	// The client may vanish mid-turn; the assistant and store work must not.
	turnCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.TurnTimeout)
	defer cancel()

	turnID := newID()
	userMsg := model.Message{
		ID:        newID(),
		TurnID:    turnID,
		Role:      model.RoleUser,
		Content:   req.Message,
		CreatedAt: s.now().UTC(),
	}
	result := &TurnResult{ThreadID: conv.ThreadID, Status: model.TurnFailed}

	span.AddEvent("submitting")
	stream, err := s.gateway.SubmitAndStream(turnCtx, gateway.Turn{
		ThreadID: conv.ThreadID,
		Message:  req.Message,
		History:  conv.Messages,
	})
	if err != nil {
		s.fail(turnCtx, span, log, conv, turnID, err, start)
		return result, err
	}
	defer stream.Close()

	span.AddEvent("streaming")
	metrics.IncrementChatStreams()
	content, fragments, err := s.relay(turnCtx, stream, sink, conv.ThreadID, log)
	metrics.DecrementChatStreams()
	result.Content = content
	result.Fragments = fragments
	if err != nil {
		s.fail(turnCtx, span, log, conv, turnID, err, start)
		return result, err
	}

	span.AddEvent("finalizing")
	assistantMsg := model.Message{
		ID:        newID(),
		TurnID:    turnID,
		Role:      model.RoleAssistant,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	result.Status = s.finalize(turnCtx, log, conv, turnID, []model.Message{userMsg, assistantMsg})

	span.SetAttributes(attribute.String("turn.status", string(result.Status)), attribute.Int("turn.fragments", fragments))
	metrics.RecordTurn(s.gateway.Name(), string(result.Status), time.Since(start).Seconds())
	log.Info("chat turn finished",
		zap.String("turn_id", turnID),
		zap.String("status", string(result.Status)),
		zap.Int("fragments", fragments),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// resolve loads or creates the conversation and takes the thread lease.
// History is read under the lease so it includes any turn that just finished.
func (s *ChatService) resolve(ctx context.Context, userID, threadID string) (*model.Conversation, lock.Release, error) {
	if threadID == "" {
		var err error
		threadID, err = s.gateway.CreateThread(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create thread: %w", err)
		}
		if _, err := s.store.CreateEmpty(ctx, userID, threadID); err != nil {
			return nil, nil, fmt.Errorf("create conversation: %w", err)
		}
		metrics.ConversationsTotal.Inc()
	} else {
		conv, err := s.store.FindByOwnerAndThread(ctx, userID, threadID)
		if err != nil {
			return nil, nil, err
		}
		if !conv.IsOwnedBy(userID) {
			return nil, nil, model.ErrNotFound
		}
	}

	release, err := s.locker.TryAcquire(ctx, threadID)
	if err != nil {
		return nil, nil, err
	}

	conv, err := s.store.FindByOwnerAndThread(ctx, userID, threadID)
	if err != nil {
		release()
		return nil, nil, err
	}
	return conv, release, nil
}

// relay drains the stream into the accumulator, mirroring each fragment to
// the client while it is still there.
func (s *ChatService) relay(ctx context.Context, stream gateway.Stream, sink FragmentSink, threadID string, log *logger.Logger) (string, int, error) {
	var acc strings.Builder
	fragments := 0
	clientGone := false

	if err := sink.Begin(threadID); err != nil {
		clientGone = true
		log.Debug("client gone before first fragment", zap.Error(err))
	}

	for {
		frag, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return acc.String(), fragments, nil
		}
		if err != nil {
			return acc.String(), fragments, err
		}
		if frag == "" {
			continue
		}

		acc.WriteString(frag)
		fragments++
		metrics.FragmentsTotal.Inc()

		if clientGone {
			continue
		}
		if err := sink.Write(frag); err != nil {
			clientGone = true
			log.Info("client disconnected, draining assistant stream", zap.Int("fragments", fragments))
		}
	}
}

// finalize appends the turn with retries; a turn that still cannot be stored
// is handed to the outbox for reconciliation.
func (s *ChatService) finalize(ctx context.Context, log *logger.Logger, conv *model.Conversation, turnID string, msgs []model.Message) model.TurnStatus {
	err := s.persist(ctx, log, conv, msgs)
	if err == nil {
		s.publishEvent(ctx, log, conv, turnID, model.TurnEventCommitted, "")
		return model.TurnCommitted
	}

	log.Error("turn not durable",
		zap.String("turn_id", turnID),
		zap.Error(err),
	)

	if s.outbox == nil {
		return model.TurnUnsaved
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	pubErr := s.outbox.PublishUnsavedTurn(pubCtx, &model.UnsavedTurn{
		ThreadID: conv.ThreadID,
		UserID:   conv.UserID,
		TurnID:   turnID,
		Messages: msgs,
		FailedAt: s.now().UTC(),
	})
	if pubErr != nil {
		log.Error("failed to queue unsaved turn", zap.String("turn_id", turnID), zap.Error(pubErr))
		s.publishEvent(pubCtx, log, conv, turnID, model.TurnEventUnsaved, err.Error())
		return model.TurnUnsaved
	}
	return model.TurnPending
}

func (s *ChatService) persist(ctx context.Context, log *logger.Logger, conv *model.Conversation, msgs []model.Message) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.PersistBackoff
	eb.MaxElapsedTime = 0

	retries := s.cfg.PersistRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)

	op := func() error {
		_, err := s.store.AppendMessages(ctx, conv, msgs)
		if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrInvalidArgument) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		metrics.PersistRetriesTotal.Inc()
		log.Warn("retrying turn write", zap.Error(err), zap.Duration("wait", wait))
	})
}

func (s *ChatService) fail(ctx context.Context, span trace.Span, log *logger.Logger, conv *model.Conversation, turnID string, err error, start time.Time) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "turn failed")
	metrics.RecordTurn(s.gateway.Name(), string(model.TurnFailed), time.Since(start).Seconds())
	log.Warn("chat turn failed", zap.String("turn_id", turnID), zap.Error(err))
	s.publishEvent(ctx, log, conv, turnID, model.TurnEventFailed, err.Error())
}

func (s *ChatService) publishEvent(ctx context.Context, log *logger.Logger, conv *model.Conversation, turnID string, typ model.TurnEventType, reason string) {
	if s.outbox == nil {
		return
	}
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}

	err := s.outbox.PublishTurnEvent(ctx, &model.TurnEvent{
		ID:        newID(),
		ThreadID:  conv.ThreadID,
		UserID:    conv.UserID,
		TurnID:    turnID,
		Type:      typ,
		Reason:    reason,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		log.Warn("failed to publish turn event", zap.String("type", string(typ)), zap.Error(err))
	}
}
